package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

// Seeds a handful of demo accounts and transactions for local development.
// Refuses to run unless SEED_ALLOW=1 so it cannot touch a real database by
// accident.
func main() {
	_ = godotenv.Load()

	if os.Getenv("SEED_ALLOW") != "1" {
		log.Fatal("set SEED_ALLOW=1 to run the seeder")
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "evx"),
		getEnv("POSTGRES_PASSWORD", "evx"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "evx_settlement"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)

	accounts := []struct {
		currency string
		balance  string
	}{
		{"EUR", "1000"},
		{"USD", "250"},
		{"EUR", "0"},
	}

	accountIDs := make([]int64, 0, len(accounts))
	for _, acct := range accounts {
		var id int64
		err := conn.QueryRow(ctx, `
			INSERT INTO accounts (currency, balance) VALUES ($1, $2) RETURNING id
		`, acct.currency, acct.balance).Scan(&id)
		if err != nil {
			log.Fatalf("seed account: %v", err)
		}
		accountIDs = append(accountIDs, id)
		log.Printf("account %d: %s %s", id, acct.balance, acct.currency)
	}

	transactions := []struct {
		account  int
		kind     string
		amount   string
		currency string
		status   string
	}{
		{0, "fiat_deposit", "90", "EUR", "pending"},
		{0, "usdt_order", "500", "EUR", "processing"},
		{1, "usdc_order", "75", "USD", "processing"},
		{2, "fiat_deposit", "150", "CHF", "processing"},
	}

	for _, txn := range transactions {
		var id int64
		err := conn.QueryRow(ctx, `
			INSERT INTO transactions (account_id, kind, source_amount, source_currency, status)
			VALUES ($1, $2, $3, $4, $5) RETURNING id
		`, accountIDs[txn.account], txn.kind, txn.amount, txn.currency, txn.status).Scan(&id)
		if err != nil {
			log.Fatalf("seed transaction: %v", err)
		}
		log.Printf("transaction %d: %s %s %s (%s)", id, txn.kind, txn.amount, txn.currency, txn.status)
	}

	log.Println("seed complete")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
