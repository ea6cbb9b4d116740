package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/config"
	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	flag.Parse()
	args := flag.Args()

	command := "up"
	if len(args) > 0 {
		command = args[0]
	}
	switch command {
	case "up", "down", "status", "redo", "version":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want up, down, status, redo, or version)\n", command)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	log.Printf("running migration: %s", command)
	if err := storage.RunMigrations(ctx, cfg.DB.DSN(), command); err != nil {
		log.Fatalf("migration error: %v", err)
	}
	log.Println("migration finished")
}
