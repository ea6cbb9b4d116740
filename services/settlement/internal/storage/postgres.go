package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/engine"
)

const conversionTimeout = 3 * time.Second

// RateConverter turns an amount in one currency into another. Implementations
// live in the rates package; the store only needs the conversion itself.
type RateConverter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

type ConversionMetrics interface {
	ObserveConversion(status string, duration time.Duration)
	IncBalanceClamp(kind string)
}

type Store struct {
	pool           *pgxpool.Pool
	converter      RateConverter
	commissionRate decimal.Decimal
	logger         *slog.Logger
	metrics        ConversionMetrics
}

func New(pool *pgxpool.Pool, converter RateConverter, commissionRate decimal.Decimal, logger *slog.Logger, metrics ConversionMetrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if commissionRate.IsZero() {
		commissionRate = engine.DefaultCommissionRate
	}
	return &Store{
		pool:           pool,
		converter:      converter,
		commissionRate: commissionRate,
		logger:         logger,
		metrics:        metrics,
	}
}

// ApplyTransition moves a transaction to the requested status and applies the
// resulting balance mutation, all inside one database transaction. Resubmitting
// the current status is a no-op that writes nothing.
func (s *Store) ApplyTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapPgError(err)
	}
	finished := false
	defer func() {
		if !finished {
			_ = tx.Rollback(ctx)
		}
	}()

	txn, err := s.getTransactionForUpdate(ctx, tx, req.TransactionID, req.Kind)
	if err != nil {
		return nil, err
	}

	if txn.Status == req.Status {
		acct, err := s.getAccountForUpdate(ctx, tx, txn.AccountID)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return nil, fmt.Errorf("%w: transaction %d references missing account %d", engine.ErrInvariant, txn.ID, txn.AccountID)
			}
			return nil, err
		}
		// Nothing to change; leave the row untouched.
		finished = true
		_ = tx.Rollback(ctx)
		return &TransitionResult{
			Transaction:     *txn,
			Account:         *acct,
			PreviousStatus:  txn.Status,
			Effect:          engine.EffectNone,
			AlreadyInStatus: true,
		}, nil
	}

	acct, err := s.getAccountForUpdate(ctx, tx, txn.AccountID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, fmt.Errorf("%w: transaction %d references missing account %d", engine.ErrInvariant, txn.ID, txn.AccountID)
		}
		return nil, err
	}

	prev := txn.Status
	effect := engine.BalanceEffect(txn.Kind, prev, req.Status)

	var applied, clamped decimal.Decimal
	if effect != engine.EffectNone {
		amount := txn.SourceAmount
		if effect.NeedsConversion() {
			amount, err = s.convert(ctx, txn.SourceAmount, txn.SourceCurrency, acct.Currency)
			if err != nil {
				return nil, err
			}
		}
		applied = amount
		acct.Balance, clamped = engine.ApplyDelta(acct.Balance, amount, effect)
		if !clamped.IsZero() {
			if s.metrics != nil {
				s.metrics.IncBalanceClamp(string(txn.Kind))
			}
			s.logger.Warn("balance debit clamped at zero",
				"transaction_id", txn.ID,
				"account_id", acct.ID,
				"kind", txn.Kind,
				"discarded", clamped.String(),
			)
		}
	}

	now := time.Now().UTC()

	if txn.Kind == engine.KindFiatDeposit && req.Status.TerminalSuccess() && txn.CommissionAmount == nil {
		commission := engine.Commission(txn.SourceAmount, s.commissionRate, txn.CommissionAmount)
		txn.CommissionAmount = &commission
	}

	currentRef := ""
	if txn.ExternalReference != nil {
		currentRef = *txn.ExternalReference
	}
	nextRef := engine.NextReference(txn.Kind, prev, req.Status, currentRef, req.ExternalReference)
	if nextRef == "" {
		txn.ExternalReference = nil
	} else {
		txn.ExternalReference = &nextRef
	}

	if req.Status.TerminalSuccess() {
		if txn.CompletedAt == nil {
			txn.CompletedAt = &now
		}
	} else {
		txn.CompletedAt = nil
	}

	txn.Status = req.Status
	txn.UpdatedAt = now

	var commissionStr *string
	if txn.CommissionAmount != nil {
		v := txn.CommissionAmount.String()
		commissionStr = &v
	}
	if _, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $1, commission_amount = $2, external_reference = $3, completed_at = $4, updated_at = $5
		WHERE id = $6
	`, string(txn.Status), commissionStr, txn.ExternalReference, txn.CompletedAt, now, txn.ID); err != nil {
		return nil, mapPgError(err)
	}

	if effect != engine.EffectNone {
		acct.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			UPDATE accounts
			SET balance = $1, updated_at = $2
			WHERE id = $3
		`, acct.Balance.String(), now, acct.ID); err != nil {
			return nil, mapPgError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	finished = true

	return &TransitionResult{
		Transaction:    *txn,
		Account:        *acct,
		PreviousStatus: prev,
		Effect:         effect,
		AppliedAmount:  applied,
		ClampedAmount:  clamped,
	}, nil
}

func (s *Store) convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if s.converter == nil {
		return decimal.Zero, fmt.Errorf("%w: no rate provider configured", engine.ErrConversion)
	}
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return amount, nil
	}

	convCtx, cancel := context.WithTimeout(ctx, conversionTimeout)
	defer cancel()

	start := time.Now()
	converted, err := s.converter.Convert(convCtx, amount, from, to)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveConversion("error", time.Since(start))
		}
		return decimal.Zero, fmt.Errorf("%w: %s to %s: %v", engine.ErrConversion, from, to, err)
	}
	if s.metrics != nil {
		s.metrics.ObserveConversion("success", time.Since(start))
	}
	if converted.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: provider returned negative amount", engine.ErrConversion)
	}
	return converted, nil
}

// GetTransaction returns one transaction. Fiat deposits that never had a
// commission persisted get one computed at the current rate for display.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	txn, err := s.scanTransaction(s.pool.QueryRow(ctx, `
		SELECT id, account_id, kind, source_amount::text, source_currency, status,
		       commission_amount::text, external_reference, completed_at, created_at, updated_at
		FROM transactions
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	if txn.Kind == engine.KindFiatDeposit && txn.CommissionAmount == nil {
		commission := engine.Commission(txn.SourceAmount, s.commissionRate, nil)
		txn.CommissionAmount = &commission
	}
	return txn, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	var acct Account
	var balanceStr string
	row := s.pool.QueryRow(ctx, `
		SELECT id, currency, balance::text, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, id)
	if err := row.Scan(&acct.ID, &acct.Currency, &balanceStr, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %d", engine.ErrNotFound, id)
		}
		return nil, mapPgError(err)
	}
	var err error
	acct.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &acct, nil
}

func (s *Store) getTransactionForUpdate(ctx context.Context, tx pgx.Tx, id int64, kind engine.Kind) (*Transaction, error) {
	txn, err := s.scanTransaction(tx.QueryRow(ctx, `
		SELECT id, account_id, kind, source_amount::text, source_currency, status,
		       commission_amount::text, external_reference, completed_at, created_at, updated_at
		FROM transactions
		WHERE id = $1 AND kind = $2
		FOR UPDATE NOWAIT
	`, id, string(kind)))
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *Store) getAccountForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*Account, error) {
	var acct Account
	var balanceStr string
	row := tx.QueryRow(ctx, `
		SELECT id, currency, balance::text, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, id)
	if err := row.Scan(&acct.ID, &acct.Currency, &balanceStr, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %d", engine.ErrNotFound, id)
		}
		return nil, mapPgError(err)
	}
	var err error
	acct.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &acct, nil
}

func (s *Store) scanTransaction(row pgx.Row) (*Transaction, error) {
	var txn Transaction
	var kind, status, amountStr string
	var commissionStr *string
	if err := row.Scan(&txn.ID, &txn.AccountID, &kind, &amountStr, &txn.SourceCurrency, &status,
		&commissionStr, &txn.ExternalReference, &txn.CompletedAt, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrNotFound
		}
		return nil, mapPgError(err)
	}
	txn.Kind = engine.Kind(kind)
	txn.Status = engine.Status(status)
	var err error
	txn.SourceAmount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse source amount: %w", err)
	}
	if commissionStr != nil {
		commission, err := decimal.NewFromString(*commissionStr)
		if err != nil {
			return nil, fmt.Errorf("parse commission amount: %w", err)
		}
		txn.CommissionAmount = &commission
	}
	return &txn, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// serialization_failure, deadlock_detected, lock_not_available
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", engine.ErrConflict, pgErr.Code)
		}
	}
	return err
}
