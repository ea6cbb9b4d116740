package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/engine"
)

// Account is a client balance row. Balance is held in the account's
// settlement currency.
type Account struct {
	ID        int64
	Currency  string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is a settlement row of any kind. CommissionAmount and
// ExternalReference are nullable: commission applies to fiat deposits
// only, references to crypto orders only.
type Transaction struct {
	ID                int64
	AccountID         int64
	Kind              engine.Kind
	SourceAmount      decimal.Decimal
	SourceCurrency    string
	Status            engine.Status
	CommissionAmount  *decimal.Decimal
	ExternalReference *string
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TransitionRequest carries one operator-initiated status change.
type TransitionRequest struct {
	TransactionID     int64
	Kind              engine.Kind
	Status            engine.Status
	ExternalReference string
	OperatorID        string
}

// TransitionResult reports what a transition did to the ledger.
type TransitionResult struct {
	Transaction     Transaction
	Account         Account
	PreviousStatus  engine.Status
	Effect          engine.Effect
	AppliedAmount   decimal.Decimal
	ClampedAmount   decimal.Decimal
	AlreadyInStatus bool
}
