package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindFiatDeposit Kind = "fiat_deposit"
	KindUSDTOrder   Kind = "usdt_order"
	KindUSDCOrder   Kind = "usdc_order"
)

func (k Kind) Valid() bool {
	switch k {
	case KindFiatDeposit, KindUSDTOrder, KindUSDCOrder:
		return true
	}
	return false
}

func (k Kind) Crypto() bool {
	return k == KindUSDTOrder || k == KindUSDCOrder
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccessful Status = "successful"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TerminalSuccess reports whether the status is a terminal-success state.
// Fiat deposits use successful and completed interchangeably for this.
func (s Status) TerminalSuccess() bool {
	return s == StatusSuccessful || s == StatusCompleted
}

var allowedStatuses = map[Kind][]Status{
	KindFiatDeposit: {StatusPending, StatusProcessing, StatusSuccessful, StatusCompleted, StatusFailed},
	KindUSDTOrder:   {StatusProcessing, StatusSuccessful, StatusFailed},
	KindUSDCOrder:   {StatusProcessing, StatusSuccessful, StatusFailed},
}

func AllowedStatuses(k Kind) []Status {
	return allowedStatuses[k]
}

// ValidateTransition rejects unknown kinds and statuses outside the kind's
// allowed set. It runs before any row is loaded.
func ValidateTransition(k Kind, requested Status) error {
	if !k.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidStatus, k)
	}
	for _, s := range allowedStatuses[k] {
		if s == requested {
			return nil
		}
	}
	return fmt.Errorf("%w: %q for %s", ErrInvalidStatus, requested, k)
}

func ValidateID(id int64) error {
	if id <= 0 {
		return ErrInvalidID
	}
	return nil
}

// Policy makes the per-kind balance asymmetries explicit. The three transaction
// kinds share one state machine and differ only in these flags.
type Policy struct {
	// CreditsConvertedOnSuccess: entering terminal success credits the balance
	// with the source amount converted to the account currency (fiat deposits).
	CreditsConvertedOnSuccess bool
	// ReversesConvertedOnLeave: leaving terminal success debits the converted
	// amount back out (fiat deposits; exact inverse of the success credit).
	ReversesConvertedOnLeave bool
	// DebitsSourceOnSuccess: entering terminal success consumes funds reserved
	// at order creation (USDT orders). There is deliberately no reversal on the
	// successful->failed correction path: the debit happens only at success, so
	// a later failure has nothing reserved left to return.
	DebitsSourceOnSuccess bool
	// RefundsSourceOnLeave: leaving terminal success refunds the original USD
	// source amount, clamped at zero (USDC orders, debited at creation).
	RefundsSourceOnLeave bool
}

var policies = map[Kind]Policy{
	KindFiatDeposit: {CreditsConvertedOnSuccess: true, ReversesConvertedOnLeave: true},
	KindUSDTOrder:   {DebitsSourceOnSuccess: true},
	KindUSDCOrder:   {RefundsSourceOnLeave: true},
}

func PolicyFor(k Kind) Policy {
	return policies[k]
}

// Effect is the ledger consequence of a status change, before conversion.
type Effect int

const (
	// EffectNone: no balance mutation (includes the idempotent same-status case).
	EffectNone Effect = iota
	// EffectCreditConverted: add the converted source amount to the balance.
	EffectCreditConverted
	// EffectDebitConverted: subtract the converted source amount (clamped).
	EffectDebitConverted
	// EffectDebitSource: subtract the source amount as-is (clamped).
	EffectDebitSource
	// EffectCreditSource: add the source amount back (refund, clamped).
	EffectCreditSource
)

// NeedsConversion reports whether the effect amount must pass through the
// exchange-rate collaborator before it can be applied.
func (e Effect) NeedsConversion() bool {
	return e == EffectCreditConverted || e == EffectDebitConverted
}

// BalanceEffect decides the single compensating mutation for a status change.
// Exactly one of the four effects (or none) applies per transition; the same
// transition replayed resolves to EffectNone via the from==to guard upstream.
func BalanceEffect(k Kind, from, to Status) Effect {
	if from == to {
		return EffectNone
	}
	p := PolicyFor(k)

	enteringSuccess := to.TerminalSuccess() && !from.TerminalSuccess()
	leavingSuccess := from.TerminalSuccess() && !to.TerminalSuccess()

	switch {
	case enteringSuccess && p.CreditsConvertedOnSuccess:
		return EffectCreditConverted
	case enteringSuccess && p.DebitsSourceOnSuccess:
		return EffectDebitSource
	case leavingSuccess && p.ReversesConvertedOnLeave:
		return EffectDebitConverted
	case leavingSuccess && p.RefundsSourceOnLeave:
		return EffectCreditSource
	}
	return EffectNone
}

// Credit reports whether the effect increases the balance.
func (e Effect) Credit() bool {
	return e == EffectCreditConverted || e == EffectCreditSource
}

// ApplyDelta applies a single effect amount to a balance, clamping at zero.
// The returned clamped value is the excess a debit discarded; the caller must
// surface it (metric + event), never swallow it.
func ApplyDelta(balance, amount decimal.Decimal, e Effect) (newBalance, clamped decimal.Decimal) {
	switch {
	case e == EffectNone || amount.IsZero():
		return balance, decimal.Zero
	case e.Credit():
		return balance.Add(amount), decimal.Zero
	default:
		next := balance.Sub(amount)
		if next.IsNegative() {
			return decimal.Zero, next.Abs()
		}
		return next, decimal.Zero
	}
}

// NextReference computes the external reference after a transition. Operator
// input wins; entering success without one synthesizes a placeholder hash.
// A reference recorded at success survives later corrections, but a crypto
// order routed straight to a non-success state carries none.
func NextReference(k Kind, from, to Status, current, supplied string) string {
	if !k.Crypto() {
		return ""
	}
	supplied = strings.TrimSpace(supplied)

	if to == StatusSuccessful {
		if supplied != "" {
			return supplied
		}
		if current != "" {
			return current
		}
		return SynthesizeReference()
	}

	if from == StatusSuccessful {
		return current
	}
	return ""
}

// SynthesizeReference builds a collision-resistant opaque identifier standing
// in for a blockchain transaction hash.
func SynthesizeReference() string {
	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(suffix[:]))
}
