package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/Gimbo67/evokeessence-settlement/libs/kafka"
	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/engine"
	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/storage"
)

const (
	eventTypeUpdated = "settlement.status.updated"
	eventTypeClamped = "settlement.balance.clamped"
)

type Store interface {
	ApplyTransition(ctx context.Context, req storage.TransitionRequest) (*storage.TransitionResult, error)
	GetTransaction(ctx context.Context, id int64) (*storage.Transaction, error)
	GetAccount(ctx context.Context, id int64) (*storage.Account, error)
}

// Topics names the kafka topics the service publishes to.
type Topics struct {
	Updated string
	Clamped string
}

type SettlementService struct {
	store     Store
	publisher kafka.Publisher
	topics    Topics
	logger    *slog.Logger
	metrics   *Metrics
}

func NewSettlementService(store Store, publisher kafka.Publisher, topics Topics, logger *slog.Logger, metrics *Metrics) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{
		store:     store,
		publisher: publisher,
		topics:    topics,
		logger:    logger,
		metrics:   metrics,
	}
}

// TransitionEvent is the payload published after a committed transition.
type TransitionEvent struct {
	kafka.Envelope
	TransactionID  int64  `json:"transaction_id"`
	AccountID      int64  `json:"account_id"`
	Kind           string `json:"kind"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	Balance        string `json:"balance"`
	AppliedAmount  string `json:"applied_amount,omitempty"`
	ClampedAmount  string `json:"clamped_amount,omitempty"`
	OperatorID     string `json:"operator_id,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

// Transition validates and applies one operator status change. Validation
// failures return before any storage work; storage errors pass through for the
// transport layer to map.
func (s *SettlementService) Transition(ctx context.Context, req storage.TransitionRequest) (*storage.TransitionResult, error) {
	start := time.Now()
	result, err := s.transition(ctx, req)
	if s.metrics != nil {
		s.metrics.TransitionDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
		s.metrics.TransitionsTotal.WithLabelValues(string(req.Kind), transitionLabel(result, err)).Inc()
	}
	return result, err
}

func (s *SettlementService) transition(ctx context.Context, req storage.TransitionRequest) (*storage.TransitionResult, error) {
	if err := engine.ValidateID(req.TransactionID); err != nil {
		return nil, err
	}
	if err := engine.ValidateTransition(req.Kind, req.Status); err != nil {
		return nil, err
	}

	result, err := s.store.ApplyTransition(ctx, req)
	if err != nil {
		s.logger.Error("transition failed",
			"transaction_id", req.TransactionID,
			"kind", req.Kind,
			"status", req.Status,
			"error", err,
		)
		return nil, err
	}

	if result.AlreadyInStatus {
		s.logger.Info("transition already applied",
			"transaction_id", result.Transaction.ID,
			"kind", result.Transaction.Kind,
			"status", result.Transaction.Status,
		)
		return result, nil
	}

	s.logger.Info("transition applied",
		"transaction_id", result.Transaction.ID,
		"kind", result.Transaction.Kind,
		"from", result.PreviousStatus,
		"to", result.Transaction.Status,
		"operator_id", req.OperatorID,
	)

	s.publishUpdated(ctx, req.OperatorID, result)
	if !result.ClampedAmount.IsZero() {
		s.publishClamped(ctx, req.OperatorID, result)
	}
	return result, nil
}

// Publishing happens after commit; a broker outage must not undo a committed
// transition, so failures are logged and counted only.
func (s *SettlementService) publishUpdated(ctx context.Context, operatorID string, result *storage.TransitionResult) {
	if s.publisher == nil || s.topics.Updated == "" {
		return
	}
	s.publish(ctx, s.topics.Updated, eventTypeUpdated, operatorID, result)
}

func (s *SettlementService) publishClamped(ctx context.Context, operatorID string, result *storage.TransitionResult) {
	if s.publisher == nil || s.topics.Clamped == "" {
		return
	}
	s.publish(ctx, s.topics.Clamped, eventTypeClamped, operatorID, result)
}

func (s *SettlementService) publish(ctx context.Context, topic, eventType, operatorID string, result *storage.TransitionResult) {
	txn := result.Transaction
	eventID := kafka.DeterministicEventID(
		eventType,
		strconv.FormatInt(txn.ID, 10),
		string(result.PreviousStatus),
		string(txn.Status),
	)
	envelope, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, "")
	if err != nil {
		s.logger.Error("build event envelope failed", "topic", topic, "error", err)
		return
	}

	event := TransitionEvent{
		Envelope:       envelope,
		TransactionID:  txn.ID,
		AccountID:      txn.AccountID,
		Kind:           string(txn.Kind),
		PreviousStatus: string(result.PreviousStatus),
		Status:         string(txn.Status),
		Balance:        result.Account.Balance.String(),
		OperatorID:     operatorID,
	}
	if !result.AppliedAmount.IsZero() {
		event.AppliedAmount = result.AppliedAmount.String()
	}
	if !result.ClampedAmount.IsZero() {
		event.ClampedAmount = result.ClampedAmount.String()
	}
	if txn.CompletedAt != nil {
		event.CompletedAt = txn.CompletedAt.UTC().Format(time.RFC3339)
	}

	key := strconv.FormatInt(txn.ID, 10)
	if _, _, err := s.publisher.PublishJSON(ctx, topic, key, event); err != nil {
		if s.metrics != nil {
			s.metrics.EventPublishFailures.WithLabelValues(topic).Inc()
		}
		s.logger.Error("event publish failed", "topic", topic, "transaction_id", txn.ID, "error", err)
	}
}

func (s *SettlementService) GetTransaction(ctx context.Context, id int64) (*storage.Transaction, error) {
	if err := engine.ValidateID(id); err != nil {
		return nil, err
	}
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		if s.metrics != nil {
			s.metrics.TransactionLookups.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TransactionLookups.WithLabelValues("success").Inc()
	}
	return txn, nil
}

func (s *SettlementService) GetAccount(ctx context.Context, id int64) (*storage.Account, error) {
	if err := engine.ValidateID(id); err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, id)
}

func transitionLabel(result *storage.TransitionResult, err error) string {
	switch {
	case err == nil && result != nil && result.AlreadyInStatus:
		return "noop"
	case err == nil:
		return "success"
	case errors.Is(err, engine.ErrInvalidID), errors.Is(err, engine.ErrInvalidStatus):
		return "validation"
	case errors.Is(err, engine.ErrNotFound):
		return "not_found"
	case errors.Is(err, engine.ErrConflict):
		return "conflict"
	case errors.Is(err, engine.ErrConversion):
		return "conversion"
	default:
		return "error"
	}
}
