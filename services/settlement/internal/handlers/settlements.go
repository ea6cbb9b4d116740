package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Gimbo67/evokeessence-settlement/libs/auth"
	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/engine"
	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/storage"
	"github.com/Gimbo67/evokeessence-settlement/services/settlement/internal/validation"
)

type SettlementService interface {
	Transition(ctx context.Context, req storage.TransitionRequest) (*storage.TransitionResult, error)
	GetTransaction(ctx context.Context, id int64) (*storage.Transaction, error)
	GetAccount(ctx context.Context, id int64) (*storage.Account, error)
}

type Handler struct {
	Service SettlementService
	Logger  *slog.Logger
}

func New(service SettlementService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/admin", auth.Middleware(jwtSecret, "admin", "employee"))
	group.PATCH("/deposits/:id/status", h.transitionHandler(engine.KindFiatDeposit))
	group.PATCH("/orders/usdt/:id/status", h.transitionHandler(engine.KindUSDTOrder))
	group.PATCH("/orders/usdc/:id/status", h.transitionHandler(engine.KindUSDCOrder))
	group.GET("/transactions/:id", h.GetTransaction)
	group.GET("/accounts/:id/balance", h.GetAccountBalance)
}

type transitionRequest struct {
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
}

type transitionResponse struct {
	TransactionID     int64   `json:"transaction_id"`
	AccountID         int64   `json:"account_id"`
	Kind              string  `json:"kind"`
	PreviousStatus    string  `json:"previous_status"`
	Status            string  `json:"status"`
	Balance           string  `json:"balance"`
	CommissionAmount  *string `json:"commission_amount,omitempty"`
	ExternalReference *string `json:"external_reference,omitempty"`
	ClampedAmount     *string `json:"clamped_amount,omitempty"`
	CompletedAt       *string `json:"completed_at,omitempty"`
	Unchanged         bool    `json:"unchanged,omitempty"`
}

type transactionResponse struct {
	TransactionID     int64   `json:"transaction_id"`
	AccountID         int64   `json:"account_id"`
	Kind              string  `json:"kind"`
	SourceAmount      string  `json:"source_amount"`
	SourceCurrency    string  `json:"source_currency"`
	Status            string  `json:"status"`
	CommissionAmount  *string `json:"commission_amount,omitempty"`
	ExternalReference *string `json:"external_reference,omitempty"`
	CompletedAt       *string `json:"completed_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type balanceResponse struct {
	AccountID int64  `json:"account_id"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	UpdatedAt string `json:"updated_at"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func (h *Handler) transitionHandler(kind engine.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseIDParam(c.Param("id"))
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "transaction id must be a positive integer", nil)
			return
		}

		var req transitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
			return
		}

		if errs := validation.ValidateTransitionRequest(kind, req.Status, req.ExternalReference); len(errs) > 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
			return
		}

		result, err := h.Service.Transition(c.Request.Context(), storage.TransitionRequest{
			TransactionID:     id,
			Kind:              kind,
			Status:            engine.Status(validation.NormalizeStatus(req.Status)),
			ExternalReference: strings.TrimSpace(req.ExternalReference),
			OperatorID:        operatorIDFromContext(c),
		})
		if err != nil {
			h.writeTransitionError(c, err)
			return
		}

		c.JSON(http.StatusOK, toTransitionResponse(result))
	}
}

func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := parseIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "transaction id must be a positive integer", nil)
		return
	}

	txn, err := h.Service.GetTransaction(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "transaction not found", nil)
			return
		}
		h.Logger.Error("get transaction failed", "transaction_id", id, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	c.JSON(http.StatusOK, toTransactionResponse(txn))
}

func (h *Handler) GetAccountBalance(c *gin.Context) {
	id, err := parseIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "account id must be a positive integer", nil)
		return
	}

	acct, err := h.Service.GetAccount(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "account not found", nil)
			return
		}
		h.Logger.Error("get account failed", "account_id", id, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		AccountID: acct.ID,
		Currency:  acct.Currency,
		Balance:   acct.Balance.String(),
		UpdatedAt: acct.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidID), errors.Is(err, engine.ErrInvalidStatus):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, engine.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "transaction not found", nil)
	case errors.Is(err, engine.ErrConflict):
		writeError(c, http.StatusConflict, "CONFLICT", "transaction is being modified concurrently, retry", nil)
	case errors.Is(err, engine.ErrConversion):
		writeError(c, http.StatusServiceUnavailable, "CONVERSION_UNAVAILABLE", "currency conversion unavailable, retry later", nil)
	default:
		h.Logger.Error("transition failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func toTransitionResponse(result *storage.TransitionResult) transitionResponse {
	txn := result.Transaction
	resp := transitionResponse{
		TransactionID:     txn.ID,
		AccountID:         txn.AccountID,
		Kind:              string(txn.Kind),
		PreviousStatus:    string(result.PreviousStatus),
		Status:            string(txn.Status),
		Balance:           result.Account.Balance.String(),
		ExternalReference: txn.ExternalReference,
		Unchanged:         result.AlreadyInStatus,
	}
	if txn.CommissionAmount != nil {
		v := txn.CommissionAmount.String()
		resp.CommissionAmount = &v
	}
	if !result.ClampedAmount.IsZero() {
		v := result.ClampedAmount.String()
		resp.ClampedAmount = &v
	}
	if txn.CompletedAt != nil {
		v := txn.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}

func toTransactionResponse(txn *storage.Transaction) transactionResponse {
	resp := transactionResponse{
		TransactionID:     txn.ID,
		AccountID:         txn.AccountID,
		Kind:              string(txn.Kind),
		SourceAmount:      txn.SourceAmount.String(),
		SourceCurrency:    txn.SourceCurrency,
		Status:            string(txn.Status),
		ExternalReference: txn.ExternalReference,
		CreatedAt:         txn.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         txn.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if txn.CommissionAmount != nil {
		v := txn.CommissionAmount.String()
		resp.CommissionAmount = &v
	}
	if txn.CompletedAt != nil {
		v := txn.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}

func parseIDParam(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, engine.ErrInvalidID
	}
	return id, nil
}

func operatorIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(auth.ContextOperatorIDKey); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}
