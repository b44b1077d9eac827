package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/slabworks/slabmarket/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	ledger   *Ledger
	currency string
	logger   *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(ledger *Ledger, currency string, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, currency: currency, logger: logger}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:user_id/balance", h.GetBalance)
	r.GET("/users/:user_id/ledger", h.GetHistory)
	r.POST("/users/:user_id/deposit", h.Deposit)
	r.POST("/users/:user_id/withdraw", h.Withdraw)
	r.GET("/ledger/references/:reference_id", h.FindByReference)
}

// GetBalance handles GET /users/:user_id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("user_id")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id", "message": "Malformed user id"})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("balance lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":  userID,
		"balance":  balance,
		"currency": h.currency,
	})
}

// GetHistory handles GET /users/:user_id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("user_id")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id", "message": "Malformed user id"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("history lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve wallet history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
	})
}

// DepositRequest records a wallet top-up.
type DepositRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	ReferenceID string `json:"reference_id"`
}

// Deposit handles POST /users/:user_id/deposits
func (h *Handler) Deposit(c *gin.Context) {
	userID := c.Param("user_id")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id", "message": "Malformed user id"})
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive minor units"})
		return
	}

	txn, err := h.ledger.Deposit(c.Request.Context(), userID, req.Amount, h.currency, req.ReferenceID)
	if err != nil {
		h.writeError(c, err, "deposit_failed")
		return
	}

	h.logger.Info("wallet deposit", "user_id", userID, "amount", req.Amount, "txn_id", txn.ID)
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// WithdrawRequest moves funds out of the wallet.
type WithdrawRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	ReferenceID string `json:"reference_id"`
}

// Withdraw handles POST /users/:user_id/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	userID := c.Param("user_id")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id", "message": "Malformed user id"})
		return
	}

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive minor units"})
		return
	}

	txn, err := h.ledger.Withdraw(c.Request.Context(), userID, req.Amount, h.currency, req.ReferenceID)
	if err != nil {
		h.writeError(c, err, "withdrawal_failed")
		return
	}

	h.logger.Info("wallet withdrawal", "user_id", userID, "amount", req.Amount, "txn_id", txn.ID)
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// FindByReference handles GET /ledger/references/:reference_id
func (h *Handler) FindByReference(c *gin.Context) {
	referenceID := c.Param("reference_id")

	entries, err := h.ledger.FindByReference(c.Request.Context(), referenceID)
	if err != nil {
		h.logger.Error("reference lookup failed", "reference_id", referenceID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Wallet balance is too low",
		})
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No wallet exists for this user",
		})
	case errors.Is(err, ErrCurrencyMismatch):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "currency_mismatch",
			"message": "Currency does not match the wallet",
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidType):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrLedgerUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Wallet service is temporarily unavailable, retry shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   fallback,
			"message": "Unexpected error",
		})
	}
}
