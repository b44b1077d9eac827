package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/slabworks/slabmarket/internal/money"
	"github.com/slabworks/slabmarket/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up escrow routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.Get)
	r.GET("/users/:user_id/transactions", h.ListByUser)
	r.POST("/transactions/:id/release", h.Release)
	r.POST("/transactions/:id/refund", h.Refund)
	r.PUT("/transactions/:id/shipping", h.UpdateShipping)
}

// Get handles GET /transactions/:id
func (h *Handler) Get(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListByUser handles GET /users/:user_id/transactions
func (h *Handler) ListByUser(c *gin.Context) {
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

	txns, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// Release handles POST /transactions/:id/release
func (h *Handler) Release(c *gin.Context) {
	id := c.Param("id")

	txn, err := h.service.Release(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("escrow released",
		"transaction_id", txn.ID, "seller_id", txn.SellerID,
		"amount", money.Format(txn.SellerReceives, txn.Currency))
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Refund handles POST /transactions/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	id := c.Param("id")

	txn, err := h.service.Refund(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("escrow refunded",
		"transaction_id", txn.ID, "buyer_id", txn.BuyerID,
		"amount", money.Format(txn.Price, txn.Currency))
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ShippingRequest updates fulfillment progress.
type ShippingRequest struct {
	Status         string `json:"status" binding:"required"`
	TrackingNumber string `json:"tracking_number"`
}

// UpdateShipping handles PUT /transactions/:id/shipping
func (h *Handler) UpdateShipping(c *gin.Context) {
	id := c.Param("id")

	var req ShippingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	txn, err := h.service.UpdateShipping(c.Request.Context(), id, ShippingStatus(req.Status), req.TrackingNumber)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "transaction_not_found",
			"message": "No escrow transaction with that id",
		})
	case errors.Is(err, ErrAlreadyInState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_in_state",
			"message": "Transaction is already in the requested state",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDisputeBlocksRelease):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_blocks_release",
			"message": "An open dispute prevents this transaction from finalizing",
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParty):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		h.logger.Error("escrow operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_error",
			"message": "Unexpected error",
		})
	}
}
