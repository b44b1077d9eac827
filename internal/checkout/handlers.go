package checkout

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/slabworks/slabmarket/internal/validation"
)

// Handler provides the checkout HTTP endpoint
type Handler struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewHandler creates a new checkout handler
func NewHandler(orchestrator *Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{orchestrator: orchestrator, logger: logger}
}

// RegisterRoutes sets up checkout routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.Checkout)
}

// Checkout handles POST /checkout. Partial item failure is still a 200:
// per-item errors come back in the body, not the status line.
func (h *Handler) Checkout(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidUserID(req.BuyerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id", "message": "Malformed buyer id"})
		return
	}

	result, err := h.orchestrator.Checkout(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		h.logger.Error("checkout failed", "buyer_id", req.BuyerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout_error", "message": "Unexpected error"})
		return
	}

	status := "completed"
	if len(result.Errors) > 0 {
		if len(result.TransactionIDs) == 0 {
			status = "failed"
		} else {
			status = "partial"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"transaction_ids": result.TransactionIDs,
		"errors":          result.Errors,
	})
}
