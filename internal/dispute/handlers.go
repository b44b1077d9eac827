package dispute

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/slabworks/slabmarket/internal/validation"
)

// Handler provides HTTP endpoints for the dispute workflow
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new dispute handler
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes sets up dispute routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)
	r.GET("/disputes", h.ListOpen)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/assign", h.AssignModerator)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/close", h.Close)
	r.POST("/disputes/:id/escalate", h.Escalate)
}

// OpenDisputeRequest is the payload for POST /disputes.
type OpenDisputeRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	CreatedByID   string `json:"created_by_id" binding:"required"`
	Type          string `json:"type" binding:"required"`
	Title         string `json:"title" binding:"required"`
	Description   string `json:"description"`
	Priority      string `json:"priority"`
}

// Open handles POST /disputes
func (h *Handler) Open(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidUserID(req.CreatedByID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id", "message": "Malformed user id"})
		return
	}

	d, err := h.engine.Open(c.Request.Context(), OpenRequest{
		TransactionID: req.TransactionID,
		CreatedByID:   req.CreatedByID,
		Type:          Type(req.Type),
		Title:         validation.SanitizeString(req.Title, 200),
		Description:   validation.SanitizeString(req.Description, validation.MaxStringLength),
		Priority:      Priority(req.Priority),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("dispute opened",
		"dispute_id", d.ID, "transaction_id", d.TransactionID, "type", d.Type)
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListOpen handles GET /disputes
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	disputes, err := h.engine.ListOpen(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// AssignRequest is the payload for POST /disputes/:id/assign.
type AssignRequest struct {
	ModeratorID string `json:"moderator_id" binding:"required"`
}

// AssignModerator handles POST /disputes/:id/assign
func (h *Handler) AssignModerator(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	d, err := h.engine.AssignModerator(c.Request.Context(), c.Param("id"), req.ModeratorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveRequest is the payload for POST /disputes/:id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	ResolvedBy string `json:"resolved_by" binding:"required"`
	Outcome    string `json:"outcome" binding:"required"`
}

// Resolve handles POST /disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	d, err := h.engine.Resolve(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Resolution, validation.MaxStringLength),
		req.ResolvedBy, req.Outcome)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("dispute resolved",
		"dispute_id", d.ID, "transaction_id", d.TransactionID, "outcome", d.Outcome)
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Close handles POST /disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	d, err := h.engine.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Escalate handles POST /disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	d, err := h.engine.Escalate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "dispute_not_found",
			"message": "No dispute with that id",
		})
	case errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_already_exists",
			"message": "This transaction already has a dispute",
		})
	case errors.Is(err, ErrClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_closed",
			"message": "Dispute is closed; no further changes permitted",
		})
	case errors.Is(err, ErrAlreadyInState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_in_state",
			"message": "Dispute is already in the requested state",
		})
	case errors.Is(err, ErrNotResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_not_resolved",
			"message": "Resolve the dispute before closing it",
		})
	case errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrInvalidType):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		h.logger.Error("dispute operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "dispute_error",
			"message": "Unexpected error",
		})
	}
}
