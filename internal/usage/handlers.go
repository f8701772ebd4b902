package usage

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/auth"
)

// Handler exposes the caller's usage meter.
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a new usage handler.
func NewHandler(t *Tracker) *Handler {
	return &Handler{tracker: t}
}

// RegisterRoutes sets up usage routes. They expect auth.RequireAuth upstream.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/usage", h.GetUsage)
}

// GetUsage returns the current period's meter for the authenticated account.
func (h *Handler) GetUsage(c *gin.Context) {
	acct := auth.GetAccount(c)
	if acct == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	m, err := h.tracker.Current(c.Request.Context(), acct.ID, acct.Plan)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage_unavailable", "message": "usage meter temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": m, "remaining": m.Remaining()})
}
