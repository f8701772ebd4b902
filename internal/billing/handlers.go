package billing

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/auth"
)

// Handler exposes closed billing periods to their account.
type Handler struct {
	periods Lister
}

// NewHandler creates a new billing handler.
func NewHandler(l Lister) *Handler {
	return &Handler{periods: l}
}

// RegisterRoutes sets up billing routes. They expect auth.RequireAuth upstream.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/billing/periods", h.ListPeriods)
}

// ListPeriods returns the caller's closed periods, newest first.
func (h *Handler) ListPeriods(c *gin.Context) {
	acct := auth.GetAccount(c)
	if acct == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	periods, err := h.periods.Periods(c.Request.Context(), acct.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list billing periods"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"periods": periods, "count": len(periods)})
}
