package audit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/pagination"
)

// Handler serves an account's decision history.
type Handler struct {
	lister Lister
}

// NewHandler creates a decision history handler.
func NewHandler(lister Lister) *Handler {
	return &Handler{lister: lister}
}

// RegisterRoutes mounts the history routes. They expect auth.RequireAuth upstream.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/decisions", h.ListDecisions)
}

// DecisionPage is one page of decision history.
type DecisionPage struct {
	Decisions  []Record `json:"decisions"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// ListDecisions handles GET /decisions?limit=&cursor=
func (h *Handler) ListDecisions(c *gin.Context) {
	acct := auth.GetAccount(c)
	if acct == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}

	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	records, err := h.lister.List(c.Request.Context(), acct.ID, cursor, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list decisions", "account_id", acct.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list decisions"})
		return
	}

	page, next, more := pagination.ComputePage(records, limit, func(r Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	c.JSON(http.StatusOK, DecisionPage{Decisions: page, NextCursor: next, HasMore: more})
}
