package history

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/txn"
)

// Handler provides admin endpoints for loading user history aggregates.
type Handler struct {
	store Store
}

// NewHandler creates a new history handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up history routes behind the admin guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/history/:user_id", h.Get)
	r.PUT("/history/:user_id", h.Put)
}

// Get returns one user's aggregate.
func (h *Handler) Get(c *gin.Context) {
	hist, err := h.store.History(c.Request.Context(), c.Param("user_id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no history for user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load history"})
		return
	}
	c.JSON(http.StatusOK, hist)
}

// Put replaces one user's aggregate.
func (h *Handler) Put(c *gin.Context) {
	var body txn.UserHistory
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body must be a JSON history record"})
		return
	}
	body.UserID = c.Param("user_id")
	if err := Validate(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if err := h.store.Upsert(c.Request.Context(), &body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to store history"})
		return
	}
	body.UserID = NormalizeUserID(body.UserID)
	c.JSON(http.StatusOK, body)
}
