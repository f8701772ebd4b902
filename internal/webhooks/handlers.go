package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
)

// maxPerAccount bounds subscriptions per account.
const maxPerAccount = 10

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store Store
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook routes. They expect auth.RequireAuth upstream.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL      string      `json:"url" binding:"required"`
	Events   []EventType `json:"events"`
	MinScore float64     `json:"min_score"`
}

// CreateWebhook handles POST /webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	acct := auth.GetAccount(c)
	if acct == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url is required"})
		return
	}
	if err := ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_events", "message": "at least one event is required", "valid": EventTypes})
		return
	}
	for _, e := range req.Events {
		if !e.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_events", "message": "unknown event " + string(e), "valid": EventTypes})
			return
		}
	}
	if req.MinScore < 0 || req.MinScore > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "min_score must be within 0..100"})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.store.ListByAccount(ctx, acct.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list webhooks"})
		return
	}
	if len(existing) >= maxPerAccount {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": "webhook limit reached for this account"})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		AccountID: acct.ID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		MinScore:  req.MinScore,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		logging.L(ctx).Error("webhook create failed", "account_id", acct.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"signature": gin.H{
			"header": "X-FraudGuard-Signature",
			"scheme": "hex(HMAC-SHA256(secret, timestamp + \".\" + body)), timestamp from X-FraudGuard-Timestamp",
		},
	})
}

// ListWebhooks handles GET /webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	acct := auth.GetAccount(c)
	if acct == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	subs, err := h.store.ListByAccount(c.Request.Context(), acct.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list webhooks"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	acct := auth.GetAccount(c)
	if acct == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	err := h.store.Delete(c.Request.Context(), c.Param("webhookId"), acct.ID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to delete webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
