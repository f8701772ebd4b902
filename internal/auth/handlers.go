package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for API key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up key management routes. The group must already
// require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.POST("/keys", h.CreateKey)
	r.DELETE("/keys/:keyId", h.RevokeKey)
	r.GET("/me", h.Me)
}

// ListKeys returns API keys for the authenticated account
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.AccountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues an additional key for the caller's account
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.AccountID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's keys
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	err := h.manager.RevokeKey(c.Request.Context(), keyID, key.AccountID)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "Key not found or already revoked"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to revoke key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}

// Me returns the authenticated account and key
func (h *Handler) Me(c *gin.Context) {
	key, _ := GetAPIKey(c)
	acct := GetAccount(c)
	if key == nil || acct == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": acct,
		"keyId":   key.ID,
		"keyName": key.Name,
	})
}
