package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/account"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAccount is the key for storing the authenticated account
	ContextKeyAccount = "authAccount"
)

// Middleware extracts and validates the API key and resolves its account.
// Invalid or missing keys leave the request anonymous; RequireAuth rejects them.
func Middleware(m *Manager, accounts account.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			key, err := m.ValidateKey(c.Request.Context(), raw)
			if err == nil {
				acct, err := accounts.Get(c.Request.Context(), key.AccountID)
				if err == nil && acct.Active() {
					c.Set(ContextKeyAPIKey, key)
					c.Set(ContextKeyAccount, acct)
				}
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAccount); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer fg_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header in constant time. An empty
// secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetAccount returns the authenticated account, or nil for anonymous callers
func GetAccount(c *gin.Context) *account.Account {
	v, exists := c.Get(ContextKeyAccount)
	if !exists {
		return nil
	}
	acct, _ := v.(*account.Account)
	return acct
}
