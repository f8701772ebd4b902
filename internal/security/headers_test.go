package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(mw gin.HandlerFunc, method, path, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.Handle(method, path, func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware_APIResponsesNotCached(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodPost, "/v1/fraud/detect", "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestHeadersMiddleware_HealthCacheable(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "/health", "")

	assert.Empty(t, w.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestCORSMiddleware_Origins(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantAllowed bool
		wantCreds   bool
	}{
		{"listed origin", []string{"https://console.example.com"}, "https://console.example.com", true, true},
		{"listed with spaces", []string{" https://console.example.com "}, "https://console.example.com", true, true},
		{"wildcard", []string{"*"}, "https://anything.example.org", true, false},
		{"empty list", nil, "https://anything.example.org", true, false},
		{"unlisted origin", []string{"https://console.example.com"}, "https://evil.example.net", false, false},
		{"no origin header", []string{"*"}, "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, "/v1/model", tt.origin)

			assert.Equal(t, http.StatusOK, w.Code)
			if !tt.wantAllowed {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
				return
			}
			assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSMiddleware_PreflightCoversWebhookDelete(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "/v1/webhooks/wh_1", "https://console.example.com")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Admin-Secret")
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}
