package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/auth"
)

// ContextKeyResult holds the merged Result for downstream handlers.
const ContextKeyResult = "rateLimit"

// Middleware limits every request. It must run after auth.Middleware so the
// account tier can see the caller. The endpoint tier is resolved from the
// matched route pattern.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := Subject{IP: c.ClientIP()}
		if acct := auth.GetAccount(c); acct != nil {
			s.AccountID = acct.ID
			s.Plan = acct.Plan
		}
		if name, ok := l.policy.EndpointFor(c.Request.Method, c.FullPath()); ok {
			s.Endpoint = name
		}

		res := l.Check(c.Request.Context(), s)
		c.Set(ContextKeyResult, res)
		writeHeaders(c, res)

		if !res.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Rate limit exceeded for " + string(res.Tier) + ". Retry after the indicated delay.",
				"tier":        res.Tier,
				"limit":       res.Limit,
				"remaining":   res.Remaining,
				"reset_time":  res.ResetTime.Unix(),
				"retry_after": res.RetryAfter,
			})
			return
		}
		c.Next()
	}
}

func writeHeaders(c *gin.Context, res Result) {
	if res.Limit == 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
	if !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
	}
}

// FromContext returns the rate-limit result recorded by Middleware.
func FromContext(c *gin.Context) (Result, bool) {
	v, ok := c.Get(ContextKeyResult)
	if !ok {
		return Result{}, false
	}
	res, ok := v.(Result)
	return res, ok
}
