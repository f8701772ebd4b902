package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/account"
	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/txn"
	"github.com/mbd888/fraudguard/internal/validation"
)

// Handler provides the scoring endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new scoring handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up scoring routes. Authentication is optional; the
// rate limiter runs before this handler.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/fraud/detect", h.Detect)
}

// failSafeResponse is the 503 body: the review result plus an error code.
type failSafeResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	*ScoreResult
}

// Detect scores one transaction.
func (h *Handler) Detect(c *gin.Context) {
	var req txn.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON transaction",
		})
		return
	}

	result, err := h.service.Score(c.Request.Context(), CallerFrom(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if result.FailSafe {
		c.JSON(http.StatusServiceUnavailable, failSafeResponse{
			Error:       "scoring_unavailable",
			Message:     "Model unavailable; transaction held for manual review",
			ScoreResult: result,
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	var limit *LimitError
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.As(err, &limit):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "usage_limit_exceeded",
			"message": fmt.Sprintf("Monthly quota of %d calls reached on the %s plan", limit.Meter.Limit, limit.Meter.Plan),
			"usage":   limit.Meter,
			"upgrade": UpgradeOptions(limit.Meter.Plan),
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "timeout",
			"message": "Scoring did not finish in time",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "request_cancelled",
			"message": "Request was cancelled before a decision was made",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to score transaction",
		})
	}
}

// CallerFrom returns the authenticated caller, or the anonymous caller.
func CallerFrom(c *gin.Context) Caller {
	acct := auth.GetAccount(c)
	if acct == nil {
		return Caller{}
	}
	return Caller{AccountID: acct.ID, Plan: acct.Plan}
}

// UpgradeOption is a plan with a larger quota than the caller's.
type UpgradeOption struct {
	Plan         account.Plan `json:"plan"`
	MonthlyQuota int64        `json:"monthly_quota"`
	OverageRate  string       `json:"overage_rate"`
}

// UpgradeOptions lists the plans with a larger monthly quota than current,
// smallest first.
func UpgradeOptions(current account.Plan) []UpgradeOption {
	base := account.ConfigFor(current)
	out := []UpgradeOption{}
	for _, cfg := range account.Plans {
		if cfg.MonthlyQuota > base.MonthlyQuota {
			out = append(out, UpgradeOption{
				Plan:         cfg.Plan,
				MonthlyQuota: cfg.MonthlyQuota,
				OverageRate:  cfg.OverageRate.String(),
			})
		}
	}
	slices.SortFunc(out, func(a, b UpgradeOption) int {
		return cmp.Compare(a.MonthlyQuota, b.MonthlyQuota)
	})
	return out
}
