package account

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/validation"
)

// KeyIssuer creates the first API key for a new account.
type KeyIssuer interface {
	IssueKey(ctx context.Context, accountID, name string) (string, error)
}

// Handler provides admin endpoints for account provisioning.
type Handler struct {
	store  Store
	issuer KeyIssuer
}

// NewHandler creates a new account handler.
func NewHandler(store Store, issuer KeyIssuer) *Handler {
	return &Handler{store: store, issuer: issuer}
}

// RegisterAdminRoutes sets up provisioning routes. The group must already
// require the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)
	r.GET("/accounts/:id", h.GetAccount)
	r.PUT("/accounts/:id/plan", h.ChangePlan)
	r.PUT("/accounts/:id/status", h.ChangeStatus)
}

// CreateAccountRequest is the body for POST /admin/accounts.
type CreateAccountRequest struct {
	Name             string `json:"name"`
	Plan             Plan   `json:"plan"`
	StripeCustomerID string `json:"stripeCustomerId"`
}

// CreateAccount provisions an account and returns its first API key.
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid JSON body"})
		return
	}
	if req.Plan == "" {
		req.Plan = PlanCommunity
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if !ValidPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "plan must be one of community, smart, enterprise, insurance"})
		return
	}

	now := time.Now().UTC()
	acct := &Account{
		ID:               idgen.WithPrefix("acct_"),
		Name:             strings.TrimSpace(req.Name),
		Plan:             req.Plan,
		Status:           StatusActive,
		StripeCustomerID: req.StripeCustomerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ctx := c.Request.Context()
	if err := h.store.Create(ctx, acct); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create account"})
		return
	}

	rawKey, err := h.issuer.IssueKey(ctx, acct.ID, "Primary key")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "account created but key issuance failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": acct,
		"apiKey":  rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// GetAccount returns an account by ID.
func (h *Handler) GetAccount(c *gin.Context) {
	acct, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "limits": limitsView(ConfigFor(acct.Plan))})
}

// ChangePlan moves an account to another plan.
func (h *Handler) ChangePlan(c *gin.Context) {
	var req struct {
		Plan Plan `json:"plan"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !ValidPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "plan must be one of community, smart, enterprise, insurance"})
		return
	}
	acct, ok := h.load(c)
	if !ok {
		return
	}
	acct.Plan = req.Plan
	h.save(c, acct)
}

// ChangeStatus suspends or reactivates an account.
func (h *Handler) ChangeStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Status != StatusActive && req.Status != StatusSuspended) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be active or suspended"})
		return
	}
	acct, ok := h.load(c)
	if !ok {
		return
	}
	acct.Status = req.Status
	h.save(c, acct)
}

func (h *Handler) load(c *gin.Context) (*Account, bool) {
	acct, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load account"})
		return nil, false
	}
	return acct, true
}

func (h *Handler) save(c *gin.Context, acct *Account) {
	acct.UpdatedAt = time.Now().UTC()
	if err := h.store.Update(c.Request.Context(), acct); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func limitsView(cfg PlanConfig) gin.H {
	return gin.H{
		"requestsPerHour": cfg.RequestsPerHour,
		"monthlyQuota":    cfg.MonthlyQuota,
		"overageRate":     cfg.OverageRate.String(),
		"hardCap":         cfg.HardCap,
	}
}
