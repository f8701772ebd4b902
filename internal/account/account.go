// Package account holds API customers and the plan catalogue that drives
// their account-tier rate limits and monthly usage quotas.
package account

import (
	"errors"
	"time"
)

// Errors
var (
	ErrAccountNotFound = errors.New("account: not found")
	ErrAccountExists   = errors.New("account: already exists")
	ErrInvalidPlan     = errors.New("account: unknown plan")
	ErrSuspended       = errors.New("account: suspended")
)

// Status represents an account's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Account is an API customer.
type Account struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Plan             Plan      `json:"plan"`
	Status           Status    `json:"status"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Active reports whether the account may call the API.
func (a *Account) Active() bool {
	return a.Status == StatusActive
}
