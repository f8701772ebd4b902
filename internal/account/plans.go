package account

import (
	"github.com/shopspring/decimal"
)

// Plan identifies the pricing tier.
type Plan string

const (
	PlanCommunity  Plan = "community"
	PlanSmart      Plan = "smart"
	PlanEnterprise Plan = "enterprise"
	PlanInsurance  Plan = "insurance"
)

// PlanConfig defines limits for a pricing tier.
type PlanConfig struct {
	Plan            Plan
	RequestsPerHour int
	MonthlyQuota    int64
	OverageRate     decimal.Decimal // USD per request beyond MonthlyQuota
	HardCap         bool            // reject instead of billing overage
}

// Plans is the plan catalogue.
var Plans = map[Plan]PlanConfig{
	PlanCommunity: {
		Plan:            PlanCommunity,
		RequestsPerHour: 100,
		MonthlyQuota:    1_000,
		OverageRate:     decimal.Zero,
		HardCap:         true,
	},
	PlanSmart: {
		Plan:            PlanSmart,
		RequestsPerHour: 1_000,
		MonthlyQuota:    50_000,
		OverageRate:     decimal.RequireFromString("0.002"),
	},
	PlanEnterprise: {
		Plan:            PlanEnterprise,
		RequestsPerHour: 10_000,
		MonthlyQuota:    1_000_000,
		OverageRate:     decimal.RequireFromString("0.001"),
	},
	PlanInsurance: {
		Plan:            PlanInsurance,
		RequestsPerHour: 5_000,
		MonthlyQuota:    500_000,
		OverageRate:     decimal.RequireFromString("0.0015"),
	},
}

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	_, ok := Plans[p]
	return ok
}

// ConfigFor returns the plan's configuration, falling back to community for
// unknown plans so an unrecognised value never grants more than the free tier.
func ConfigFor(p Plan) PlanConfig {
	if cfg, ok := Plans[p]; ok {
		return cfg
	}
	return Plans[PlanCommunity]
}
