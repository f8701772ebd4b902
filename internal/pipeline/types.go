package pipeline

import (
	"fmt"
	"time"

	"github.com/mbd888/fraudguard/internal/account"
	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/explain"
	"github.com/mbd888/fraudguard/internal/usage"
)

// Caller identifies who submitted a transaction. The zero value is an
// anonymous caller, which is scored but not metered.
type Caller struct {
	AccountID string
	Plan      account.Plan
}

// Anonymous reports whether no account is attached.
func (c Caller) Anonymous() bool { return c.AccountID == "" }

// ScoreResult is the outcome of scoring one transaction.
type ScoreResult struct {
	TransactionID    string              `json:"transaction_id"`
	FraudScore       float64             `json:"fraud_score"`
	Decision         decision.Decision   `json:"decision"`
	Confidence       float64             `json:"confidence"`
	Explanation      explain.Explanation `json:"explanation"`
	ProcessingTimeMs float64             `json:"processing_time_ms"`
	Cached           bool                `json:"cached"`
	ModelVersion     string              `json:"model_version"`
	Timestamp        time.Time           `json:"timestamp"`
	Usage            *usage.Meter        `json:"usage,omitempty"`

	// FailSafe is set when the model could not score and the decision
	// defaulted to review.
	FailSafe bool `json:"fail_safe,omitempty"`
}

// LimitError reports a hard-capped plan that has used its monthly quota.
type LimitError struct {
	Meter usage.Meter
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %d of %d calls used on the %s plan",
		usage.ErrLimitExceeded, e.Meter.UsageCount, e.Meter.Limit, e.Meter.Plan)
}

func (e *LimitError) Unwrap() error { return usage.ErrLimitExceeded }
