package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/fraudguard/internal/account"
	"github.com/mbd888/fraudguard/internal/retry"
	"github.com/mbd888/fraudguard/internal/usage"
)

// MeterEvents creates Stripe billing meter events. The stripe-go
// billing/meterevent client satisfies it.
type MeterEvents interface {
	New(params *stripe.BillingMeterEventParams) (*stripe.BillingMeterEvent, error)
}

// StripeLedger reports overage units of closed periods as Stripe meter
// events. Periods without overage, or accounts without a Stripe customer,
// are skipped.
type StripeLedger struct {
	events    MeterEvents
	accounts  account.Store
	eventName string
	logger    *slog.Logger
}

// NewStripeLedger creates a Stripe-backed ledger.
func NewStripeLedger(events MeterEvents, accounts account.Store, eventName string, logger *slog.Logger) *StripeLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeLedger{events: events, accounts: accounts, eventName: eventName, logger: logger}
}

func (s *StripeLedger) RecordPeriod(ctx context.Context, cp usage.ClosedPeriod) error {
	if cp.OverageCount <= 0 {
		return nil
	}
	acct, err := s.accounts.Get(ctx, cp.UserID)
	if errors.Is(err, account.ErrAccountNotFound) {
		return retry.Permanent(fmt.Errorf("billing: account %s: %w", cp.UserID, err))
	}
	if err != nil {
		return err
	}
	if acct.StripeCustomerID == "" {
		s.logger.Warn("overage not billed, account has no stripe customer",
			"user_id", cp.UserID, "overage", cp.OverageCount)
		return nil
	}

	// Periods close lazily, possibly long after they end, and Stripe only
	// accepts recent timestamps. The event is stamped with the close time and
	// the billed month travels in the payload.
	stamp := cp.ClosedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	period := cp.PeriodStart.Format("2006-01")
	params := &stripe.BillingMeterEventParams{
		EventName: stripe.String(s.eventName),
		// Stripe deduplicates on the identifier, which makes retries safe.
		Identifier: stripe.String("usage-" + cp.UserID + "-" + period),
		Timestamp:  stripe.Int64(stamp.Unix()),
		Payload: map[string]string{
			"stripe_customer_id": acct.StripeCustomerID,
			"value":              strconv.FormatInt(cp.OverageCount, 10),
			"period":             period,
		},
	}
	params.Context = ctx

	if _, err := s.events.New(params); err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 &&
			serr.HTTPStatusCode != http.StatusTooManyRequests {
			return retry.Permanent(fmt.Errorf("billing: stripe meter event: %w", err))
		}
		return fmt.Errorf("billing: stripe meter event: %w", err)
	}
	return nil
}

var _ usage.Ledger = (*StripeLedger)(nil)
