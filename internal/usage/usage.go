// Package usage meters billable scoring calls per account and calendar month.
//
// The counter for a period lives in the shared backing store and is only ever
// changed by atomic increments. Hard-capped plans use a capped increment so a
// rejected call charges nothing. When a new month starts, the first request
// of the account closes the previous period exactly once, guarded by a SETNX
// marker, and hands it to the billing ledger in the background.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/account"
	"github.com/mbd888/fraudguard/internal/kvstore"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/retry"
	"github.com/mbd888/fraudguard/internal/validation"
)

// ErrLimitExceeded is returned when a hard-capped plan has used its quota.
var ErrLimitExceeded = errors.New("usage: monthly limit exceeded")

// WarningRatio is the share of the quota at which a warning is raised.
const WarningRatio = 0.8

// Counters outlive their period by a year so an account that comes back
// after months of silence still gets its last active period billed.
const counterGrace = 400 * 24 * time.Hour

// Meter is a snapshot of an account's usage in one period.
type Meter struct {
	UserID                  string          `json:"user_id"`
	Plan                    account.Plan    `json:"plan"`
	PeriodStart             time.Time       `json:"period_start"`
	PeriodEnd               time.Time       `json:"period_end"`
	UsageCount              int64           `json:"usage_count"`
	Limit                   int64           `json:"limit"`
	OverageCount            int64           `json:"overage_count"`
	OverageRate             decimal.Decimal `json:"overage_rate"`
	OverageCost             decimal.Decimal `json:"overage_cost"`
	HardCap                 bool            `json:"hard_cap"`
	WarningThresholdReached bool            `json:"warning_threshold_reached"`
	// Untracked is set when the store was unreachable and the call was
	// admitted without metering.
	Untracked bool `json:"untracked,omitempty"`
}

// Remaining returns the calls left before the quota, never negative.
func (m Meter) Remaining() int64 {
	return max(m.Limit-m.UsageCount, 0)
}

func newMeter(userID string, cfg account.PlanConfig, p Period, count int64) Meter {
	m := Meter{
		UserID:      userID,
		Plan:        cfg.Plan,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		UsageCount:  count,
		Limit:       cfg.MonthlyQuota,
		OverageRate: cfg.OverageRate,
		HardCap:     cfg.HardCap,
	}
	m.OverageCount = max(count-cfg.MonthlyQuota, 0)
	m.OverageCost = cfg.OverageRate.Mul(decimal.NewFromInt(m.OverageCount))
	m.WarningThresholdReached = float64(count) >= WarningRatio*float64(cfg.MonthlyQuota)
	return m
}

// ClosedPeriod is a finished billing period handed to the ledger.
type ClosedPeriod struct {
	UserID       string          `json:"user_id"`
	Plan         account.Plan    `json:"plan"`
	PeriodStart  time.Time       `json:"period_start"`
	PeriodEnd    time.Time       `json:"period_end"`
	UsageCount   int64           `json:"usage_count"`
	Limit        int64           `json:"limit"`
	OverageCount int64           `json:"overage_count"`
	OverageCost  decimal.Decimal `json:"overage_cost"`
	ClosedAt     time.Time       `json:"closed_at"`
}

// Ledger persists closed periods for billing.
type Ledger interface {
	RecordPeriod(ctx context.Context, p ClosedPeriod) error
}

// Reservation is the charge made for one call. Releasing it undoes the
// charge when the call aborts before a decision exists.
type Reservation struct {
	UserID string
	Plan   account.Plan
	Weight int64
	key    string

	released atomic.Bool
}

// Tracker meters usage against the shared store.
type Tracker struct {
	store  kvstore.Store
	ledger Ledger
	retry  retry.Policy
	logger *slog.Logger
	now    func() time.Time

	// closed remembers, per account, the period whose predecessor this
	// instance already tried to close.
	closed sync.Map // userID -> period key
	wg     sync.WaitGroup
}

// NewTracker creates a tracker. ledger may be nil to skip billing hand-off.
func NewTracker(store kvstore.Store, ledger Ledger, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		ledger: ledger,
		retry:  retry.DefaultPolicy,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the tracker clock.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// SetRetryPolicy overrides the billing hand-off retry policy.
func (t *Tracker) SetRetryPolicy(p retry.Policy) { t.retry = p }

func counterKey(userID string, p Period) string {
	return "usage:" + userID + ":" + p.Key()
}

// activeKey holds the key of the latest period the account was charged in.
func activeKey(userID string) string {
	return "usage:" + userID + ":active"
}

// CheckUsageAndTrack charges weight calls to userID's current period.
// Hard-capped plans fail with ErrLimitExceeded when usage+weight would exceed
// the quota, and nothing is charged. Store outages admit the call untracked.
func (t *Tracker) CheckUsageAndTrack(ctx context.Context, userID string, plan account.Plan, weight int64) (Meter, *Reservation, error) {
	if errs := validation.Validate(validation.PositiveWeight("weight", weight)); len(errs) > 0 {
		return Meter{}, nil, errs
	}
	cfg := account.ConfigFor(plan)
	period := PeriodFor(t.now())
	t.maybeClosePrevious(ctx, userID, cfg, period)

	limit := int64(-1)
	if cfg.HardCap {
		limit = cfg.MonthlyQuota
	}
	key := counterKey(userID, period)
	ttl := period.End.Sub(t.now()) + counterGrace

	count, ok, err := t.store.CapIncrBy(ctx, key, weight, limit, ttl)
	if err != nil {
		metrics.UsageEventsTotal.WithLabelValues(string(cfg.Plan), "untracked").Inc()
		t.logger.Warn("usage store unavailable, admitting untracked", "user_id", userID, "error", err)
		m := newMeter(userID, cfg, period, 0)
		m.Untracked = true
		return m, nil, nil
	}

	m := newMeter(userID, cfg, period, count)
	if !ok {
		metrics.UsageEventsTotal.WithLabelValues(string(cfg.Plan), "rejected").Inc()
		return m, nil, ErrLimitExceeded
	}

	metrics.UsageEventsTotal.WithLabelValues(string(cfg.Plan), "charged").Inc()
	if added := m.OverageCount - max(count-weight-cfg.MonthlyQuota, 0); added > 0 {
		metrics.UsageOverageUnitsTotal.WithLabelValues(string(cfg.Plan)).Add(float64(added))
	}

	return m, &Reservation{UserID: userID, Plan: cfg.Plan, Weight: weight, key: key}, nil
}

// Release undoes a reservation. Releasing twice, or releasing nil, is a no-op.
func (t *Tracker) Release(ctx context.Context, r *Reservation) error {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := kvstore.IncrBy(ctx, t.store, r.key, -r.Weight, 0); err != nil {
		r.released.Store(false)
		return fmt.Errorf("usage: release: %w", err)
	}
	metrics.UsageEventsTotal.WithLabelValues(string(r.Plan), "released").Inc()
	return nil
}

// Current returns the meter for userID's current period without charging.
func (t *Tracker) Current(ctx context.Context, userID string, plan account.Plan) (Meter, error) {
	cfg := account.ConfigFor(plan)
	period := PeriodFor(t.now())
	count, err := kvstore.GetInt(ctx, t.store, counterKey(userID, period))
	if err != nil {
		return Meter{}, fmt.Errorf("usage: read meter: %w", err)
	}
	return newMeter(userID, cfg, period, count), nil
}

// maybeClosePrevious closes the account's last active period before current
// at most once across all instances. Each instance only attempts it once per
// account and period. The last active period is kept in the store, so a month
// without traffic does not hide the one before it.
func (t *Tracker) maybeClosePrevious(ctx context.Context, userID string, cfg account.PlanConfig, current Period) {
	if last, ok := t.closed.Load(userID); ok && last.(string) == current.Key() {
		return
	}

	prev := current.Previous()
	raw, err := t.store.Get(ctx, activeKey(userID))
	switch {
	case err == nil:
		active, perr := ParseKey(string(raw))
		if perr != nil {
			t.logger.Warn("ignoring bad active period marker", "user_id", userID, "error", perr)
			break
		}
		if !active.Start.Before(current.Start) {
			t.closed.Store(userID, current.Key())
			return
		}
		prev = active
	case errors.Is(err, kvstore.ErrNotFound):
	default:
		// Try again on the next request.
		return
	}

	prevKey := counterKey(userID, prev)
	won, err := t.store.SetNX(ctx, prevKey+":closed", []byte(current.Key()), counterGrace)
	if err != nil {
		return
	}
	if err := t.store.Set(ctx, activeKey(userID), []byte(current.Key()), counterGrace); err == nil {
		t.closed.Store(userID, current.Key())
	}
	if !won {
		return
	}

	count, err := kvstore.GetInt(ctx, t.store, prevKey)
	if err != nil || count == 0 {
		return
	}

	m := newMeter(userID, cfg, prev, count)
	closed := ClosedPeriod{
		UserID:       userID,
		Plan:         cfg.Plan,
		PeriodStart:  prev.Start,
		PeriodEnd:    prev.End,
		UsageCount:   count,
		Limit:        m.Limit,
		OverageCount: m.OverageCount,
		OverageCost:  m.OverageCost,
		ClosedAt:     t.now().UTC(),
	}
	t.handoff(closed)
}

func (t *Tracker) handoff(p ClosedPeriod) {
	if t.ledger == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		err := t.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			return t.ledger.RecordPeriod(ctx, p)
		})
		log := t.logger.With("user_id", p.UserID, "period_start", p.PeriodStart, "usage", p.UsageCount)
		if err != nil {
			metrics.BillingHandoffsTotal.WithLabelValues("failed").Inc()
			log.Error("billing hand-off failed", "error", err)
			return
		}
		metrics.BillingHandoffsTotal.WithLabelValues("recorded").Inc()
		log.Info("usage period closed", "overage", p.OverageCount, "overage_cost", p.OverageCost.String())
	}()
}

// Wait blocks until pending billing hand-offs finish or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
