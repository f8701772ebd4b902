// Package ratelimit enforces three independent sliding-window limits on every
// request: per client IP, per account (by plan) and per endpoint. All tiers
// are always evaluated so the response can report the most restrictive one.
// Each check is a single atomic operation on the shared backing store.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudguard/internal/account"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/kvstore"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/traces"
)

// Tier names a rate-limit dimension.
type Tier string

const (
	TierIP       Tier = "ip"
	TierAccount  Tier = "account"
	TierEndpoint Tier = "endpoint"
)

// Subject identifies who is calling what.
type Subject struct {
	IP        string
	AccountID string // empty for anonymous callers
	Plan      account.Plan
	Endpoint  string // empty when the route has no endpoint rule
}

// TierResult is the outcome of one tier.
type TierResult struct {
	Tier       Tier      `json:"tier"`
	Allowed    bool      `json:"allowed"`
	Skipped    bool      `json:"skipped,omitempty"`
	FailOpen   bool      `json:"fail_open,omitempty"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"reset_time"`
	RetryAfter int       `json:"retry_after,omitempty"`
}

// Result is the merged, most restrictive outcome.
type Result struct {
	Allowed    bool         `json:"allowed"`
	Tier       Tier         `json:"tier"`
	Limit      int          `json:"limit"`
	Remaining  int          `json:"remaining"`
	ResetTime  time.Time    `json:"reset_time"`
	RetryAfter int          `json:"retry_after,omitempty"`
	Tiers      []TierResult `json:"tiers"`
}

// Limiter checks requests against a Policy.
type Limiter struct {
	store  kvstore.Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// New creates a limiter backed by store.
func New(store kvstore.Store, policy Policy, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	policy.index()
	return &Limiter{store: store, policy: policy, logger: logger, now: time.Now}
}

// SetClock overrides the limiter clock.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Policy returns the active policy.
func (l *Limiter) Policy() Policy { return l.policy }

// Check evaluates all tiers concurrently and merges them. It never fails:
// store errors make the affected tier fail open.
func (l *Limiter) Check(ctx context.Context, s Subject) Result {
	ctx, span := traces.StartSpan(ctx, "ratelimit.check", traces.AccountID(s.AccountID))
	defer span.End()

	now := l.now()
	results := make([]TierResult, 3)

	var g errgroup.Group
	g.Go(func() error {
		results[0] = l.checkTier(ctx, TierIP, "rl:ip:"+s.IP, l.policy.IP, now)
		return nil
	})
	g.Go(func() error {
		if s.AccountID == "" {
			results[1] = TierResult{Tier: TierAccount, Allowed: true, Skipped: true}
			return nil
		}
		rule := l.policy.PlanRule(s.Plan)
		results[1] = l.checkTier(ctx, TierAccount, "rl:acct:"+s.AccountID, rule, now)
		return nil
	})
	g.Go(func() error {
		rule, ok := l.policy.Endpoints[s.Endpoint]
		if s.Endpoint == "" || !ok {
			results[2] = TierResult{Tier: TierEndpoint, Allowed: true, Skipped: true}
			return nil
		}
		who := "ip:" + s.IP
		if s.AccountID != "" {
			who = "acct:" + s.AccountID
		}
		results[2] = l.checkTier(ctx, TierEndpoint, "rl:ep:"+s.Endpoint+":"+who, rule, now)
		return nil
	})
	_ = g.Wait()

	res := Merge(results)
	if !res.Allowed {
		span.SetAttributes(traces.Tier(string(res.Tier)))
	}
	return res
}

func (l *Limiter) checkTier(ctx context.Context, tier Tier, key string, rule Rule, now time.Time) TierResult {
	reset := now.Add(rule.Window)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + idgen.Hex(4)

	wr, err := l.store.SlidingWindowAdd(ctx, key, now, rule.Window, rule.Limit, member)
	if err != nil {
		metrics.RateLimitChecksTotal.WithLabelValues(string(tier), "fail_open").Inc()
		metrics.RateLimitFailOpenTotal.WithLabelValues(string(tier)).Inc()
		l.logger.Warn("rate limit store unavailable, failing open", "tier", tier, "error", err)
		return TierResult{
			Tier: tier, Allowed: true, FailOpen: true,
			Limit: rule.Limit, Remaining: rule.Limit, ResetTime: reset,
		}
	}

	if !wr.Allowed {
		metrics.RateLimitChecksTotal.WithLabelValues(string(tier), "rejected").Inc()
		return TierResult{
			Tier: tier, Limit: rule.Limit, Remaining: 0, ResetTime: reset,
			RetryAfter: retryAfter(now, wr.Oldest, rule.Window),
		}
	}

	metrics.RateLimitChecksTotal.WithLabelValues(string(tier), "allowed").Inc()
	return TierResult{
		Tier: tier, Allowed: true, Limit: rule.Limit,
		Remaining: max(rule.Limit-wr.Count, 0), ResetTime: reset,
	}
}

// retryAfter is the whole seconds until the oldest logged event leaves the
// window, which is when one more request would be admitted. At least 1.
func retryAfter(now, oldest time.Time, window time.Duration) int {
	wait := window
	if !oldest.IsZero() {
		wait = oldest.Add(window).Sub(now)
	}
	secs := int(math.Ceil(wait.Seconds()))
	return max(secs, 1)
}

// Merge combines tier results. Any rejection wins, and among rejections the
// latest reset; otherwise the tier with the fewest remaining requests is
// reported. Skipped tiers never win.
func Merge(tiers []TierResult) Result {
	res := Result{Allowed: true, Tiers: tiers}
	var chosen *TierResult
	for i := range tiers {
		t := &tiers[i]
		if t.Skipped {
			continue
		}
		switch {
		case chosen == nil:
			chosen = t
		case !t.Allowed && chosen.Allowed:
			chosen = t
		case !t.Allowed && !chosen.Allowed && t.ResetTime.After(chosen.ResetTime):
			chosen = t
		case t.Allowed && chosen.Allowed && t.Remaining < chosen.Remaining:
			chosen = t
		}
	}
	if chosen == nil {
		return res
	}
	res.Allowed = chosen.Allowed
	res.Tier = chosen.Tier
	res.Limit = chosen.Limit
	res.Remaining = chosen.Remaining
	res.ResetTime = chosen.ResetTime
	res.RetryAfter = chosen.RetryAfter
	return res
}
