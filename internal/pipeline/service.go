// Package pipeline orchestrates scoring: validation, usage reservation, the
// prediction cache, feature engineering, the model, the decision policy,
// explanations and audit publication.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/fraudguard/internal/audit"
	"github.com/mbd888/fraudguard/internal/cache"
	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/explain"
	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/history"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/model"
	"github.com/mbd888/fraudguard/internal/threat"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/txn"
	"github.com/mbd888/fraudguard/internal/usage"
	"github.com/mbd888/fraudguard/internal/validation"
)

// MetadataThreatScore is the request metadata key that overrides the
// community threat lookup.
const MetadataThreatScore = "community_threat_score"

// FailSafeScore is reported when the model cannot score.
const FailSafeScore = 50.0

// releaseTimeout bounds the compensating usage release after an abort.
const releaseTimeout = 2 * time.Second

// Service scores transactions.
type Service struct {
	model   *model.Model
	cache   *cache.Cache
	history history.Provider
	threats threat.Provider
	usage   *usage.Tracker
	audit   audit.Sink
	weight  int64
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a scoring service. history and threats may be nil.
func NewService(m *model.Model, c *cache.Cache, hist history.Provider, threats threat.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		model:   m,
		cache:   c,
		history: hist,
		threats: threats,
		weight:  1,
		logger:  logger,
		now:     time.Now,
	}
}

// WithUsage meters authenticated callers against t.
func (s *Service) WithUsage(t *usage.Tracker) *Service {
	s.usage = t
	return s
}

// WithAudit publishes every decision to sink.
func (s *Service) WithAudit(sink audit.Sink) *Service {
	s.audit = sink
	return s
}

// WithTimeout bounds each Score call.
func (s *Service) WithTimeout(d time.Duration) *Service {
	s.timeout = d
	return s
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Model returns the live model.
func (s *Service) Model() *model.Model { return s.model }

// Validate checks the required fields and the ranges of optional signals.
func Validate(req txn.Request) error {
	validators := []func() *validation.ValidationError{
		validation.Positive("amount", req.Amount),
		validation.Required("user_id", req.UserID),
		validation.MaxLength("user_id", req.UserID, validation.MaxStringLength),
		validation.Required("payment_method", req.PaymentMethod),
		validation.MaxLength("payment_method", req.PaymentMethod, validation.MaxStringLength),
		validation.MaxLength("transaction_id", req.TransactionID, validation.MaxStringLength),
		validation.Currency("currency", req.Currency),
	}
	if d := req.Device; d != nil {
		validators = append(validators,
			validation.InRange("device_data.ip_reputation", d.IPReputation, 0, 100),
			validation.InRange("device_data.geolocation_risk", d.GeolocationRisk, 0, 100),
			validation.MaxLength("device_data.device_fingerprint", d.DeviceFingerprint, validation.MaxStringLength),
		)
	}
	if b := req.Behavioral; b != nil {
		validators = append(validators,
			validation.InRange("behavioral_data.mouse_velocity", b.MouseVelocity, 0, 1e6),
			validation.InRange("behavioral_data.typing_rhythm", b.TypingRhythm, 0, 1e6),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		return errs
	}
	return nil
}

// sanitize cleans free-form descriptive fields. Identifiers are left as sent
// and validated instead, since they feed cache keys and threat hashes.
func sanitize(req txn.Request) txn.Request {
	req.MerchantCategory = validation.SanitizeString(req.MerchantCategory, validation.MaxStringLength)
	return req
}

// Score runs the pipeline for one transaction.
//
// Errors: validation.ValidationErrors for bad input, *LimitError when a
// hard-capped plan is out of quota, or the context error when the caller
// gave up. A model failure is not an error: the result carries the
// fail-safe review decision with FailSafe set.
func (s *Service) Score(ctx context.Context, caller Caller, raw txn.Request) (*ScoreResult, error) {
	start := s.now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := sanitize(txn.Intake(raw, start))
	if req.TransactionID == "" {
		req.TransactionID = idgen.WithPrefix("txn_")
	}
	ctx = logging.WithTransactionID(ctx, req.TransactionID)
	ctx, span := traces.StartSpan(ctx, "pipeline.Score",
		traces.TransactionID(req.TransactionID),
		traces.UserID(req.UserID),
		traces.AccountID(caller.AccountID),
	)
	defer span.End()

	done := metrics.ObserveStage("validate")
	err := Validate(req)
	done()
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	meter, reservation, err := s.reserve(ctx, caller)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	decided := false
	defer func() {
		if !decided {
			s.release(ctx, reservation)
		}
	}()

	// The leader's compute closure fills these; they are only read when
	// this caller computed the entry itself.
	var (
		vec features.Vector
		ws  *model.WeightSet
	)
	compute := func(cctx context.Context) (cache.Entry, bool, error) {
		vec = s.features(cctx, req)

		stop := metrics.ObserveStage("model")
		pred, err := s.model.Predict(vec)
		stop()
		if err != nil {
			return cache.Entry{}, false, err
		}
		ws = pred.Weights
		return cache.Entry{
			FraudScore:   pred.FraudScore,
			Decision:     decision.Decide(pred.FraudScore),
			Confidence:   pred.Confidence,
			ModelVersion: pred.ModelVersion,
			CachedAt:     s.now().UTC(),
		}, true, nil
	}

	stop := metrics.ObserveStage("cache")
	res, err := s.cache.GetOrCompute(ctx, cache.Key(req), compute)
	stop()

	var result *ScoreResult
	switch {
	case errors.Is(err, model.ErrScoringUnavailable):
		metrics.ScoringErrorsTotal.Inc()
		logging.L(ctx).Error("scoring unavailable, defaulting to review", "error", err)
		traces.RecordError(span, err)
		result = s.failSafe(ctx, req)
		// A fail-safe review is our failure, not a billable decision.
		s.release(ctx, reservation)
		decided = true
		meter = s.currentMeter(ctx, caller, meter)
	case err != nil:
		traces.RecordError(span, err)
		return nil, fmt.Errorf("pipeline: score %s: %w", req.TransactionID, err)
	default:
		if res.Source != cache.SourceComputed {
			vec = s.features(ctx, req)
			ws = s.model.Current()
		}
		stop := metrics.ObserveStage("explain")
		expl := explain.Build(vec, ws, res.Entry.Decision)
		stop()
		result = &ScoreResult{
			TransactionID: req.TransactionID,
			FraudScore:    res.Entry.FraudScore,
			Decision:      res.Entry.Decision,
			Confidence:    res.Entry.Confidence,
			Explanation:   expl,
			Cached:        res.Cached(),
			ModelVersion:  res.Entry.ModelVersion,
		}
		decided = true
	}

	result.Timestamp = s.now().UTC()
	result.ProcessingTimeMs = float64(s.now().Sub(start).Microseconds()) / 1000
	if !caller.Anonymous() && s.usage != nil {
		m := meter
		result.Usage = &m
	}

	span.SetAttributes(
		traces.Decision(string(result.Decision)),
		traces.FraudScore(result.FraudScore),
		traces.Cached(result.Cached),
	)
	metrics.DecisionsTotal.WithLabelValues(string(result.Decision), strconv.FormatBool(result.Cached)).Inc()
	s.publish(ctx, caller, req, result)

	logging.L(ctx).Info("transaction scored",
		"decision", result.Decision,
		"fraud_score", result.FraudScore,
		"cached", result.Cached,
		"fail_safe", result.FailSafe,
		"processing_ms", result.ProcessingTimeMs,
	)
	return result, nil
}

func (s *Service) reserve(ctx context.Context, caller Caller) (usage.Meter, *usage.Reservation, error) {
	if caller.Anonymous() || s.usage == nil {
		return usage.Meter{}, nil, nil
	}
	stop := metrics.ObserveStage("usage")
	defer stop()
	m, r, err := s.usage.CheckUsageAndTrack(ctx, caller.AccountID, caller.Plan, s.weight)
	if errors.Is(err, usage.ErrLimitExceeded) {
		return m, nil, &LimitError{Meter: m}
	}
	if err != nil {
		return m, nil, fmt.Errorf("pipeline: usage: %w", err)
	}
	return m, r, nil
}

// release undoes a reservation on a context that outlives the request.
func (s *Service) release(ctx context.Context, r *usage.Reservation) {
	if r == nil || s.usage == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.usage.Release(rctx, r); err != nil {
		logging.L(ctx).Warn("usage release failed", "user_id", r.UserID, "error", err)
	}
}

// currentMeter re-reads the meter after a release so the response matches
// what was charged.
func (s *Service) currentMeter(ctx context.Context, caller Caller, fallback usage.Meter) usage.Meter {
	if caller.Anonymous() || s.usage == nil {
		return fallback
	}
	m, err := s.usage.Current(context.WithoutCancel(ctx), caller.AccountID, caller.Plan)
	if err != nil {
		return fallback
	}
	return m
}

// features gathers history and threat signals and builds the vector.
// Lookup failures substitute the documented defaults.
func (s *Service) features(ctx context.Context, req txn.Request) features.Vector {
	ctx, span := traces.StartSpan(ctx, "pipeline.features")
	defer span.End()
	stop := metrics.ObserveStage("features")
	defer stop()

	var hist *txn.UserHistory
	if s.history != nil {
		h, err := s.history.History(ctx, req.UserID)
		switch {
		case err == nil:
			hist = h
		case errors.Is(err, history.ErrNotFound):
		default:
			logging.L(ctx).Warn("history lookup failed, using defaults", "user_id", req.UserID, "error", err)
		}
	}

	threatScore, ok := req.MetadataFloat(MetadataThreatScore)
	if !ok && s.threats != nil && req.Device != nil {
		score, err := s.threats.Score(ctx, req.Device.IP, req.Device.DeviceFingerprint)
		if err != nil {
			logging.L(ctx).Warn("threat lookup failed, using zero", "error", err)
		}
		threatScore = score
	}

	return features.Build(req, hist, threatScore)
}

func (s *Service) failSafe(ctx context.Context, req txn.Request) *ScoreResult {
	vec := s.features(ctx, req)
	return &ScoreResult{
		TransactionID: req.TransactionID,
		FraudScore:    FailSafeScore,
		Decision:      decision.FailSafe,
		Confidence:    0,
		Explanation: explain.Explanation{
			TopFactors:     []explain.Factor{},
			RiskFlags:      explain.Flags(vec),
			Recommendation: explain.Recommendation(decision.FailSafe),
		},
		ModelVersion: s.model.Version(),
		FailSafe:     true,
	}
}

func (s *Service) publish(ctx context.Context, caller Caller, req txn.Request, r *ScoreResult) {
	if s.audit == nil {
		return
	}
	rec := audit.Record{
		ID:               idgen.WithPrefix("aud_"),
		TransactionID:    r.TransactionID,
		AccountID:        caller.AccountID,
		UserID:           req.UserID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Decision:         r.Decision,
		FraudScore:       r.FraudScore,
		Confidence:       r.Confidence,
		ModelVersion:     r.ModelVersion,
		Cached:           r.Cached,
		FailSafe:         r.FailSafe,
		RiskFlags:        r.Explanation.FlagNames(),
		ProcessingTimeMs: r.ProcessingTimeMs,
		CreatedAt:        r.Timestamp,
	}
	if err := s.audit.Publish(ctx, rec); err != nil {
		logging.L(ctx).Warn("audit publish failed", "error", err)
	}
}
