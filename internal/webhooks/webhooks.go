// Package webhooks delivers scoring decisions to account-registered URLs.
//
// Accounts subscribe to decision outcomes (reject, review, approve) and
// receive a signed POST for every matching decision made with their key.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/fraudguard/internal/audit"
	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/retry"
)

// EventType is the kind of webhook event.
type EventType string

const (
	EventDecisionApprove EventType = "decision.approve"
	EventDecisionReview  EventType = "decision.review"
	EventDecisionReject  EventType = "decision.reject"
	EventScoringFailSafe EventType = "scoring.fail_safe"
)

// A subscription is deactivated after this many failed deliveries in a row.
const maxConsecutiveFailure = 10

// EventTypes lists every subscribable event.
var EventTypes = []EventType{EventDecisionApprove, EventDecisionReview, EventDecisionReject, EventScoringFailSafe}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return slices.Contains(EventTypes, t) }

// EventFor maps an audit record to its event type.
func EventFor(r audit.Record) EventType {
	if r.FailSafe {
		return EventScoringFailSafe
	}
	switch r.Decision {
	case decision.Approve:
		return EventDecisionApprove
	case decision.Reject:
		return EventDecisionReject
	default:
		return EventDecisionReview
	}
}

// Event is the JSON body of a delivery.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      *audit.Record `json:"data"`
}

// Subscription is one registered webhook.
type Subscription struct {
	ID                  string      `json:"id"`
	AccountID           string      `json:"account_id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC signing key
	Events              []EventType `json:"events"`
	MinScore            float64     `json:"min_score"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"created_at"`
	LastSuccess         *time.Time  `json:"last_success,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}

func (s *Subscription) wants(t EventType, r audit.Record) bool {
	return s.Active && slices.Contains(s.Events, t) && r.FraudScore >= s.MinScore
}

// ErrNotFound is returned when a subscription does not exist for the account.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByAccount(ctx context.Context, accountID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id, accountID string) error
}

// Dispatcher sends decision events to subscribers. It is an audit.Sink;
// deliveries run in the background with bounded concurrency.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        retry.Policy
	sem          *semaphore.Weighted
	urlValidator func(string) error
	logger       *slog.Logger
	now          func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher allowing up to
// maxInFlight concurrent deliveries.
func NewDispatcher(store Store, maxInFlight int64, logger *slog.Logger) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		retry:        retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		sem:          semaphore.NewWeighted(maxInFlight),
		urlValidator: ValidateURL,
		logger:       logger,
		now:          time.Now,
	}
}

// SetRetryPolicy overrides the per-delivery retry policy.
func (d *Dispatcher) SetRetryPolicy(p retry.Policy) { d.retry = p }

// Publish schedules deliveries for every matching subscription of the
// record's account. Anonymous records have no subscribers.
func (d *Dispatcher) Publish(ctx context.Context, r audit.Record) error {
	if r.AccountID == "" {
		return nil
	}
	subs, err := d.store.ListByAccount(ctx, r.AccountID)
	if err != nil {
		return fmt.Errorf("webhooks: list subscriptions: %w", err)
	}

	et := EventFor(r)
	var event *Event
	for _, sub := range subs {
		if !sub.wants(et, r) {
			continue
		}
		if event == nil {
			rec := r
			event = &Event{ID: idgen.WithPrefix("evt_"), Type: et, Timestamp: d.now().UTC(), Data: &rec}
		}
		if !d.sem.TryAcquire(1) {
			metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
			d.logger.Warn("webhook delivery dropped, too many in flight", "webhook_id", sub.ID)
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			// Deliveries outlive the publisher's per-sink deadline.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			d.deliver(ctx, sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordResult(ctx, sub, fmt.Errorf("marshal event: %w", err))
		return
	}
	err = d.retry.Do(ctx, func(ctx context.Context, _ int) error {
		return d.send(ctx, sub, event, payload)
	})
	d.recordResult(ctx, sub, err)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	ts := strconv.FormatInt(event.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-FraudGuard-Event", string(event.Type))
	req.Header.Set("X-FraudGuard-Delivery", event.ID)
	req.Header.Set("X-FraudGuard-Timestamp", ts)
	if sub.Secret != "" {
		req.Header.Set("X-FraudGuard-Signature", Sign(sub.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("status %d", resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordResult(ctx context.Context, sub *Subscription, err error) {
	// Work on a copy; other deliveries may hold the same pointer.
	s := *sub
	if err == nil {
		now := d.now().UTC()
		s.LastSuccess = &now
		s.LastError = ""
		s.ConsecutiveFailures = 0
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	} else {
		s.LastError = err.Error()
		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= maxConsecutiveFailure {
			s.Active = false
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"webhook_id", s.ID,
			"account_id", s.AccountID,
			"failures", s.ConsecutiveFailures,
			"deactivated", !s.Active,
			"error", err,
		)
	}
	if uerr := d.store.Update(ctx, &s); uerr != nil {
		d.logger.Warn("webhook status update failed", "webhook_id", s.ID, "error", uerr)
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload".
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateURL accepts http(s) URLs whose host is not a loopback, private or
// link-local address literal.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.New("webhooks: invalid URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhooks: URL must use http or https")
	}
	host := u.Hostname()
	if host == "localhost" {
		return errors.New("webhooks: URL must not target localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return errors.New("webhooks: URL must not target a private address")
		}
	}
	return nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.AccountID == accountID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(a, b *Subscription) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.AccountID != accountID {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ audit.Sink = (*Dispatcher)(nil)
)
