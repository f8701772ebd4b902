// Package audit publishes every scoring decision to downstream sinks
// (the score_audit table, the live decision stream) off the request path.
package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/pagination"
)

// Record is one audited decision.
type Record struct {
	ID               string            `json:"id"`
	TransactionID    string            `json:"transaction_id"`
	AccountID        string            `json:"account_id,omitempty"`
	UserID           string            `json:"user_id"`
	Amount           float64           `json:"amount"`
	Currency         string            `json:"currency"`
	Decision         decision.Decision `json:"decision"`
	FraudScore       float64           `json:"fraud_score"`
	Confidence       float64           `json:"confidence"`
	ModelVersion     string            `json:"model_version"`
	Cached           bool              `json:"cached"`
	FailSafe         bool              `json:"fail_safe"`
	RiskFlags        []string          `json:"risk_flags"`
	ProcessingTimeMs float64           `json:"processing_time_ms"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Sink receives audit records.
type Sink interface {
	Publish(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Publish(ctx context.Context, r Record) error { return f(ctx, r) }

type namedSink struct {
	name string
	sink Sink
}

// Publisher fans records out to sinks from a bounded queue. When the queue
// is full records are dropped and counted rather than blocking scoring.
type Publisher struct {
	sinks   []namedSink
	queue   chan Record
	logger  *slog.Logger
	timeout time.Duration

	once sync.Once
	wg   sync.WaitGroup
}

// NewPublisher creates a publisher with a queue of the given size.
func NewPublisher(queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		queue:   make(chan Record, queueSize),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// AddSink registers a sink. Call before Start.
func (p *Publisher) AddSink(name string, s Sink) {
	p.sinks = append(p.sinks, namedSink{name: name, sink: s})
}

// Start launches the delivery worker.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for r := range p.queue {
			p.deliver(r)
		}
	}()
}

// Publish enqueues r without blocking.
func (p *Publisher) Publish(_ context.Context, r Record) error {
	select {
	case p.queue <- r:
	default:
		metrics.AuditEventsTotal.WithLabelValues("queue", "dropped").Inc()
		p.logger.Warn("audit queue full, dropping record", "transaction_id", r.TransactionID)
	}
	return nil
}

func (p *Publisher) deliver(r Record) {
	for _, s := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := s.sink.Publish(ctx, r)
		cancel()
		if err != nil {
			metrics.AuditEventsTotal.WithLabelValues(s.name, "failed").Inc()
			p.logger.Warn("audit sink failed", "sink", s.name, "transaction_id", r.TransactionID, "error", err)
			continue
		}
		metrics.AuditEventsTotal.WithLabelValues(s.name, "published").Inc()
	}
}

// Close stops accepting records, drains the queue and waits for delivery or
// ctx. Publish must not be called after Close.
func (p *Publisher) Close(ctx context.Context) error {
	p.once.Do(func() { close(p.queue) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lister pages through an account's audited decisions, newest first.
// It returns at most limit records strictly older than after (nil for the
// first page).
type Lister interface {
	List(ctx context.Context, accountID string, after *pagination.Cursor, limit int) ([]Record, error)
}

// MemorySink keeps records in memory. A bounded sink is a ring that
// overwrites the oldest record once full.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
	max     int
	head    int // index of the oldest record once the ring is full
}

// NewMemorySink creates an empty, unbounded in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// NewBoundedMemorySink creates an in-memory sink holding at most max records.
func NewBoundedMemorySink(max int) *MemorySink {
	return &MemorySink{max: max}
}

func (m *MemorySink) Publish(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && len(m.records) == m.max {
		m.records[m.head] = r
		m.head = (m.head + 1) % m.max
		return nil
	}
	m.records = append(m.records, r)
	return nil
}

// Records returns a copy of the stored records, oldest first.
func (m *MemorySink) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	out = append(out, m.records[m.head:]...)
	return append(out, m.records[:m.head]...)
}

func (m *MemorySink) List(_ context.Context, accountID string, after *pagination.Cursor, limit int) ([]Record, error) {
	m.mu.RLock()
	var out []Record
	for _, r := range m.records {
		if r.AccountID == accountID && after.Before(r.CreatedAt, r.ID) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

var (
	_ Sink   = (*Publisher)(nil)
	_ Sink   = (*MemorySink)(nil)
	_ Lister = (*MemorySink)(nil)
)

func decisionOf(s string) decision.Decision {
	d := decision.Decision(s)
	if !d.Valid() {
		return decision.FailSafe
	}
	return d
}
