package model

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/metrics"
)

// ErrJobNotFound is returned for unknown training job IDs.
var ErrJobNotFound = errors.New("model: training job not found")

// JobStatus is the lifecycle state of a training job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job describes one asynchronous training run.
type Job struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	Samples    int        `json:"samples"`
	Version    string     `json:"version,omitempty"`
	Metrics    *Metrics   `json:"metrics,omitempty"`
	Promoted   bool       `json:"promoted"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	result *WeightSet
}

// Trainer runs training jobs in the background. Scoring never waits on it:
// the only interaction with the hot path is the final Model.Swap.
type Trainer struct {
	model   *Model
	logger  *slog.Logger
	maxJobs int

	mu     sync.RWMutex
	jobs   map[string]*Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTrainer creates a trainer that promotes results into m.
func NewTrainer(m *Model, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trainer{
		model:   m,
		logger:  logger,
		maxJobs: 50,
		jobs:    make(map[string]*Job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches a training job and returns its ID immediately.
func (t *Trainer) Start(samples []Sample, opts TrainOptions) (string, error) {
	if !bothClasses(samples) {
		return "", ErrNoSamples
	}
	job := &Job{
		ID:        idgen.WithPrefix("job_"),
		Status:    JobRunning,
		Samples:   len(samples),
		StartedAt: time.Now().UTC(),
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	t.pruneLocked()
	t.mu.Unlock()

	// Detach from the caller's slice.
	data := append([]Sample(nil), samples...)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(job.ID, data, opts)
	}()
	return job.ID, nil
}

func (t *Trainer) run(id string, samples []Sample, opts TrainOptions) {
	log := t.logger.With("job_id", id, "samples", len(samples))
	log.Info("training started")

	ws, err := Train(t.ctx, samples, opts)

	var promoted bool
	if err == nil && opts.Promote {
		if err = t.model.Swap(ws); err == nil {
			promoted = true
		}
	}

	now := time.Now().UTC()
	t.mu.Lock()
	job := t.jobs[id]
	if job == nil {
		// Pruned while running; keep the record so callers can still find it.
		job = &Job{ID: id, Samples: len(samples)}
		t.jobs[id] = job
	}
	job.FinishedAt = &now
	switch {
	case errors.Is(err, context.Canceled):
		job.Status = JobCancelled
		job.Error = err.Error()
	case err != nil:
		job.Status = JobFailed
		job.Error = err.Error()
	default:
		job.Status = JobSucceeded
		job.Version = ws.Version
		job.Metrics = ws.Metrics
		job.Promoted = promoted
		job.result = ws
	}
	status := job.Status
	t.mu.Unlock()

	metrics.TrainingJobsTotal.WithLabelValues(string(status)).Inc()
	if err != nil {
		log.Warn("training finished with error", "status", status, "error", err)
		return
	}
	log.Info("training finished",
		"version", ws.Version,
		"accuracy", ws.Metrics.Accuracy,
		"f1", ws.Metrics.F1,
		"promoted", promoted,
	)
}

// Job returns a snapshot of a job.
func (t *Trainer) Job(id string) (Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// Jobs returns snapshots of all retained jobs, newest first.
func (t *Trainer) Jobs() []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// Promote publishes the weight set produced by a finished job.
func (t *Trainer) Promote(id string) error {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return ErrJobNotFound
	}
	ws := job.result
	t.mu.Unlock()
	if ws == nil {
		return errors.New("model: job has no trained weights")
	}
	if err := t.model.Swap(ws); err != nil {
		return err
	}
	t.mu.Lock()
	job.Promoted = true
	t.mu.Unlock()
	return nil
}

// Wait blocks until all running jobs finish or ctx ends.
func (t *Trainer) Wait(ctx context.Context) error {
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

// Stop cancels running jobs and waits for them to exit.
func (t *Trainer) Stop(ctx context.Context) error {
	t.cancel()
	return t.Wait(ctx)
}

// pruneLocked drops the oldest finished jobs beyond maxJobs.
func (t *Trainer) pruneLocked() {
	if len(t.jobs) <= t.maxJobs {
		return
	}
	finished := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if j.Status != JobRunning {
			finished = append(finished, j)
		}
	}
	sort.Slice(finished, func(i, k int) bool { return finished[i].StartedAt.Before(finished[k].StartedAt) })
	for _, j := range finished {
		if len(t.jobs) <= t.maxJobs {
			return
		}
		delete(t.jobs, j.ID)
	}
}
