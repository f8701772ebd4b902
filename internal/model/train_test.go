package model

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/features"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrain_SyntheticSeparable(t *testing.T) {
	samples := SyntheticSamples(2000, 0.2, 7)
	ws, err := Train(context.Background(), samples, TrainOptions{Version: "syn-1", HoldoutEvery: 5})
	require.NoError(t, err)

	require.NotNil(t, ws.Metrics)
	assert.Equal(t, "syn-1", ws.Version)
	assert.Equal(t, 400, ws.Metrics.Samples)
	assert.Greater(t, ws.Metrics.Accuracy, 0.9)
	assert.Greater(t, ws.Metrics.F1, 0.8)

	// Tor usage should push towards fraud, a good IP reputation away from it.
	assert.Greater(t, ws.Weights[features.IsTor], 0.0)
	assert.Less(t, ws.Weights[features.IPReputation], 0.0)
	require.NoError(t, ws.Validate())
}

func TestTrain_Deterministic(t *testing.T) {
	samples := SyntheticSamples(300, 0.3, 11)
	a, err := Train(context.Background(), samples, TrainOptions{Version: "a", Epochs: 50})
	require.NoError(t, err)
	b, err := Train(context.Background(), samples, TrainOptions{Version: "a", Epochs: 50})
	require.NoError(t, err)
	assert.Equal(t, a.Weights, b.Weights)
	assert.Equal(t, a.Bias, b.Bias)
}

func TestTrain_Errors(t *testing.T) {
	_, err := Train(context.Background(), nil, TrainOptions{})
	assert.ErrorIs(t, err, ErrNoSamples)

	oneClass := []Sample{{Features: features.FromMap(nil), Fraud: true}}
	_, err = Train(context.Background(), oneClass, TrainOptions{})
	assert.ErrorIs(t, err, ErrNoSamples)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Train(ctx, SyntheticSamples(100, 0.5, 1), TrainOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluate(t *testing.T) {
	ws := DefaultWeights()
	compiled, err := ws.compile()
	require.NoError(t, err)

	tor := features.FromMap(map[string]float64{features.IsTor: 1, features.IsVPN: 1, features.CommunityThreatScore: 100})
	clean := features.FromMap(map[string]float64{features.IPReputation: 90})

	m := Evaluate(compiled, []Sample{
		{Features: tor, Fraud: true},    // TP
		{Features: clean, Fraud: false}, // TN
		{Features: clean, Fraud: true},  // FN
		{Features: tor, Fraud: false},   // FP
	})
	assert.Equal(t, 4, m.Samples)
	assert.Equal(t, 0.5, m.Accuracy)
	assert.Equal(t, 0.5, m.Precision)
	assert.Equal(t, 0.5, m.Recall)
	assert.Equal(t, 0.5, m.F1)

	assert.Equal(t, Metrics{}, Evaluate(compiled, nil))
}

func TestTrainer_AsyncPromote(t *testing.T) {
	m := newDefaultModel(t)
	tr := NewTrainer(m, quietLogger())

	id, err := tr.Start(SyntheticSamples(500, 0.2, 3), TrainOptions{Version: "async-1", Epochs: 100, Promote: true})
	require.NoError(t, err)

	// Scoring keeps working while training runs.
	_, err = m.Predict(features.FromMap(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))

	job, err := tr.Job(id)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, job.Status)
	assert.True(t, job.Promoted)
	assert.NotNil(t, job.FinishedAt)
	assert.Equal(t, "async-1", m.Version())
}

func TestTrainer_ManualPromote(t *testing.T) {
	m := newDefaultModel(t)
	tr := NewTrainer(m, quietLogger())

	id, err := tr.Start(SyntheticSamples(200, 0.3, 5), TrainOptions{Version: "manual-1", Epochs: 20})
	require.NoError(t, err)
	require.NoError(t, tr.Wait(context.Background()))
	assert.Equal(t, DefaultVersion, m.Version())

	require.NoError(t, tr.Promote(id))
	assert.Equal(t, "manual-1", m.Version())

	assert.ErrorIs(t, tr.Promote("job_missing"), ErrJobNotFound)
	_, err = tr.Job("job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Len(t, tr.Jobs(), 1)
}

func TestTrainer_NilLoggerUsesDefault(t *testing.T) {
	tr := NewTrainer(newDefaultModel(t), nil)
	_, err := tr.Start(SyntheticSamples(100, 0.3, 7), TrainOptions{Version: "nil-logger", Epochs: 5})
	require.NoError(t, err)
	require.NoError(t, tr.Wait(context.Background()))
	require.Len(t, tr.Jobs(), 1)
	assert.Equal(t, JobSucceeded, tr.Jobs()[0].Status)
}

func TestTrainer_RejectsSingleClass(t *testing.T) {
	tr := NewTrainer(newDefaultModel(t), quietLogger())
	_, err := tr.Start([]Sample{{Features: features.FromMap(nil)}}, TrainOptions{})
	assert.ErrorIs(t, err, ErrNoSamples)
	assert.Empty(t, tr.Jobs())
}

func TestTrainer_StopCancelsJobs(t *testing.T) {
	m := newDefaultModel(t)
	tr := NewTrainer(m, quietLogger())

	id, err := tr.Start(SyntheticSamples(5000, 0.2, 9), TrainOptions{Epochs: 1_000_000, Promote: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Stop(ctx))

	job, err := tr.Job(id)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.Status)
	assert.Equal(t, DefaultVersion, m.Version())
}
