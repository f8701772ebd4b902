package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/fraudguard/internal/features"
)

// ErrNoSamples is returned when a training set is empty or single-class.
var ErrNoSamples = errors.New("model: training needs labelled samples of both classes")

// Sample is one labelled feature vector.
type Sample struct {
	Features features.Vector
	Fraud    bool
}

// TrainOptions control gradient descent.
type TrainOptions struct {
	Version      string  // defaults to a timestamped name
	Epochs       int     // default 300
	LearningRate float64 // default 0.1
	L2           float64 // ridge penalty on standardized weights
	// Every HoldoutEvery-th sample is held out for evaluation (0 disables;
	// metrics are then computed on the training set).
	HoldoutEvery int
	Promote      bool // swap the result in when training succeeds
}

func (o TrainOptions) withDefaults(now time.Time) TrainOptions {
	if o.Epochs <= 0 {
		o.Epochs = 300
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	if o.Version == "" {
		o.Version = "trained-" + now.UTC().Format("20060102T150405")
	}
	return o
}

// Train fits a logistic model by batch gradient descent. Features are
// standardized during fitting and the weights folded back into raw-feature
// space, so the result scores raw vectors directly. Baselines are the mean
// feature values of the legitimate samples. ctx is checked every epoch.
func Train(ctx context.Context, samples []Sample, opts TrainOptions) (*WeightSet, error) {
	now := time.Now()
	opts = opts.withDefaults(now)

	train, eval := split(samples, opts.HoldoutEvery)
	if !bothClasses(train) {
		return nil, ErrNoSamples
	}

	n := len(features.Names)
	mu, sigma := standardization(train, n)

	x := make([][]float64, len(train))
	y := make([]float64, len(train))
	for i, s := range train {
		if s.Features.Len() != n {
			return nil, fmt.Errorf("model: sample %d has %d features, want %d", i, s.Features.Len(), n)
		}
		row := make([]float64, n)
		for j := 0; j < n; j++ {
			v := s.Features.At(j)
			if !finite(v) {
				return nil, fmt.Errorf("model: sample %d feature %s is not finite", i, features.Names[j])
			}
			row[j] = (v - mu[j]) / sigma[j]
		}
		x[i] = row
		if s.Fraud {
			y[i] = 1
		}
	}

	w := make([]float64, n)
	var b float64
	grad := make([]float64, n)
	m := float64(len(x))

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := range grad {
			grad[j] = 0
		}
		var gb float64
		for i, row := range x {
			z := b
			for j, v := range row {
				z += w[j] * v
			}
			diff := Sigmoid(z) - y[i]
			for j, v := range row {
				grad[j] += diff * v
			}
			gb += diff
		}
		for j := range w {
			w[j] -= opts.LearningRate * (grad[j]/m + opts.L2*w[j])
		}
		b -= opts.LearningRate * gb / m
	}

	ws := &WeightSet{
		Version:   opts.Version,
		Bias:      b,
		Weights:   make(map[string]float64, n),
		Baselines: legitMeans(train, mu, n),
		CreatedAt: now.UTC(),
	}
	for j, name := range features.Names {
		raw := w[j] / sigma[j]
		ws.Weights[name] = raw
		ws.Bias -= raw * mu[j]
	}

	compiled, err := ws.compile()
	if err != nil {
		return nil, err
	}
	met := Evaluate(compiled, eval)
	compiled.Metrics = &met
	return compiled, nil
}

// Evaluate computes classification metrics at a 0.5 probability cut-off.
func Evaluate(ws *WeightSet, samples []Sample) Metrics {
	var tp, fp, tn, fn float64
	for _, s := range samples {
		pred, err := ws.Predict(s.Features)
		if err != nil {
			continue
		}
		flagged := pred.Probability >= 0.5
		switch {
		case flagged && s.Fraud:
			tp++
		case flagged && !s.Fraud:
			fp++
		case !flagged && s.Fraud:
			fn++
		default:
			tn++
		}
	}
	m := Metrics{Samples: int(tp + fp + tn + fn)}
	if m.Samples == 0 {
		return m
	}
	m.Accuracy = (tp + tn) / float64(m.Samples)
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func split(samples []Sample, every int) (train, eval []Sample) {
	if every <= 1 {
		return samples, samples
	}
	for i, s := range samples {
		if i%every == every-1 {
			eval = append(eval, s)
		} else {
			train = append(train, s)
		}
	}
	if len(eval) == 0 {
		eval = train
	}
	return train, eval
}

func bothClasses(samples []Sample) bool {
	var pos, neg bool
	for _, s := range samples {
		if s.Fraud {
			pos = true
		} else {
			neg = true
		}
	}
	return pos && neg
}

func standardization(samples []Sample, n int) (mu, sigma []float64) {
	mu = make([]float64, n)
	sigma = make([]float64, n)
	m := float64(len(samples))
	for _, s := range samples {
		for j := 0; j < n; j++ {
			mu[j] += s.Features.At(j) / m
		}
	}
	for _, s := range samples {
		for j := 0; j < n; j++ {
			d := s.Features.At(j) - mu[j]
			sigma[j] += d * d / m
		}
	}
	for j := range sigma {
		sigma[j] = math.Sqrt(sigma[j])
		if sigma[j] < 1e-9 {
			sigma[j] = 1 // constant column: weight stays at zero
		}
	}
	return mu, sigma
}

func legitMeans(samples []Sample, fallback []float64, n int) map[string]float64 {
	sum := make([]float64, n)
	var count float64
	for _, s := range samples {
		if s.Fraud {
			continue
		}
		count++
		for j := 0; j < n; j++ {
			sum[j] += s.Features.At(j)
		}
	}
	out := make(map[string]float64, n)
	for j, name := range features.Names {
		if count > 0 {
			out[name] = sum[j] / count
		} else {
			out[name] = fallback[j]
		}
	}
	return out
}
