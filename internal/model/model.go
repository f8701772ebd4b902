// Package model implements the logistic scoring model. Weights live in an
// immutable, versioned WeightSet published through an atomic pointer, so a
// scorer always sees one complete set even while a new one is being swapped in.
package model

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/metrics"
)

// Errors
var (
	ErrScoringUnavailable = errors.New("model: scoring unavailable")
	ErrInvalidWeights     = errors.New("model: invalid weight set")
)

// Metrics are the evaluation results of a trained weight set.
type Metrics struct {
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1        float64 `json:"f1" yaml:"f1"`
	Samples   int     `json:"samples" yaml:"samples"`
}

// WeightSet is one version of the model parameters. Once published through
// Model.Swap it must not be modified; Swap stores a private copy.
type WeightSet struct {
	Version   string             `json:"version" yaml:"version"`
	Bias      float64            `json:"bias" yaml:"bias"`
	Weights   map[string]float64 `json:"weights" yaml:"weights"`
	Baselines map[string]float64 `json:"baselines" yaml:"baselines"`
	CreatedAt time.Time          `json:"created_at" yaml:"created_at"`
	Metrics   *Metrics           `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// dense copies in features.Names order
	w []float64
	b []float64
}

// Validate checks that every feature has a finite weight.
func (ws *WeightSet) Validate() error {
	if ws == nil {
		return fmt.Errorf("%w: nil", ErrInvalidWeights)
	}
	if ws.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidWeights)
	}
	if !finite(ws.Bias) {
		return fmt.Errorf("%w: bias is not finite", ErrInvalidWeights)
	}
	for _, name := range features.Names {
		w, ok := ws.Weights[name]
		if !ok {
			return fmt.Errorf("%w: missing weight for %s", ErrInvalidWeights, name)
		}
		if !finite(w) {
			return fmt.Errorf("%w: weight for %s is not finite", ErrInvalidWeights, name)
		}
		if b, ok := ws.Baselines[name]; ok && !finite(b) {
			return fmt.Errorf("%w: baseline for %s is not finite", ErrInvalidWeights, name)
		}
	}
	return nil
}

// compile validates ws and returns a detached copy with dense slices.
func (ws *WeightSet) compile() (*WeightSet, error) {
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	out := &WeightSet{
		Version:   ws.Version,
		Bias:      ws.Bias,
		Weights:   maps.Clone(ws.Weights),
		Baselines: maps.Clone(ws.Baselines),
		CreatedAt: ws.CreatedAt,
		w:         make([]float64, len(features.Names)),
		b:         make([]float64, len(features.Names)),
	}
	if out.Baselines == nil {
		out.Baselines = make(map[string]float64)
	}
	if ws.Metrics != nil {
		m := *ws.Metrics
		out.Metrics = &m
	}
	for i, name := range features.Names {
		out.w[i] = ws.Weights[name]
		out.b[i] = ws.Baselines[name]
	}
	return out, nil
}

// Weight returns the weight for the i-th feature in features.Names order.
func (ws *WeightSet) Weight(i int) float64 { return ws.w[i] }

// Baseline returns the baseline for the i-th feature in features.Names order.
func (ws *WeightSet) Baseline(i int) float64 { return ws.b[i] }

// Logit returns bias + sum(w_i * f_i).
func (ws *WeightSet) Logit(v features.Vector) float64 {
	z := ws.Bias
	for i := range ws.w {
		z += ws.w[i] * v.At(i)
	}
	return z
}

// Prediction is the model output for one feature vector.
type Prediction struct {
	Probability  float64
	FraudScore   float64 // 0..100
	Confidence   float64 // 0..100
	ModelVersion string
	Weights      *WeightSet // the exact set used, for explanation
}

// Model scores feature vectors with the currently published weight set.
type Model struct {
	current atomic.Pointer[WeightSet]
}

// New creates a model with an initial weight set.
func New(initial *WeightSet) (*Model, error) {
	m := &Model{}
	if err := m.Swap(initial); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the published weight set.
func (m *Model) Current() *WeightSet {
	return m.current.Load()
}

// Version returns the published model version.
func (m *Model) Version() string {
	if ws := m.current.Load(); ws != nil {
		return ws.Version
	}
	return ""
}

// Swap validates ws and publishes a private copy of it.
func (m *Model) Swap(ws *WeightSet) error {
	compiled, err := ws.compile()
	if err != nil {
		return err
	}
	m.current.Store(compiled)
	metrics.SetModelVersion(compiled.Version)
	return nil
}

// Predict scores v with the published weight set.
func (m *Model) Predict(v features.Vector) (Prediction, error) {
	ws := m.current.Load()
	if ws == nil {
		return Prediction{}, fmt.Errorf("%w: no weight set loaded", ErrScoringUnavailable)
	}
	return ws.Predict(v)
}

// Predict scores v with this weight set.
func (ws *WeightSet) Predict(v features.Vector) (Prediction, error) {
	if ws.w == nil {
		return Prediction{}, fmt.Errorf("%w: weight set not compiled", ErrScoringUnavailable)
	}
	if v.Len() != len(ws.w) {
		return Prediction{}, fmt.Errorf("%w: expected %d features, got %d", ErrScoringUnavailable, len(ws.w), v.Len())
	}
	for i := 0; i < v.Len(); i++ {
		if !finite(v.At(i)) {
			return Prediction{}, fmt.Errorf("%w: feature %s is not finite", ErrScoringUnavailable, features.Names[i])
		}
	}

	p := Sigmoid(ws.Logit(v))
	return Prediction{
		Probability:  p,
		FraudScore:   p * 100,
		Confidence:   math.Abs(p-0.5) * 2 * 100,
		ModelVersion: ws.Version,
		Weights:      ws,
	}, nil
}

// Sigmoid is the numerically stable logistic function.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
