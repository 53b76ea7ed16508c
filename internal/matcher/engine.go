// Package matcher compares face embeddings and renders match decisions.
package matcher

import (
	"errors"
	"math"
)

const (
	// DefaultThreshold is the calibrated maximum Euclidean distance for a match.
	DefaultThreshold = 0.68
	// DefaultNormTolerance bounds how far an input norm may drift from 1.
	DefaultNormTolerance = 1e-3
)

// Result is the outcome of a single comparison.
type Result struct {
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
	IsMatch    bool    `json:"is_match"`
	Threshold  float64 `json:"threshold"`
}

// Engine holds the decision parameters. It has no mutable state and is safe
// for concurrent use.
type Engine struct {
	threshold     float64
	normTolerance float64
}

// Option customises an Engine.
type Option func(*Engine)

// WithThreshold overrides the match threshold.
func WithThreshold(threshold float64) Option {
	return func(e *Engine) { e.threshold = threshold }
}

// WithNormTolerance overrides the unit-norm tolerance. Zero disables the check.
func WithNormTolerance(tolerance float64) Option {
	return func(e *Engine) { e.normTolerance = tolerance }
}

// NewEngine builds an engine with the default calibration unless overridden.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{threshold: DefaultThreshold, normTolerance: DefaultNormTolerance}
	for _, opt := range opts {
		opt(e)
	}
	if math.IsNaN(e.threshold) || math.IsInf(e.threshold, 0) || e.threshold < 0 {
		return nil, errors.New("matcher: threshold must be a finite non-negative number")
	}
	if math.IsNaN(e.normTolerance) || e.normTolerance < 0 {
		return nil, errors.New("matcher: norm tolerance must be non-negative")
	}
	return e, nil
}

// Threshold returns the decision boundary in use.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Compare validates both raw vectors and compares them. Validation errors
// name the offending argument as embedding1 or embedding2.
func (e *Engine) Compare(a, b []float64) (Result, error) {
	ea, err := e.Validate("embedding1", a)
	if err != nil {
		return Result{}, err
	}
	eb, err := e.Validate("embedding2", b)
	if err != nil {
		return Result{}, err
	}
	return e.CompareEmbeddings(ea, eb), nil
}

// Validate checks dimension, finiteness and unit norm of values.
func (e *Engine) Validate(argument string, values []float64) (Embedding, error) {
	emb, err := parse(argument, values)
	if err != nil {
		return Embedding{}, err
	}
	if err := checkNormalized(argument, emb, e.normTolerance); err != nil {
		return Embedding{}, err
	}
	return emb, nil
}

// CompareEmbeddings compares two already validated embeddings.
func (e *Engine) CompareEmbeddings(a, b Embedding) Result {
	d := Distance(a, b)
	return Result{
		Similarity: Similarity(d),
		Distance:   d,
		IsMatch:    d <= e.threshold,
		Threshold:  e.threshold,
	}
}

// Distance is the Euclidean distance between a and b. It is symmetric bit for
// bit since (x-y)^2 and (y-x)^2 round identically.
func Distance(a, b Embedding) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	if math.IsInf(sum, 0) {
		return scaledDistance(a, b)
	}
	return math.Sqrt(sum)
}

// scaledDistance divides by the largest component difference first so the
// sum of squares stays finite for any pair with finite norms.
func scaledDistance(a, b Embedding) float64 {
	var scale float64
	for i := range a {
		scale = max(scale, math.Abs(a[i]-b[i]))
	}
	var sum float64
	for i := range a {
		r := (a[i] - b[i]) / scale
		sum += r * r
	}
	return scale * math.Sqrt(sum)
}

// Similarity maps a unit-vector distance in [0, 2] onto [0, 1].
func Similarity(distance float64) float64 {
	s := 1 - distance/2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
