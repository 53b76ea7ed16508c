package matcher

import (
	"fmt"
	"math"

	"github.com/example/face-verify/internal/faceerr"
)

// Dim is the length of every embedding accepted by the engine.
const Dim = 512

// Embedding is a validated face signature. Arrays copy on assignment, so a
// value handed out can never be mutated behind the holder's back.
type Embedding [Dim]float64

// NewEmbedding validates length and finiteness of values.
func NewEmbedding(values []float64) (Embedding, error) {
	return parse("embedding", values)
}

// Values returns a copy of the embedding as a slice.
func (e Embedding) Values() []float64 {
	out := make([]float64, Dim)
	copy(out, e[:])
	return out
}

// Norm returns the Euclidean norm.
func (e Embedding) Norm() float64 {
	return norm(e[:])
}

// Normalize scales values to unit length. It is meant for extractors turning
// raw model output into an embedding; the engine itself never rescales input.
func Normalize(values []float64) ([]float64, error) {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("value at index %d is not finite", i)
		}
	}
	n := norm(values)
	if n == 0 || math.IsInf(n, 0) {
		return nil, fmt.Errorf("cannot normalize vector with norm %v", n)
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v / n
	}
	return out, nil
}

func parse(argument string, values []float64) (Embedding, error) {
	var e Embedding
	if len(values) != Dim {
		return e, faceerr.InvalidEmbedding(argument, faceerr.ReasonWrongDimension,
			fmt.Sprintf("expected %d values, got %d", Dim, len(values)))
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return e, faceerr.InvalidEmbedding(argument, faceerr.ReasonNonFinite,
				fmt.Sprintf("value at index %d is %v", i, v))
		}
		e[i] = v
	}
	if n := e.Norm(); math.IsInf(n, 0) {
		return Embedding{}, faceerr.InvalidEmbedding(argument, faceerr.ReasonNonFinite,
			"squared norm overflows float64")
	}
	return e, nil
}

func checkNormalized(argument string, e Embedding, tolerance float64) error {
	if tolerance <= 0 {
		return nil
	}
	n := e.Norm()
	if math.Abs(n-1) > tolerance {
		return faceerr.InvalidEmbedding(argument, faceerr.ReasonNotNormalized,
			fmt.Sprintf("norm %.6f deviates from 1 by more than %g", n, tolerance))
	}
	return nil
}

func norm(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v * v
	}
	return math.Sqrt(sum)
}
