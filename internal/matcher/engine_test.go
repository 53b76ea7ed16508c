package matcher

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/example/face-verify/internal/faceerr"
)

func uniform() []float64 {
	v := make([]float64, Dim)
	for i := range v {
		v[i] = 1 / math.Sqrt(Dim)
	}
	return v
}

func basis(i int) []float64 {
	v := make([]float64, Dim)
	v[i] = 1
	return v
}

func randomUnit(t *testing.T, rng *rand.Rand) []float64 {
	t.Helper()
	v := make([]float64, Dim)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	out, err := Normalize(v)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return out
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(opts...)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return e
}

func TestCompareIdenticalUniformVectors(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Compare(uniform(), uniform())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Distance != 0 {
		t.Fatalf("expected distance 0, got %v", res.Distance)
	}
	if res.Similarity != 1 {
		t.Fatalf("expected similarity 1, got %v", res.Similarity)
	}
	if !res.IsMatch {
		t.Fatal("expected match")
	}
	if res.Threshold != DefaultThreshold {
		t.Fatalf("expected threshold %v, got %v", DefaultThreshold, res.Threshold)
	}
}

func TestCompareOrthogonalVectors(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Compare(basis(0), basis(1))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if math.Abs(res.Distance-math.Sqrt2) > 1e-12 {
		t.Fatalf("expected distance sqrt(2), got %v", res.Distance)
	}
	if math.Abs(res.Similarity-(1-math.Sqrt2/2)) > 1e-12 {
		t.Fatalf("expected similarity ~0.2929, got %v", res.Similarity)
	}
	if res.IsMatch {
		t.Fatal("expected no match under default threshold")
	}
}

func TestCompareSelfWithZeroThreshold(t *testing.T) {
	e := newTestEngine(t, WithThreshold(0))
	rng := rand.New(rand.NewSource(7))
	v := randomUnit(t, rng)

	res, err := e.Compare(v, v)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Distance != 0 || res.Similarity != 1 || !res.IsMatch {
		t.Fatalf("unexpected self comparison result: %+v", res)
	}
}

func TestCompareIsSymmetricAndBounded(t *testing.T) {
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		a := randomUnit(t, rng)
		b := randomUnit(t, rng)

		ab, err := e.Compare(a, b)
		if err != nil {
			t.Fatalf("compare(a, b): %v", err)
		}
		ba, err := e.Compare(b, a)
		if err != nil {
			t.Fatalf("compare(b, a): %v", err)
		}
		if ab != ba {
			t.Fatalf("expected symmetric results, got %+v and %+v", ab, ba)
		}
		if ab.Distance < 0 || ab.Distance > 2 {
			t.Fatalf("distance out of range: %v", ab.Distance)
		}
		if ab.Similarity < 0 || ab.Similarity > 1 {
			t.Fatalf("similarity out of range: %v", ab.Similarity)
		}
	}
}

func TestCompareOppositeVectors(t *testing.T) {
	e := newTestEngine(t)
	a := basis(3)
	b := basis(3)
	b[3] = -1

	res, err := e.Compare(a, b)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Distance != 2 || res.Similarity != 0 {
		t.Fatalf("expected distance 2 and similarity 0, got %+v", res)
	}
}

func TestSimilarityStrictlyDecreasing(t *testing.T) {
	prev := Similarity(0)
	for d := 0.01; d <= 2; d += 0.01 {
		s := Similarity(d)
		if s >= prev {
			t.Fatalf("similarity not decreasing at d=%v: %v >= %v", d, s, prev)
		}
		prev = s
	}
	if Similarity(2.0000001) != 0 || Similarity(-1e-12) != 1 {
		t.Fatal("expected clamping outside [0, 2]")
	}
}

func TestCompareRejectsInvalidEmbeddings(t *testing.T) {
	e := newTestEngine(t)

	nan := uniform()
	nan[10] = math.NaN()
	inf := uniform()
	inf[20] = math.Inf(1)

	cases := []struct {
		name     string
		a, b     []float64
		argument string
		reason   string
	}{
		{"511 elements", uniform()[:511], uniform(), "embedding1", faceerr.ReasonWrongDimension},
		{"513 elements", uniform(), append(uniform(), 0), "embedding2", faceerr.ReasonWrongDimension},
		{"NaN", nan, uniform(), "embedding1", faceerr.ReasonNonFinite},
		{"Infinity", uniform(), inf, "embedding2", faceerr.ReasonNonFinite},
		{"256 vs 512", uniform(), make([]float64, 256), "embedding2", faceerr.ReasonWrongDimension},
		{"zero vector", make([]float64, Dim), uniform(), "embedding1", faceerr.ReasonNotNormalized},
		{"nil", nil, uniform(), "embedding1", faceerr.ReasonWrongDimension},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Compare(tc.a, tc.b)
			if err == nil {
				t.Fatalf("expected error, got %+v", res)
			}
			if res != (Result{}) {
				t.Fatalf("expected empty result on failure, got %+v", res)
			}
			var fe *faceerr.Error
			if !errors.As(err, &fe) {
				t.Fatalf("expected faceerr.Error, got %T", err)
			}
			if fe.Kind != faceerr.KindInvalidEmbedding {
				t.Fatalf("unexpected kind: %s", fe.Kind)
			}
			if fe.Argument != tc.argument {
				t.Fatalf("expected argument %s, got %s", tc.argument, fe.Argument)
			}
			if fe.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, fe.Reason)
			}
			if !strings.Contains(err.Error(), tc.argument) {
				t.Fatalf("expected message to name %s: %s", tc.argument, err.Error())
			}
		})
	}
}

func TestNormToleranceZeroAcceptsUnnormalized(t *testing.T) {
	e := newTestEngine(t, WithNormTolerance(0))
	a := make([]float64, Dim)
	a[0] = 3
	b := make([]float64, Dim)
	b[0] = 3

	res, err := e.Compare(a, b)
	if err != nil {
		t.Fatalf("expected success with check disabled, got %v", err)
	}
	if res.Distance != 0 {
		t.Fatalf("expected distance 0, got %v", res.Distance)
	}
}

func TestNewEngineRejectsBadThreshold(t *testing.T) {
	for _, th := range []float64{-0.1, math.NaN(), math.Inf(1)} {
		if _, err := NewEngine(WithThreshold(th)); err == nil {
			t.Fatalf("expected error for threshold %v", th)
		}
	}
}

func TestThresholdIsInclusive(t *testing.T) {
	e := newTestEngine(t, WithThreshold(math.Sqrt2))
	res, err := e.Compare(basis(0), basis(1))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !res.IsMatch {
		t.Fatalf("expected distance == threshold to match, got %+v", res)
	}
}

func TestEmbeddingValuesIsACopy(t *testing.T) {
	emb, err := NewEmbedding(uniform())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vals := emb.Values()
	vals[0] = 99
	if emb[0] == 99 {
		t.Fatal("expected Values to return a copy")
	}
	if math.Abs(emb.Norm()-1) > 1e-12 {
		t.Fatalf("expected unit norm, got %v", emb.Norm())
	}
}

func TestNormalizeRejectsZeroAndNonFinite(t *testing.T) {
	if _, err := Normalize(make([]float64, 4)); err == nil {
		t.Fatal("expected error for zero vector")
	}
	if _, err := Normalize([]float64{1, math.NaN()}); err == nil {
		t.Fatal("expected error for NaN")
	}
	out, err := Normalize([]float64{3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(out[0]-0.6) > 1e-12 || math.Abs(out[1]-0.8) > 1e-12 {
		t.Fatalf("unexpected normalized vector: %v", out)
	}
}

func TestUncheckedNormRejectsOverflowingEmbeddings(t *testing.T) {
	e := newTestEngine(t, WithNormTolerance(0))
	a := make([]float64, Dim)
	a[0] = 1e200
	b := make([]float64, Dim)
	b[0] = -1e200

	res, err := e.Compare(a, b)
	var fe *faceerr.Error
	if !errors.As(err, &fe) || fe.Reason != faceerr.ReasonNonFinite || fe.Argument != "embedding1" {
		t.Fatalf("expected non_finite for embedding1, got %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestUncheckedNormLargeValuesGiveFiniteDistance(t *testing.T) {
	e := newTestEngine(t, WithNormTolerance(0))
	a := make([]float64, Dim)
	a[0] = 1e154
	b := make([]float64, Dim)
	b[0] = -1e154

	res, err := e.Compare(a, b)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if math.IsInf(res.Distance, 0) || math.Abs(res.Distance-2e154)/2e154 > 1e-12 {
		t.Fatalf("expected distance 2e154, got %v", res.Distance)
	}
	if res.IsMatch || res.Similarity != 0 {
		t.Fatalf("expected no match with similarity 0, got %+v", res)
	}
}
