package extractor

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/faceerr"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
)

type stubBackend struct {
	detections []Detection
	err        error
	block      bool
	delay      time.Duration

	inFlight    int32
	maxInFlight int32
	calls       int32
}

func (s *stubBackend) Name() string { return "ArcFace" }

func (s *stubBackend) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	atomic.AddInt32(&s.calls, 1)
	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&s.maxInFlight)
		if cur <= prev || atomic.CompareAndSwapInt32(&s.maxInFlight, prev, cur) {
			break
		}
	}

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.detections, nil
}

func unitAt(i int) []float64 {
	v := make([]float64, matcher.Dim)
	v[i] = 1
	return v
}

func newGuard(t *testing.T, backend Backend, opts GuardOptions) *Guard {
	t.Helper()
	engine, err := matcher.NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return NewGuard(backend, engine, opts, zap.NewNop())
}

func TestExtractSelectsLargestFace(t *testing.T) {
	backend := &stubBackend{detections: []Detection{
		{Embedding: unitAt(0), Area: FaceArea{X: 0, Y: 0, W: 10, H: 10}},
		{Embedding: unitAt(1), Area: FaceArea{X: 50, Y: 40, W: 30, H: 40}},
		{Embedding: unitAt(2), Area: FaceArea{X: 5, Y: 5, W: 20, H: 20}},
	}}
	g := newGuard(t, backend, GuardOptions{Timeout: time.Second})

	res, err := g.Extract(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.FaceCount != 3 {
		t.Fatalf("expected face count 3, got %d", res.FaceCount)
	}
	if res.Embedding[1] != 1 {
		t.Fatal("expected embedding of the largest face")
	}
	if res.FaceArea != (FaceArea{X: 50, Y: 40, W: 30, H: 40}) {
		t.Fatalf("unexpected face area: %+v", res.FaceArea)
	}
	if res.Model != "ArcFace" {
		t.Fatalf("unexpected model: %s", res.Model)
	}
}

func TestSelectPrimaryKeepsFirstOnTie(t *testing.T) {
	det, count, err := SelectPrimary([]Detection{
		{Embedding: unitAt(4), Area: FaceArea{W: 10, H: 20}},
		{Embedding: unitAt(5), Area: FaceArea{W: 20, H: 10}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 || det.Embedding[4] != 1 {
		t.Fatalf("expected first of tied faces, got count=%d", count)
	}
}

func TestExtractNoFaceDetected(t *testing.T) {
	g := newGuard(t, &stubBackend{}, GuardOptions{})

	_, err := g.Extract(context.Background(), []byte("blank"))
	if faceerr.KindOf(err) != faceerr.KindNoFaceDetected {
		t.Fatalf("expected NO_FACE_DETECTED, got %v", err)
	}
	if faceerr.IsRetryable(err) {
		t.Fatal("expected non-retryable error")
	}
}

func TestExtractTimeout(t *testing.T) {
	g := newGuard(t, &stubBackend{block: true}, GuardOptions{Timeout: 20 * time.Millisecond})

	res, err := g.Extract(context.Background(), []byte("img"))
	if res != nil {
		t.Fatalf("expected no partial result, got %+v", res)
	}
	if faceerr.KindOf(err) != faceerr.KindExtractionTimeout {
		t.Fatalf("expected EXTRACTION_TIMEOUT, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected deadline exceeded cause")
	}
}

func TestExtractRejectsContractViolations(t *testing.T) {
	nan := unitAt(0)
	nan[3] = math.NaN()
	scaled := unitAt(0)
	scaled[0] = 5

	cases := map[string][]float64{
		"short":     unitAt(0)[:128],
		"nan":       nan,
		"unit norm": scaled,
		"empty":     nil,
	}
	for name, emb := range cases {
		t.Run(name, func(t *testing.T) {
			g := newGuard(t, &stubBackend{detections: []Detection{{Embedding: emb, Area: FaceArea{W: 1, H: 1}}}}, GuardOptions{})
			_, err := g.Extract(context.Background(), []byte("img"))
			if faceerr.KindOf(err) != faceerr.KindExtractionFailure {
				t.Fatalf("expected EXTRACTION_FAILURE, got %v", err)
			}
			if !errors.Is(err, faceerr.New(faceerr.KindInvalidEmbedding, "")) {
				t.Fatal("expected the invalid embedding cause to be preserved")
			}
		})
	}
}

func TestExtractPassesThroughClassifiedBackendErrors(t *testing.T) {
	g := newGuard(t, &stubBackend{err: faceerr.New(faceerr.KindInvalidImage, "cannot decode")}, GuardOptions{})

	_, err := g.Extract(context.Background(), []byte("junk"))
	if faceerr.KindOf(err) != faceerr.KindInvalidImage {
		t.Fatalf("expected INVALID_IMAGE, got %v", err)
	}
}

func TestExtractWrapsUnknownBackendErrors(t *testing.T) {
	g := newGuard(t, &stubBackend{err: errors.New("connection reset")}, GuardOptions{})

	_, err := g.Extract(context.Background(), []byte("img"))
	if faceerr.KindOf(err) != faceerr.KindExtractionFailure {
		t.Fatalf("expected EXTRACTION_FAILURE, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "extractor.detect" {
		t.Fatalf("expected OperationError for extractor.detect, got %v", err)
	}
}

func TestExtractClampsNegativeArea(t *testing.T) {
	g := newGuard(t, &stubBackend{detections: []Detection{
		{Embedding: unitAt(0), Area: FaceArea{X: -4, Y: -2, W: 12, H: 14}},
	}}, GuardOptions{})

	res, err := g.Extract(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FaceArea != (FaceArea{X: 0, Y: 0, W: 12, H: 14}) {
		t.Fatalf("unexpected face area: %+v", res.FaceArea)
	}
}

func TestExtractSerialisesBackendAccess(t *testing.T) {
	backend := &stubBackend{
		detections: []Detection{{Embedding: unitAt(0), Area: FaceArea{W: 1, H: 1}}},
		delay:      5 * time.Millisecond,
	}
	g := newGuard(t, backend, GuardOptions{Concurrency: 1, Timeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Extract(context.Background(), []byte("img")); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&backend.maxInFlight); got != 1 {
		t.Fatalf("expected at most 1 concurrent backend call, got %d", got)
	}
	if got := atomic.LoadInt32(&backend.calls); got != 8 {
		t.Fatalf("expected 8 backend calls, got %d", got)
	}
}

type stubbornBackend struct {
	delay time.Duration
}

func (s *stubbornBackend) Name() string { return "ArcFace" }

func (s *stubbornBackend) Detect(_ context.Context, _ []byte) ([]Detection, error) {
	time.Sleep(s.delay)
	return []Detection{{Embedding: unitAt(0), Area: FaceArea{W: 1, H: 1}}}, nil
}

func TestExtractTimesOutBackendIgnoringContext(t *testing.T) {
	g := newGuard(t, &stubbornBackend{delay: 200 * time.Millisecond}, GuardOptions{Timeout: 20 * time.Millisecond})

	started := time.Now()
	res, err := g.Extract(context.Background(), []byte("img"))
	elapsed := time.Since(started)

	if res != nil {
		t.Fatalf("expected no result after the budget expired, got %+v", res)
	}
	if faceerr.KindOf(err) != faceerr.KindExtractionTimeout {
		t.Fatalf("expected EXTRACTION_TIMEOUT, got %v", err)
	}
	if elapsed >= 150*time.Millisecond {
		t.Fatalf("expected Extract to return at the deadline, took %v", elapsed)
	}
}

func TestExtractKeepsSlotUntilStubbornBackendReturns(t *testing.T) {
	g := newGuard(t, &stubbornBackend{delay: 100 * time.Millisecond}, GuardOptions{Timeout: 10 * time.Millisecond, Concurrency: 1})

	if _, err := g.Extract(context.Background(), []byte("img")); faceerr.KindOf(err) != faceerr.KindExtractionTimeout {
		t.Fatalf("expected EXTRACTION_TIMEOUT, got %v", err)
	}
	// The first call still occupies the only slot, so this one times out in the queue.
	if _, err := g.Extract(context.Background(), []byte("img")); faceerr.KindOf(err) != faceerr.KindExtractionTimeout {
		t.Fatalf("expected queued call to time out, got %v", err)
	}
}
