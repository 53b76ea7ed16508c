package extractor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/faceerr"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
)

// GuardOptions bounds how a backend is driven.
type GuardOptions struct {
	// Timeout is the wall-clock budget per call, queueing included. Zero means none.
	Timeout time.Duration
	// Concurrency caps in-flight backend calls. Values below 1 serialise access.
	Concurrency int
}

type detectOutcome struct {
	detections []Detection
	err        error
}

// Guard owns a backend handle, limits concurrent access to it and re-checks
// everything the backend returns before it reaches a caller.
type Guard struct {
	backend   Backend
	validator *matcher.Engine
	timeout   time.Duration
	slots     chan struct{}
	logger    *zap.Logger
}

// NewGuard wraps backend. validator supplies the dimension and norm checks.
func NewGuard(backend Backend, validator *matcher.Engine, opts GuardOptions, logger *zap.Logger) *Guard {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Guard{
		backend:   backend,
		validator: validator,
		timeout:   opts.Timeout,
		slots:     make(chan struct{}, concurrency),
		logger:    logger.Named("extractor"),
	}
}

// Model returns the backend model name.
func (g *Guard) Model() string {
	return g.backend.Name()
}

// Extract runs detection and returns the primary face embedding.
func (g *Guard) Extract(ctx context.Context, image []byte) (*Result, error) {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	select {
	case g.slots <- struct{}{}:
	case <-callCtx.Done():
		return nil, g.classify(callCtx, callCtx.Err())
	}
	started := time.Now()

	// The slot is released only when the backend returns, timed out or not.
	done := make(chan detectOutcome, 1)
	go func() {
		detections, err := g.backend.Detect(callCtx, image)
		<-g.slots
		done <- detectOutcome{detections: detections, err: err}
	}()

	var detections []Detection
	select {
	case out := <-done:
		if out.err != nil {
			return nil, g.classify(callCtx, out.err)
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, g.classify(callCtx, callCtx.Err())
		}
		detections = out.detections
	case <-callCtx.Done():
		return nil, g.classify(callCtx, callCtx.Err())
	}

	primary, count, err := SelectPrimary(detections)
	if err != nil {
		return nil, err
	}

	emb, err := g.validator.Validate("embedding", primary.Embedding)
	if err != nil {
		g.logger.Error("backend violated embedding contract", zap.Error(err), zap.String("model", g.backend.Name()))
		return nil, faceerr.Wrap(faceerr.KindExtractionFailure, "extractor returned an invalid embedding", err)
	}

	g.logger.Debug("extracted embedding",
		zap.Int("face_count", count),
		zap.Duration("latency", time.Since(started)),
	)

	return &Result{
		Embedding: emb,
		FaceArea:  primary.Area.clamped(),
		FaceCount: count,
		Model:     g.backend.Name(),
	}, nil
}

func (g *Guard) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var fe *faceerr.Error
		if errors.As(err, &fe) && fe.Kind != faceerr.KindExtractionFailure && fe.Kind != faceerr.KindExtractionTimeout {
			return err
		}
		g.logger.Warn("extraction timed out", zap.Duration("timeout", g.timeout))
		return faceerr.Wrap(faceerr.KindExtractionTimeout, "extraction exceeded its time budget", err)
	}
	if faceerr.KindOf(err) != "" {
		return err
	}
	wrapped := logging.NewOperationError("extractor.detect", "", err)
	g.logger.Error("backend detection failed", zap.Error(wrapped))
	return faceerr.Wrap(faceerr.KindExtractionFailure, "extraction failed", wrapped)
}
