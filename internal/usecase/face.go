package usecase

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-verify/internal/extractor"
	"github.com/example/face-verify/internal/faceerr"
	"github.com/example/face-verify/internal/imagecodec"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
	"github.com/example/face-verify/internal/repository"
)

var (
	// ErrRateLimited is returned when a caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrAuditDisabled is returned by audit queries when no database is configured.
	ErrAuditDisabled = errors.New("comparison audit log is disabled")
)

// AuditRepository defines the persistence operations needed by the use case.
type AuditRepository interface {
	SaveLog(ctx context.Context, log *repository.ComparisonLog) error
	FindByRequestIDAndCaller(ctx context.Context, requestID, callerID string) (*repository.ComparisonLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options carries the deployment settings the use case needs.
type Options struct {
	Model             string
	Detector          string
	MaxImageDimension int
	RetryAttempts     int
}

// FaceUseCase wires extraction, comparison, auditing and rate limiting.
type FaceUseCase struct {
	extractor      extractor.Extractor
	engine         *matcher.Engine
	repo           AuditRepository
	limiter        Limiter
	logger         *zap.Logger
	model          string
	detector       string
	maxDimension   int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// ExtractResponse is the outcome of an extraction request.
type ExtractResponse struct {
	Embedding    []float64          `json:"embedding"`
	EmbeddingDim int                `json:"embedding_dim"`
	FaceCount    int                `json:"face_count"`
	FaceArea     extractor.FaceArea `json:"face_area"`
	Model        string             `json:"model"`
}

// FaceSummary describes the face used on one side of a verification.
type FaceSummary struct {
	FaceCount int                `json:"face_count"`
	FaceArea  extractor.FaceArea `json:"face_area"`
}

// VerifyResponse is the outcome of comparing the faces in two images.
type VerifyResponse struct {
	matcher.Result
	RequestID string      `json:"request_id"`
	Face1     FaceSummary `json:"face1"`
	Face2     FaceSummary `json:"face2"`
	Model     string      `json:"model"`
}

// HealthStatus reports what the service is configured with.
type HealthStatus struct {
	Status    string  `json:"status"`
	Model     string  `json:"model"`
	Detector  string  `json:"detector"`
	Threshold float64 `json:"threshold"`
}

// NewFaceUseCase constructs the use case. repo and limiter may be nil to
// disable auditing and rate limiting.
func NewFaceUseCase(ext extractor.Extractor, engine *matcher.Engine, repo AuditRepository, limiter Limiter, opts Options, logger *zap.Logger) *FaceUseCase {
	attempts := opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &FaceUseCase{
		extractor:      ext,
		engine:         engine,
		repo:           repo,
		limiter:        limiter,
		logger:         logger.Named("face_usecase"),
		model:          opts.Model,
		detector:       opts.Detector,
		maxDimension:   opts.MaxImageDimension,
		retryAttempts:  attempts,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Health returns the static service description.
func (uc *FaceUseCase) Health() HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Model:     uc.model,
		Detector:  uc.detector,
		Threshold: uc.engine.Threshold(),
	}
}

// Extract returns the embedding of the most prominent face in image.
func (uc *FaceUseCase) Extract(ctx context.Context, callerID string, image []byte) (*ExtractResponse, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.extract", requestID)

	if err := uc.checkLimit(ctx, requestID, callerID); err != nil {
		return nil, err
	}

	res, err := uc.extract(ctx, requestID, image)
	if err != nil {
		opLogger.Info("extraction rejected", zap.Error(err), zap.String("kind", string(faceerr.KindOf(err))))
		return nil, err
	}

	opLogger.Info("extracted embedding", zap.Int("face_count", res.FaceCount), zap.String("caller_id", callerID))
	return &ExtractResponse{
		Embedding:    res.Embedding.Values(),
		EmbeddingDim: matcher.Dim,
		FaceCount:    res.FaceCount,
		FaceArea:     res.FaceArea,
		Model:        res.Model,
	}, nil
}

// Compare validates and compares two embeddings, recording the decision.
func (uc *FaceUseCase) Compare(ctx context.Context, callerID string, embedding1, embedding2 []float64) (string, matcher.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.compare", requestID)
	started := time.Now()

	if err := uc.checkLimit(ctx, requestID, callerID); err != nil {
		return "", matcher.Result{}, err
	}

	result, err := uc.engine.Compare(embedding1, embedding2)
	if err != nil {
		opLogger.Info("comparison rejected", zap.Error(err))
		return "", matcher.Result{}, err
	}

	if err := uc.audit(ctx, requestID, callerID, "compare", result, started); err != nil {
		return "", matcher.Result{}, err
	}

	opLogger.Info("compared embeddings",
		zap.Float64("distance", result.Distance),
		zap.Float64("similarity", result.Similarity),
		zap.Bool("is_match", result.IsMatch),
		zap.Float64("threshold", result.Threshold),
	)
	return requestID, result, nil
}

// Verify extracts a face from each image and compares them.
func (uc *FaceUseCase) Verify(ctx context.Context, callerID string, image1, image2 []byte) (*VerifyResponse, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)
	started := time.Now()

	if err := uc.checkLimit(ctx, requestID, callerID); err != nil {
		return nil, err
	}

	var first, second *extractor.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := uc.extract(gctx, requestID, image1)
		if err != nil {
			return annotate(err, "image1")
		}
		first = res
		return nil
	})
	g.Go(func() error {
		res, err := uc.extract(gctx, requestID, image2)
		if err != nil {
			return annotate(err, "image2")
		}
		second = res
		return nil
	})
	if err := g.Wait(); err != nil {
		opLogger.Info("verification rejected", zap.Error(err))
		return nil, err
	}

	result := uc.engine.CompareEmbeddings(first.Embedding, second.Embedding)
	if err := uc.audit(ctx, requestID, callerID, "verify", result, started); err != nil {
		return nil, err
	}

	opLogger.Info("verified images",
		zap.Float64("distance", result.Distance),
		zap.Bool("is_match", result.IsMatch),
		zap.Duration("latency", time.Since(started)),
	)
	return &VerifyResponse{
		Result:    result,
		RequestID: requestID,
		Face1:     FaceSummary{FaceCount: first.FaceCount, FaceArea: first.FaceArea},
		Face2:     FaceSummary{FaceCount: second.FaceCount, FaceArea: second.FaceArea},
		Model:     first.Model,
	}, nil
}

// GetResult loads the audit entry of a previous comparison owned by callerID.
func (uc *FaceUseCase) GetResult(ctx context.Context, callerID, requestID string) (*repository.ComparisonLog, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	return uc.repo.FindByRequestIDAndCaller(ctx, requestID, callerID)
}

func (uc *FaceUseCase) extract(ctx context.Context, requestID string, image []byte) (*extractor.Result, error) {
	prepared, info, err := imagecodec.Prepare(image, uc.maxDimension)
	if err != nil {
		return nil, err
	}

	var res *extractor.Result
	err = uc.withRetry(ctx, requestID, "extractor.extract", faceerr.IsRetryableFailure, func() error {
		out, err := uc.extractor.Extract(ctx, prepared)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.FaceArea = sourceArea(res.FaceArea, info)
	return res, nil
}

// sourceArea maps a box measured on the prepared image back onto the
// uploaded image, clamped to its bounds.
func sourceArea(area extractor.FaceArea, info imagecodec.Info) extractor.FaceArea {
	if !info.Scaled || info.Width <= 0 || info.Height <= 0 {
		return area
	}
	sx := float64(info.SourceWidth) / float64(info.Width)
	sy := float64(info.SourceHeight) / float64(info.Height)

	x := min(int(math.Round(float64(area.X)*sx)), info.SourceWidth)
	y := min(int(math.Round(float64(area.Y)*sy)), info.SourceHeight)
	return extractor.FaceArea{
		X: x,
		Y: y,
		W: min(int(math.Round(float64(area.W)*sx)), info.SourceWidth-x),
		H: min(int(math.Round(float64(area.H)*sy)), info.SourceHeight-y),
	}
}

func (uc *FaceUseCase) audit(ctx context.Context, requestID, callerID, operation string, result matcher.Result, started time.Time) error {
	if uc.repo == nil {
		return nil
	}
	log := &repository.ComparisonLog{
		RequestID:  requestID,
		CallerID:   callerID,
		Operation:  operation,
		Distance:   result.Distance,
		Similarity: result.Similarity,
		Threshold:  result.Threshold,
		IsMatch:    result.IsMatch,
		Model:      uc.model,
		LatencyMs:  time.Since(started).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		logging.WithOperation(uc.logger, "usecase."+operation, requestID).Error("failed to persist comparison log", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

func (uc *FaceUseCase) checkLimit(ctx context.Context, requestID, callerID string) error {
	if uc.limiter == nil {
		return nil
	}
	var allowed bool
	err := uc.withRetry(ctx, requestID, "limiter.allow", isTransientError, func() error {
		ok, err := uc.limiter.Allow(ctx, callerID)
		if err != nil {
			return err
		}
		allowed = ok
		return nil
	})
	if err != nil {
		return logging.NewOperationError("usecase.rate_limit", requestID, err)
	}
	if !allowed {
		logging.WithOperation(uc.logger, "usecase.rate_limit", requestID).Warn("caller exceeded rate limit", zap.String("caller_id", callerID))
		return ErrRateLimited
	}
	return nil
}

// withRetry runs fn until it succeeds, fails with an error retryable rejects,
// or attempts run out. Errors are returned unwrapped so their kind survives.
func (uc *FaceUseCase) withRetry(ctx context.Context, requestID, operation string, retryable func(error) bool, fn func() error) error {
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				if err != nil {
					return err
				}
				return ctx.Err()
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !retryable(err) || attempt == uc.retryAttempts-1 {
			return err
		}
		opLogger.Warn("transient error, retrying", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return err
}

func annotate(err error, argument string) error {
	var fe *faceerr.Error
	if !errors.As(err, &fe) || fe.Argument != "" {
		return err
	}
	cp := *fe
	cp.Argument = argument
	return &cp
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
