package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/deepface"
	"github.com/example/face-verify/internal/extractor"
	"github.com/example/face-verify/internal/grpcclient"
	"github.com/example/face-verify/internal/handlers"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/usecase"
)

func main() {
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	engine, err := matcher.NewEngine(
		matcher.WithThreshold(cfg.Match.Threshold),
		matcher.WithNormTolerance(cfg.Match.NormTolerance),
	)
	if err != nil {
		logger.Fatal("invalid match configuration", zap.Error(err))
	}

	backend, closeBackend, err := initBackend(ctx, cfg.Extractor, logger)
	if err != nil {
		logger.Fatal("failed to connect to extractor", zap.Error(err))
	}
	defer closeBackend()

	guard := extractor.NewGuard(backend, engine, extractor.GuardOptions{
		Timeout:     cfg.Extractor.Timeout,
		Concurrency: cfg.Extractor.Concurrency,
	}, logger)

	var repo usecase.AuditRepository
	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database.DSN, logger)
		comparisons := repository.NewComparisonRepository(db, logger)
		if err := comparisons.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = comparisons
	} else {
		logger.Warn("DATABASE_DSN not set, comparison audit log disabled")
	}

	var limiter usecase.Limiter
	if cfg.Redis.Addr != "" && cfg.Redis.RateLimitPerMinute > 0 {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		defer redisClient.Close()
		limiter = usecase.NewRedisLimiter(redisClient, cfg.Redis.RateLimitPerMinute, time.Minute)
	}

	uc := usecase.NewFaceUseCase(guard, engine, repo, limiter, usecase.Options{
		Model:             cfg.Extractor.Model,
		Detector:          cfg.Extractor.Detector,
		MaxImageDimension: cfg.Extractor.MaxImageDimension,
		RetryAttempts:     cfg.Extractor.Retries,
	}, logger)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, requests are served as anonymous")
	}
	router := newRouter(uc, auth.Middleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience), handlers.Options{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		CORSOrigins:    cfg.HTTP.CORS.Origins(),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	logger.Info("face verification API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("backend", cfg.Extractor.Backend),
		zap.String("model", cfg.Extractor.Model),
		zap.Float64("threshold", engine.Threshold()),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// setup loads configuration and builds the logger. Failures are reported on
// stderr since no logger exists yet.
func setup(stderr io.Writer) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build logger: %v\n", err)
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newRouter(uc handlers.FaceService, authMiddleware gin.HandlerFunc, opts handlers.Options) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = opts.MaxUploadBytes
	handlers.RegisterRoutes(r, uc, authMiddleware, opts)
	return r
}

func initBackend(ctx context.Context, cfg config.ExtractorConfig, logger *zap.Logger) (extractor.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		client := deepface.NewClient(cfg.URL, cfg.Model, cfg.Detector, &http.Client{Timeout: cfg.Timeout + 5*time.Second}, logger)
		return client, func() {}, nil
	default:
		backend, conn, err := grpcclient.Dial(ctx, cfg.Addr, cfg.Model, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = conn.Close() }, nil
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
