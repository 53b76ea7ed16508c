// Package config assembles service settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in EXTRACTOR_BACKEND.
const (
	BackendGRPC = "grpc"
	BackendHTTP = "http"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Match     MatchConfig     `yaml:"match"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	LogLevel  string          `yaml:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"` // "*" allows any origin
}

// Origins returns the origins to allow, or nil when CORS is off.
func (c CORSConfig) Origins() []string {
	if !c.Enabled {
		return nil
	}
	return c.AllowedOrigins
}

type ExtractorConfig struct {
	Backend           string        `yaml:"backend"` // grpc or http
	Addr              string        `yaml:"addr"`    // gRPC sidecar host:port
	URL               string        `yaml:"url"`     // DeepFace-style HTTP base URL
	Model             string        `yaml:"model"`
	Detector          string        `yaml:"detector"`
	Timeout           time.Duration `yaml:"timeout"`
	Concurrency       int           `yaml:"concurrency"`
	Retries           int           `yaml:"retries"`
	MaxImageDimension int           `yaml:"max_image_dimension"`
}

type MatchConfig struct {
	Threshold     float64 `yaml:"threshold"`
	NormTolerance float64 `yaml:"norm_tolerance"` // 0 disables the unit-norm check
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // empty disables the audit log
}

type RedisConfig struct {
	Addr               string `yaml:"addr"` // empty disables rate limiting
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"` // empty disables authentication
	JWTAudience string `yaml:"jwt_audience"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":5001",
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: 15 * time.Second,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
			},
		},
		Extractor: ExtractorConfig{
			Backend:           BackendGRPC,
			Addr:              "extractor:50051",
			URL:               "http://deepface:5000",
			Model:             "ArcFace",
			Detector:          "opencv",
			Timeout:           30 * time.Second,
			Concurrency:       1,
			Retries:           3,
			MaxImageDimension: 1600,
		},
		Match: MatchConfig{
			Threshold:     0.68,
			NormTolerance: 1e-3,
		},
		Redis: RedisConfig{
			RateLimitPerMinute: 60,
		},
		LogLevel: "info",
	}
}

// Load reads .env when present, then FACE_CONFIG_FILE when set, then the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("FACE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.HTTP.Addr = ":" + port
	}
	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("MODEL_NAME", &c.Extractor.Model)
	envString("DETECTOR", &c.Extractor.Detector)
	envString("EXTRACTOR_BACKEND", &c.Extractor.Backend)
	envString("EXTRACTOR_ADDR", &c.Extractor.Addr)
	envString("EXTRACTOR_URL", &c.Extractor.URL)
	envString("DATABASE_DSN", &c.Database.DSN)
	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("JWT_AUDIENCE", &c.Auth.JWTAudience)
	envString("LOG_LEVEL", &c.LogLevel)
	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		c.HTTP.CORS.AllowedOrigins = splitList(v)
	}

	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}
	set(envDuration("EXTRACTOR_TIMEOUT", &c.Extractor.Timeout))
	set(envDuration("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout))
	set(envInt("EXTRACTOR_CONCURRENCY", &c.Extractor.Concurrency))
	set(envInt("EXTRACTOR_RETRIES", &c.Extractor.Retries))
	set(envInt("MAX_IMAGE_DIMENSION", &c.Extractor.MaxImageDimension))
	set(envInt("RATE_LIMIT_PER_MINUTE", &c.Redis.RateLimitPerMinute))
	set(envInt64("MAX_UPLOAD_BYTES", &c.HTTP.MaxUploadBytes))
	set(envFloat("MATCH_THRESHOLD", &c.Match.Threshold))
	set(envFloat("MATCH_NORM_TOLERANCE", &c.Match.NormTolerance))
	set(envBool("CORS_ENABLED", &c.HTTP.CORS.Enabled))
	return err
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Extractor.Backend {
	case BackendGRPC, BackendHTTP:
	default:
		return fmt.Errorf("unknown extractor backend %q", c.Extractor.Backend)
	}
	if math.IsNaN(c.Match.Threshold) || math.IsInf(c.Match.Threshold, 0) || c.Match.Threshold < 0 {
		return fmt.Errorf("match threshold must be a non-negative number, got %v", c.Match.Threshold)
	}
	if math.IsNaN(c.Match.NormTolerance) || c.Match.NormTolerance < 0 {
		return fmt.Errorf("norm tolerance must be non-negative, got %v", c.Match.NormTolerance)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.HTTP.MaxUploadBytes)
	}
	for _, origin := range c.HTTP.CORS.Origins() {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("cors origin %q must be \"*\" or start with http:// or https://", origin)
		}
	}
	if c.Extractor.Concurrency < 1 {
		return fmt.Errorf("extractor concurrency must be at least 1, got %d", c.Extractor.Concurrency)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
