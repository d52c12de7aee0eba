package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jordanhubbard/tssim/internal/beta"
	"github.com/jordanhubbard/tssim/internal/logging"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	// Simulation defaults and limits.
	Seed                 uint64
	Workers              int
	MaxUsers             int
	MaxReps              int
	MaxAlphaB            int
	ConvergenceThreshold float64

	StoreTrajectories       bool
	TrajectoryRetentionDays int

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing.
	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// Workflow starts that fail this many times in a row divert async
	// batches to in-process runs for the cooldown.
	DispatchBreakerThreshold       int
	DispatchBreakerCooldownSeconds int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("TSSIM_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("TSSIM_LOG_LEVEL", "info"),
		DBDSN:      getEnv("TSSIM_DB_DSN", "file:/data/tssim.sqlite"),

		Seed:                 getEnvUint64("TSSIM_SEED", 1),
		Workers:              getEnvInt("TSSIM_WORKERS", 4),
		MaxUsers:             getEnvInt("TSSIM_MAX_USERS", 100000),
		MaxReps:              getEnvInt("TSSIM_MAX_REPS", 10000),
		MaxAlphaB:            getEnvInt("TSSIM_MAX_ALPHA_B", 1_000_000),
		ConvergenceThreshold: getEnvFloat("TSSIM_CONVERGENCE_THRESHOLD", 0.95),

		StoreTrajectories:       getEnvBool("TSSIM_STORE_TRAJECTORIES", true),
		TrajectoryRetentionDays: getEnvInt("TSSIM_TRAJECTORY_RETENTION_DAYS", 7),

		CORSOrigins:    getEnvStringSlice("TSSIM_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("TSSIM_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("TSSIM_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("TSSIM_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("TSSIM_OTEL_ENDPOINT", "localhost:4318"),
		OTelSampleRatio: getEnvFloat("TSSIM_OTEL_SAMPLE_RATIO", 1),

		TemporalEnabled:   getEnvBool("TSSIM_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("TSSIM_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("TSSIM_TEMPORAL_NAMESPACE", "tssim"),
		TemporalTaskQueue: getEnv("TSSIM_TEMPORAL_TASK_QUEUE", "tssim-batches"),

		DispatchBreakerThreshold:       getEnvInt("TSSIM_DISPATCH_BREAKER_THRESHOLD", 3),
		DispatchBreakerCooldownSeconds: getEnvInt("TSSIM_DISPATCH_BREAKER_COOLDOWN_SECONDS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("TSSIM_LOG_LEVEL: %w", err)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("TSSIM_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("TSSIM_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("TSSIM_WORKERS must be > 0, got %d", c.Workers)
	}
	if c.MaxUsers < 0 {
		return fmt.Errorf("TSSIM_MAX_USERS must be >= 0, got %d", c.MaxUsers)
	}
	if c.MaxReps < 0 {
		return fmt.Errorf("TSSIM_MAX_REPS must be >= 0, got %d", c.MaxReps)
	}
	if c.MaxAlphaB <= 0 || c.MaxAlphaB > beta.MaxAlphaB {
		return fmt.Errorf("TSSIM_MAX_ALPHA_B must be in [1, %d], got %d", beta.MaxAlphaB, c.MaxAlphaB)
	}
	if c.ConvergenceThreshold <= 0.5 || c.ConvergenceThreshold >= 1 {
		return fmt.Errorf("TSSIM_CONVERGENCE_THRESHOLD must be in (0.5, 1), got %f", c.ConvergenceThreshold)
	}
	if c.TrajectoryRetentionDays <= 0 {
		return fmt.Errorf("TSSIM_TRAJECTORY_RETENTION_DAYS must be > 0, got %d", c.TrajectoryRetentionDays)
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("TSSIM_OTEL_SAMPLE_RATIO must be in [0, 1], got %f", c.OTelSampleRatio)
	}
	if c.TemporalEnabled && c.TemporalTaskQueue == "" {
		return fmt.Errorf("TSSIM_TEMPORAL_TASK_QUEUE must be set when Temporal is enabled")
	}
	if c.DispatchBreakerThreshold <= 0 {
		return fmt.Errorf("TSSIM_DISPATCH_BREAKER_THRESHOLD must be > 0, got %d", c.DispatchBreakerThreshold)
	}
	if c.DispatchBreakerCooldownSeconds <= 0 {
		return fmt.Errorf("TSSIM_DISPATCH_BREAKER_COOLDOWN_SECONDS must be > 0, got %d", c.DispatchBreakerCooldownSeconds)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		u, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			return u
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
