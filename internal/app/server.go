package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/tssim/internal/events"
	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/httpapi"
	"github.com/jordanhubbard/tssim/internal/idempotency"
	"github.com/jordanhubbard/tssim/internal/logging"
	"github.com/jordanhubbard/tssim/internal/metrics"
	"github.com/jordanhubbard/tssim/internal/ratelimit"
	"github.com/jordanhubbard/tssim/internal/stats"
	"github.com/jordanhubbard/tssim/internal/store"
	"github.com/jordanhubbard/tssim/internal/temporal"
	"github.com/jordanhubbard/tssim/internal/tracing"
	"github.com/jordanhubbard/tssim/internal/trajectory"
)

type Server struct {
	mu  sync.Mutex
	cfg Config

	r *chi.Mux

	store    *store.SQLiteStore
	traj     *trajectory.Store
	limiter  *ratelimit.Limiter
	idem     *idempotency.Cache
	stats    *stats.Collector
	temporal *temporal.Manager
	dispatch *temporal.Dispatcher
	logger   *slog.Logger

	shutdownTracing func(context.Context) error
	stopPrune       chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "tssim",
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	r.Use(limiter.Middleware)

	// Open store.
	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		limiter.Stop()
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		limiter.Stop()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	traj, err := trajectory.New(db.DB())
	if err != nil {
		db.Close()
		limiter.Stop()
		return nil, err
	}
	traj.SetRetention(retention(cfg))

	bus := events.NewBus()
	collector := stats.NewCollector()
	svc := experiment.New(experiment.Config{
		Seed:                 cfg.Seed,
		Workers:              cfg.Workers,
		MaxUsers:             cfg.MaxUsers,
		MaxReps:              cfg.MaxReps,
		MaxAlphaB:            cfg.MaxAlphaB,
		ConvergenceThreshold: cfg.ConvergenceThreshold,
		StoreTrajectories:    cfg.StoreTrajectories,
	},
		experiment.WithStore(db),
		experiment.WithTrajectories(traj),
		experiment.WithMetrics(m),
		experiment.WithStats(collector),
		experiment.WithEvents(bus),
		experiment.WithLogger(logger),
	)

	s := &Server{
		cfg:             cfg,
		r:               r,
		store:           db,
		traj:            traj,
		limiter:         limiter,
		idem:            idempotency.New(24*time.Hour, 10000),
		stats:           collector,
		logger:          logger,
		shutdownTracing: shutdownTracing,
		stopPrune:       make(chan struct{}),
	}

	deps := httpapi.Dependencies{
		Service:      svc,
		Metrics:      m,
		Stats:        collector,
		EventBus:     bus,
		Trajectories: traj,
		Idempotency:  s.idem,
		Ping:         db.DB().PingContext,
	}

	var remote temporal.Starter
	if cfg.TemporalEnabled {
		mgr, err := temporal.New(temporal.Config{
			HostPort:    cfg.TemporalHostPort,
			Namespace:   cfg.TemporalNamespace,
			TaskQueue:   cfg.TemporalTaskQueue,
			Parallelism: cfg.Workers,
		}, &temporal.Activities{Service: svc})
		if err != nil {
			// Async batches still run in-process without Temporal.
			logger.Warn("temporal unavailable, async batches run locally", slog.String("error", err.Error()))
		} else if err := mgr.Start(); err != nil {
			mgr.Stop()
			logger.Warn("temporal worker failed to start", slog.String("error", err.Error()))
		} else {
			s.temporal = mgr
			remote = mgr
			deps.Temporal = true
			logger.Info("temporal worker started",
				slog.String("host", cfg.TemporalHostPort),
				slog.String("task_queue", cfg.TemporalTaskQueue))
		}
	}
	s.dispatch = temporal.NewDispatcher(svc, remote,
		temporal.WithBreaker(cfg.DispatchBreakerThreshold, time.Duration(cfg.DispatchBreakerCooldownSeconds)*time.Second),
		temporal.WithDispatchMetrics(m),
		temporal.WithDispatchLogger(logger),
	)
	deps.Batches = s.dispatch

	httpapi.MountRoutes(r, deps)

	go s.pruneLoop(time.Hour)

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies the settings that can change without a restart: log level,
// rate limits and trajectory retention.
func (s *Server) Reload(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.SetLevel(cfg.LogLevel)
	s.limiter.SetLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	s.traj.SetRetention(retention(cfg))

	s.cfg.LogLevel = cfg.LogLevel
	s.cfg.RateLimitRPS = cfg.RateLimitRPS
	s.cfg.RateLimitBurst = cfg.RateLimitBurst
	s.cfg.TrajectoryRetentionDays = cfg.TrajectoryRetentionDays

	s.logger.Info("configuration reloaded",
		slog.String("log_level", cfg.LogLevel),
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.Int("trajectory_retention_days", cfg.TrajectoryRetentionDays))
}

// Config returns the active configuration.
func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Server) Close() error {
	close(s.stopPrune)
	s.limiter.Stop()
	s.dispatch.Close()
	if s.temporal != nil {
		s.temporal.Stop()
	}
	var errs []error
	if err := s.traj.Flush(); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shutdownTracing(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) pruneLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPrune:
			return
		case <-ticker.C:
			s.stats.Prune()
			if n := s.idem.Prune(); n > 0 {
				s.logger.Debug("pruned idempotency entries", slog.Int("deleted", n))
			}
			n, err := s.traj.Prune(context.Background())
			if err != nil {
				s.logger.Warn("trajectory prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Info("pruned trajectory points", slog.Int64("deleted", n))
			}
		}
	}
}

func retention(cfg Config) time.Duration {
	return time.Duration(cfg.TrajectoryRetentionDays) * 24 * time.Hour
}
