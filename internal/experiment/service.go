// Package experiment runs simulations on behalf of the HTTP API, the Temporal
// worker and the CLI. It ties the simulator to persistence, metrics, events
// and tracing.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/tssim/internal/analysis"
	"github.com/jordanhubbard/tssim/internal/beta"
	"github.com/jordanhubbard/tssim/internal/events"
	"github.com/jordanhubbard/tssim/internal/logging"
	"github.com/jordanhubbard/tssim/internal/metrics"
	"github.com/jordanhubbard/tssim/internal/sim"
	"github.com/jordanhubbard/tssim/internal/stats"
	"github.com/jordanhubbard/tssim/internal/store"
	"github.com/jordanhubbard/tssim/internal/tracing"
	"github.com/jordanhubbard/tssim/internal/trajectory"
)

var (
	// ErrNotFound is returned when a batch or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLimitExceeded is returned when a request exceeds configured limits.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrNoStore is returned by operations that need persistence.
	ErrNoStore = errors.New("no store configured")
)

// Config bounds and defaults simulation requests.
type Config struct {
	Seed                 uint64
	Workers              int
	MaxUsers             int // 0 = unlimited
	MaxReps              int // 0 = unlimited
	MaxAlphaB            int // 0 = beta.MaxAlphaB
	ConvergenceThreshold float64
	StoreTrajectories    bool
}

// Service runs simulations and records their outcomes.
type Service struct {
	cfg     Config
	store   store.Store
	traj    *trajectory.Store
	metrics *metrics.Registry
	stats   *stats.Collector
	bus     *events.Bus
	logger  *slog.Logger
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

func WithStore(s store.Store) Option { return func(svc *Service) { svc.store = s } }
func WithTrajectories(t *trajectory.Store) Option { return func(svc *Service) { svc.traj = t } }
func WithMetrics(m *metrics.Registry) Option { return func(svc *Service) { svc.metrics = m } }
func WithStats(c *stats.Collector) Option { return func(svc *Service) { svc.stats = c } }
func WithEvents(b *events.Bus) Option { return func(svc *Service) { svc.bus = b } }
func WithLogger(l *slog.Logger) Option { return func(svc *Service) { svc.logger = l } }
func WithIDGenerator(f func() string) Option { return func(svc *Service) { svc.newID = f } }

// New creates a Service. Every dependency is optional; a Service without a
// store can still compare and simulate.
func New(cfg Config, opts ...Option) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ConvergenceThreshold <= 0 || cfg.ConvergenceThreshold >= 1 {
		cfg.ConvergenceThreshold = analysis.DefaultConvergenceThreshold
	}
	svc := &Service{
		cfg:    cfg,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(svc)
	}
	return svc
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Compare returns P(X_B > X_A) for two posteriors.
func (s *Service) Compare(a, b beta.Posterior) (float64, error) {
	if err := s.checkAlphaB(b.Alpha); err != nil {
		return 0, err
	}
	return beta.Compare(a, b)
}

// SimulateRequest describes one universe.
type SimulateRequest struct {
	Users    int
	ThetaA   float64
	ThetaB   float64
	Universe int     // defaults to 1
	Seed     *uint64 // defaults to Config.Seed
	Prior    sim.ArmState
}

// Simulate runs a single universe without persisting it.
func (s *Service) Simulate(ctx context.Context, req SimulateRequest) (sim.Run, analysis.RunStats, error) {
	if err := s.checkLimits(req.Users, 1); err != nil {
		return sim.Run{}, analysis.RunStats{}, err
	}
	// alpha_b grows by at most one per user.
	priorAlphaB := req.Prior.B.Alpha
	if req.Prior == (sim.ArmState{}) {
		priorAlphaB = beta.Uniform().Alpha
	}
	if err := s.checkAlphaB(priorAlphaB + float64(req.Users)); err != nil {
		return sim.Run{}, analysis.RunStats{}, err
	}
	if req.Universe <= 0 {
		req.Universe = 1
	}
	seed := s.seed(req.Seed)

	start := time.Now()
	run, err := sim.Simulate(ctx, sim.Params{
		Users:    req.Users,
		ThetaA:   req.ThetaA,
		ThetaB:   req.ThetaB,
		Universe: req.Universe,
		Prior:    req.Prior,
	}, sim.PCGFactory(seed)(req.Universe))
	end := time.Now()
	tracing.RecordRun(ctx, req.Universe, req.Users, start, end, err)
	s.observeRun("", run, end.Sub(start), err)
	if err != nil {
		return sim.Run{}, analysis.RunStats{}, err
	}
	return run, analysis.SummarizeWithThreshold(run, s.cfg.ConvergenceThreshold), nil
}

// BatchRequest describes a batch of universes.
type BatchRequest struct {
	ID      string // generated when empty
	Users   int
	Reps    int
	ThetaA  float64
	ThetaB  float64
	Seed    *uint64
	Workers int // defaults to Config.Workers
}

// BatchOutcome is the result of RunBatch. On failure Result holds the runs
// completed before the failing universe.
type BatchOutcome struct {
	Batch  store.BatchRecord   `json:"batch"`
	Stats  analysis.BatchStats `json:"stats"`
	Result sim.BatchResult     `json:"-"`
}

// PrepareBatch validates req and records the batch as running. Workflows call
// RunUniverse and FinishBatch against the returned record.
func (s *Service) PrepareBatch(ctx context.Context, req BatchRequest) (store.BatchRecord, error) {
	if err := s.checkLimits(req.Users, req.Reps); err != nil {
		return store.BatchRecord{}, err
	}
	params := sim.BatchParams{Users: req.Users, Reps: req.Reps, ThetaA: req.ThetaA, ThetaB: req.ThetaB}
	if err := params.Validate(); err != nil {
		return store.BatchRecord{}, err
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	workers := req.Workers
	if workers < 1 {
		workers = s.cfg.Workers
	}
	rec := store.BatchRecord{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Users:     req.Users,
		Reps:      req.Reps,
		ThetaA:    req.ThetaA,
		ThetaB:    req.ThetaB,
		Seed:      s.seed(req.Seed),
		Workers:   workers,
		Status:    store.StatusRunning,
	}
	rec.UpdatedAt = rec.CreatedAt
	if s.store != nil {
		if err := s.store.CreateBatch(ctx, rec); err != nil {
			return store.BatchRecord{}, err
		}
	}
	s.publish(events.Event{
		Type:    events.EventBatchStarted,
		BatchID: id,
		Users:   req.Users,
		Reps:    req.Reps,
		ThetaA:  req.ThetaA,
		ThetaB:  req.ThetaB,
	})
	logging.WithBatch(s.logger, id).Info("batch started",
		slog.Int("users", req.Users),
		slog.Int("reps", req.Reps),
		slog.Float64("theta_a", req.ThetaA),
		slog.Float64("theta_b", req.ThetaB),
		slog.Int("workers", workers))
	return rec, nil
}

// RunBatch runs every universe of a batch in-process and persists the
// outcome.
func (s *Service) RunBatch(ctx context.Context, req BatchRequest) (BatchOutcome, error) {
	rec, err := s.PrepareBatch(ctx, req)
	if err != nil {
		return BatchOutcome{}, err
	}
	return s.RunPrepared(ctx, rec)
}

// RunPrepared runs a batch recorded by PrepareBatch in-process and records
// its final status.
func (s *Service) RunPrepared(ctx context.Context, rec store.BatchRecord) (BatchOutcome, error) {
	logger := logging.WithBatch(s.logger, rec.ID)

	ctx, span := tracing.StartBatch(ctx, rec.ID, rec.Users, rec.Reps, rec.ThetaA, rec.ThetaB)

	// A run that cannot be stored stops the batch like a failed universe.
	runCtx, stopRuns := context.WithCancel(ctx)
	defer stopRuns()

	var (
		mu              sync.Mutex
		persistErr      error
		persistUniverse int
	)
	observer := func(universe int, run sim.Run, elapsed time.Duration, runErr error) {
		end := time.Now()
		tracing.RecordRun(ctx, universe, rec.Users, end.Add(-elapsed), end, runErr)
		s.observeRun(rec.ID, run, elapsed, runErr)
		if runErr != nil {
			return
		}
		if _, err := s.recordRun(ctx, rec.ID, run, elapsed); err != nil {
			mu.Lock()
			if persistErr == nil || universe < persistUniverse {
				persistErr, persistUniverse = err, universe
			}
			mu.Unlock()
			stopRuns()
		}
	}

	runner := sim.NewRunner(
		sim.WithSources(sim.PCGFactory(rec.Seed)),
		sim.WithWorkers(rec.Workers),
		sim.WithProgress(s.progressFor(rec.ID)),
		sim.WithObserver(observer),
		sim.WithLogger(logger),
	)
	result, runErr := runner.SimulateMany(runCtx, sim.BatchParams{
		Users: rec.Users, Reps: rec.Reps, ThetaA: rec.ThetaA, ThetaB: rec.ThetaB,
	})
	mu.Lock()
	if persistErr != nil {
		// Replaces the cancellation it caused. Runs from the unsaved
		// universe on are not part of the result.
		if n := persistUniverse - 1; len(result.Runs) > n {
			result.Runs = result.Runs[:n]
		}
		runErr = &sim.BatchError{
			Universe:  persistUniverse,
			Completed: result.Runs,
			Err:       fmt.Errorf("persist runs: %w", persistErr),
		}
	}
	mu.Unlock()
	if s.traj != nil {
		if err := s.traj.Flush(); err != nil && runErr == nil {
			runErr = fmt.Errorf("flush trajectories: %w", err)
		}
	}
	tracing.End(span, runErr)

	// Status updates outlive a cancelled request context.
	finishCtx := context.WithoutCancel(ctx)
	final, err := s.FinishBatch(finishCtx, rec.ID, len(result.Runs), runErr)
	switch {
	case err != nil:
		logger.Error("failed to record batch status", slog.String("error", err.Error()))
		final = rec
	case s.store == nil:
		rec.Status, rec.CompletedRuns, rec.Error = final.Status, final.CompletedRuns, final.Error
		final = rec
	}

	outcome := BatchOutcome{
		Batch:  final,
		Stats:  analysis.SummarizeBatchWithThreshold(result, s.cfg.ConvergenceThreshold),
		Result: result,
	}
	return outcome, runErr
}

// RunUniverse simulates and records one universe of a prepared batch. The
// result is identical to the same universe run by RunBatch.
func (s *Service) RunUniverse(ctx context.Context, batchID string, universe int) (analysis.RunStats, error) {
	rec, err := s.Batch(ctx, batchID)
	if err != nil {
		return analysis.RunStats{}, err
	}
	if universe < 1 || universe > rec.Reps {
		return analysis.RunStats{}, fmt.Errorf("%w: universe %d outside 1..%d", sim.ErrInvalidParameter, universe, rec.Reps)
	}

	start := time.Now()
	run, err := sim.Simulate(ctx, sim.Params{
		Users: rec.Users, ThetaA: rec.ThetaA, ThetaB: rec.ThetaB, Universe: universe,
	}, sim.PCGFactory(rec.Seed)(universe))
	end := time.Now()
	tracing.RecordRun(ctx, universe, rec.Users, start, end, err)
	s.observeRun(batchID, run, end.Sub(start), err)
	if err != nil {
		return analysis.RunStats{}, err
	}

	rs, err := s.recordRun(ctx, batchID, run, end.Sub(start))
	if err != nil {
		return analysis.RunStats{}, err
	}
	if s.traj != nil {
		if err := s.traj.Flush(); err != nil {
			return analysis.RunStats{}, err
		}
	}
	return rs, nil
}

// ReportProgress publishes batch progress on every configured sink.
func (s *Service) ReportProgress(batchID string, fraction float64) {
	s.progressFor(batchID).ReportProgress(fraction)
}

// FinishBatch records the final status of a batch. A nil runErr completes
// it; a cancelled context cancels it; anything else fails it.
func (s *Service) FinishBatch(ctx context.Context, batchID string, completed int, runErr error) (store.BatchRecord, error) {
	status := store.StatusCompleted
	msg := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status = store.StatusCancelled
		msg = runErr.Error()
	default:
		status = store.StatusFailed
		msg = runErr.Error()
	}

	logger := logging.WithBatch(s.logger, batchID)
	if runErr != nil {
		logger.Warn("batch stopped",
			slog.String("status", string(status)),
			slog.Int("completed_runs", completed),
			slog.String("error", msg))
		s.publish(events.Event{Type: events.EventBatchFailed, BatchID: batchID, CompletedRuns: completed, ErrorMsg: msg})
	} else {
		logger.Info("batch completed", slog.Int("completed_runs", completed))
		s.publish(events.Event{Type: events.EventBatchCompleted, BatchID: batchID, CompletedRuns: completed, Progress: 1})
	}
	if s.metrics != nil {
		s.metrics.FinishBatch(batchID, string(status))
	}

	if s.store == nil {
		return store.BatchRecord{ID: batchID, Status: status, CompletedRuns: completed, Error: msg}, nil
	}
	if err := s.store.UpdateBatchStatus(ctx, batchID, status, completed, msg); err != nil {
		return store.BatchRecord{}, err
	}
	rec, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return store.BatchRecord{}, err
	}
	if rec == nil {
		return store.BatchRecord{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return *rec, nil
}

// AttachWorkflow records the workflow that runs a batch.
func (s *Service) AttachWorkflow(ctx context.Context, batchID, workflowID string) error {
	if s.store == nil {
		return ErrNoStore
	}
	return s.store.SetWorkflowID(ctx, batchID, workflowID)
}

// recordRun persists one finished universe and announces it.
func (s *Service) recordRun(ctx context.Context, batchID string, run sim.Run, elapsed time.Duration) (analysis.RunStats, error) {
	rs := analysis.SummarizeWithThreshold(run, s.cfg.ConvergenceThreshold)
	if s.store != nil {
		if err := s.store.SaveRun(ctx, RunRecord(batchID, run.Summary, rs)); err != nil {
			return rs, err
		}
	}
	if s.traj != nil && s.cfg.StoreTrajectories {
		if err := s.traj.WriteRun(batchID, run); err != nil {
			return rs, err
		}
	}
	s.publish(events.Event{
		Type:           events.EventRunCompleted,
		BatchID:        batchID,
		Universe:       rs.Universe,
		Regret:         rs.Regret,
		FinalBIsBetter: rs.FinalBIsBetter,
		DurationMs:     float64(elapsed.Microseconds()) / 1000,
	})
	return rs, nil
}

func (s *Service) observeRun(batchID string, run sim.Run, elapsed time.Duration, err error) {
	if s.metrics == nil && s.stats == nil {
		return
	}
	var usersA, usersB int
	for _, st := range run.Trajectory {
		if st.Arm == sim.ArmB {
			usersB++
		} else {
			usersA++
		}
	}
	ms := float64(elapsed.Microseconds()) / 1000
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.ObserveRun(status, usersA, usersB, ms)
	}
	if s.stats != nil {
		s.stats.Record(stats.Snapshot{
			BatchID:    batchID,
			Users:      usersA + usersB,
			UsersB:     usersB,
			DurationMs: ms,
			Success:    err == nil,
		})
	}
}

func (s *Service) progressFor(batchID string) sim.ProgressReporter {
	logger := logging.WithBatch(s.logger, batchID)
	return sim.ProgressFunc(func(fraction float64) {
		s.publish(events.Event{Type: events.EventBatchProgress, BatchID: batchID, Progress: fraction})
		if s.metrics != nil {
			s.metrics.BatchProgress.WithLabelValues(batchID).Set(fraction)
		}
		logger.Debug("batch progress", slog.Float64("progress", fraction))
	})
}

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func (s *Service) seed(override *uint64) uint64 {
	if override != nil {
		return *override
	}
	return s.cfg.Seed
}

func (s *Service) checkLimits(users, reps int) error {
	if s.cfg.MaxUsers > 0 && users > s.cfg.MaxUsers {
		return fmt.Errorf("%w: users %d > %d", ErrLimitExceeded, users, s.cfg.MaxUsers)
	}
	if s.cfg.MaxReps > 0 && reps > s.cfg.MaxReps {
		return fmt.Errorf("%w: reps %d > %d", ErrLimitExceeded, reps, s.cfg.MaxReps)
	}
	return nil
}

func (s *Service) checkAlphaB(alphaB float64) error {
	if s.cfg.MaxAlphaB > 0 && alphaB > float64(s.cfg.MaxAlphaB) {
		return fmt.Errorf("%w: alpha_b %v > %d", ErrLimitExceeded, alphaB, s.cfg.MaxAlphaB)
	}
	return nil
}
