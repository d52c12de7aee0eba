package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultProgressEvery = 10

// ProgressReporter receives coarse batch progress as the fraction of
// repetitions dispatched, in [0, 1) and non-decreasing.
type ProgressReporter interface {
	ReportProgress(fraction float64)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(fraction float64)

func (f ProgressFunc) ReportProgress(fraction float64) { f(fraction) }

// RunObserver is called once per finished universe, successful or not, from
// the goroutine that simulated it.
type RunObserver func(universe int, run Run, elapsed time.Duration, err error)

// BatchParams configures SimulateMany. Every universe starts from uniform
// priors.
type BatchParams struct {
	Users  int
	Reps   int
	ThetaA float64
	ThetaB float64
}

// Validate checks BatchParams before any universe runs.
func (p BatchParams) Validate() error {
	if p.Reps <= 0 {
		return fmt.Errorf("%w: reps must be > 0, got %d", ErrInvalidParameter, p.Reps)
	}
	return p.universe(1).Validate()
}

func (p BatchParams) universe(u int) Params {
	return Params{
		Users:    p.Users,
		ThetaA:   p.ThetaA,
		ThetaB:   p.ThetaB,
		Universe: u,
		Prior:    DefaultArmState(),
	}
}

// BatchResult holds runs ordered by universe, starting at 1.
type BatchResult struct {
	Runs []Run `json:"runs"`
}

// Records returns the column-oriented form of every run.
func (b BatchResult) Records() []Record {
	out := make([]Record, len(b.Runs))
	for i, r := range b.Runs {
		out[i] = r.Record()
	}
	return out
}

// BatchError reports the universe that stopped a batch together with the
// runs that completed before it, in universe order.
type BatchError struct {
	Universe  int
	Completed []Run
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted at universe %d (%d runs completed): %v", e.Universe, len(e.Completed), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Runner repeats Simulate over independent universes.
type Runner struct {
	sources       SourceFactory
	progress      ProgressReporter
	progressEvery int
	workers       int
	observer      RunObserver
	logger        *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithSources sets the per-universe random stream factory.
func WithSources(f SourceFactory) Option {
	return func(r *Runner) { r.sources = f }
}

// WithProgress sets the progress sink.
func WithProgress(p ProgressReporter) Option {
	return func(r *Runner) { r.progress = p }
}

// WithProgressEvery changes the reporting cadence (default every 10th
// repetition).
func WithProgressEvery(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.progressEvery = n
		}
	}
}

// WithWorkers runs up to n universes concurrently. n <= 1 keeps the batch
// sequential.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithObserver sets a callback invoked after every universe.
func WithObserver(o RunObserver) Option {
	return func(r *Runner) { r.observer = o }
}

// WithLogger sets the logger used for per-universe debug output.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner. Without WithSources it seeds PCG streams from
// seed 0.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		sources:       PCGFactory(0),
		progressEvery: defaultProgressEvery,
		workers:       1,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// SimulateMany runs params.Reps universes numbered 1..Reps. On failure it
// returns the completed prefix both in the BatchResult and inside the
// *BatchError.
func (r *Runner) SimulateMany(ctx context.Context, params BatchParams) (BatchResult, error) {
	if err := params.Validate(); err != nil {
		return BatchResult{}, err
	}
	if r.workers > 1 {
		return r.simulateConcurrent(ctx, params)
	}

	runs := make([]Run, 0, params.Reps)
	for i := 0; i < params.Reps; i++ {
		r.report(i, params.Reps)
		universe := i + 1
		run, err := r.runUniverse(ctx, params, universe)
		if err != nil {
			return BatchResult{Runs: runs}, &BatchError{Universe: universe, Completed: runs, Err: err}
		}
		runs = append(runs, run)
	}
	return BatchResult{Runs: runs}, nil
}

type universeError struct {
	universe int
	err      error
}

func (e *universeError) Error() string { return e.err.Error() }
func (e *universeError) Unwrap() error { return e.err }

func (r *Runner) simulateConcurrent(ctx context.Context, params BatchParams) (BatchResult, error) {
	results := make([]Run, params.Reps)
	done := make([]bool, params.Reps)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i := 0; i < params.Reps; i++ {
		if gctx.Err() != nil {
			break
		}
		r.report(i, params.Reps)
		i := i
		g.Go(func() error {
			universe := i + 1
			run, err := r.runUniverse(gctx, params, universe)
			if err != nil {
				return &universeError{universe: universe, err: err}
			}
			results[i] = run
			done[i] = true
			return nil
		})
	}
	err := g.Wait()

	completed := make([]Run, 0, params.Reps)
	for i := range results {
		if !done[i] {
			break
		}
		completed = append(completed, results[i])
	}
	if err == nil && len(completed) < params.Reps {
		err = &universeError{universe: len(completed) + 1, err: ctx.Err()}
	}
	if err != nil {
		universe := len(completed) + 1
		var ue *universeError
		if errors.As(err, &ue) {
			universe = ue.universe
			err = ue.err
		}
		return BatchResult{Runs: completed}, &BatchError{Universe: universe, Completed: completed, Err: err}
	}
	return BatchResult{Runs: completed}, nil
}

func (r *Runner) runUniverse(ctx context.Context, params BatchParams, universe int) (Run, error) {
	start := time.Now()
	run, err := Simulate(ctx, params.universe(universe), r.sources(universe))
	elapsed := time.Since(start)
	if r.observer != nil {
		r.observer(universe, run, elapsed, err)
	}
	if err != nil {
		return Run{}, err
	}
	r.logger.Debug("universe completed",
		slog.Int("universe", universe),
		slog.Int("users", params.Users),
		slog.Duration("elapsed", elapsed))
	return run, nil
}

func (r *Runner) report(i, reps int) {
	if r.progress != nil && i%r.progressEvery == 0 {
		r.progress.ReportProgress(float64(i) / float64(reps))
	}
}
