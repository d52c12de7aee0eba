package temporal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jordanhubbard/tssim/internal/circuitbreaker"
	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/logging"
	"github.com/jordanhubbard/tssim/internal/metrics"
)

// Starter launches a prepared batch on a workflow engine.
type Starter interface {
	StartBatch(ctx context.Context, batchID string) (string, error)
}

// Dispatcher hands async batches to Temporal while the dispatch breaker is
// closed and runs them in-process otherwise. Local runs return an empty
// workflow ID.
type Dispatcher struct {
	svc     *experiment.Service
	remote  Starter
	breaker *circuitbreaker.Breaker
	metrics *metrics.Registry
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	threshold int
	cooldown  time.Duration
	metrics   *metrics.Registry
	logger    *slog.Logger
}

// WithBreaker sets the consecutive start failures that divert batches to
// local execution and how long they stay diverted.
func WithBreaker(threshold int, cooldown time.Duration) DispatchOption {
	return func(o *dispatchOptions) {
		o.threshold = threshold
		o.cooldown = cooldown
	}
}

func WithDispatchMetrics(m *metrics.Registry) DispatchOption {
	return func(o *dispatchOptions) { o.metrics = m }
}

func WithDispatchLogger(l *slog.Logger) DispatchOption {
	return func(o *dispatchOptions) { o.logger = l }
}

// NewDispatcher creates a Dispatcher. A nil remote runs every batch locally.
func NewDispatcher(svc *experiment.Service, remote Starter, opts ...DispatchOption) *Dispatcher {
	o := dispatchOptions{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		svc:     svc,
		remote:  remote,
		metrics: o.metrics,
		logger:  o.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	d.breaker = circuitbreaker.New(
		circuitbreaker.WithThreshold(o.threshold),
		circuitbreaker.WithCooldown(o.cooldown),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			if d.metrics != nil {
				d.metrics.DispatchBreaker.Set(float64(to))
			}
			d.logger.Warn("workflow dispatch breaker changed state",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}),
	)
	return d
}

// StartBatch starts a prepared batch and returns its workflow ID, or "" when
// the batch runs in-process.
func (d *Dispatcher) StartBatch(ctx context.Context, batchID string) (string, error) {
	logger := logging.WithBatch(d.logger, batchID)
	if d.remote != nil {
		var wfID string
		err := d.breaker.Execute(func() error {
			var err error
			wfID, err = d.remote.StartBatch(ctx, batchID)
			return err
		})
		if err == nil {
			d.count("temporal")
			return wfID, nil
		}
		logger.Warn("workflow start failed, running batch locally", slog.String("error", err.Error()))
	}

	rec, err := d.svc.Batch(ctx, batchID)
	if err != nil {
		return "", err
	}
	d.count("local")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.svc.RunPrepared(d.ctx, rec); err != nil {
			logger.Warn("local batch stopped", slog.String("error", err.Error()))
		}
	}()
	return "", nil
}

// Breaker exposes the dispatch breaker state.
func (d *Dispatcher) Breaker() circuitbreaker.State {
	return d.breaker.CurrentState()
}

// Wait blocks until every local batch has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close cancels local batches and waits for them to record their status.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) count(executor string) {
	if d.metrics != nil {
		d.metrics.BatchesDispatched.WithLabelValues(executor).Inc()
	}
}
