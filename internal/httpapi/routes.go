package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/tssim/internal/events"
	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/idempotency"
	"github.com/jordanhubbard/tssim/internal/metrics"
	"github.com/jordanhubbard/tssim/internal/stats"
	"github.com/jordanhubbard/tssim/internal/trajectory"
)

// BatchStarter launches a prepared batch on a durable executor and returns
// the execution identifier.
type BatchStarter interface {
	StartBatch(ctx context.Context, batchID string) (string, error)
}

type Dependencies struct {
	Service      *experiment.Service
	Metrics      *metrics.Registry
	Stats        *stats.Collector
	EventBus     *events.Bus
	Trajectories *trajectory.Store

	// Async batch starter (nil disables async batches).
	Batches BatchStarter
	// Temporal reports whether a workflow engine backs Batches.
	Temporal bool

	// Idempotency replays retried submissions (nil = disabled).
	Idempotency *idempotency.Cache

	// Ping reports storage health (nil = always healthy).
	Ping func(ctx context.Context) error
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if d.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"temporal": d.Temporal,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		submit := r
		if d.Idempotency != nil {
			submit = r.With(idempotency.Middleware(d.Idempotency))
		}

		r.Post("/compare", CompareHandler(d))
		submit.Post("/simulate", SimulateHandler(d))

		submit.Post("/batches", BatchCreateHandler(d))
		r.Get("/batches", BatchListHandler(d))
		r.Get("/batches/{id}", BatchGetHandler(d))
		r.Delete("/batches/{id}", BatchDeleteHandler(d))
		r.Get("/batches/{id}/summary", BatchSummaryHandler(d))
		r.Get("/batches/{id}/runs", BatchRunsHandler(d))
		r.Get("/batches/{id}/runs/{universe}", BatchTrajectoryHandler(d))
		r.Get("/batches/{id}/trajectories", BatchTrajectoriesHandler(d))
		r.Get("/batches/{id}/mean", BatchMeanHandler(d))

		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
		if d.Stats != nil {
			r.Get("/stats", StatsHandler(d.Stats))
		}
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Post("/trajectories/prune", TrajectoryPruneHandler(d.Trajectories))
		r.Put("/trajectories/retention", TrajectoryRetentionHandler(d.Trajectories))
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
