package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/tssim/internal/analysis"
	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/sim"
	"github.com/jordanhubbard/tssim/internal/store"
	"github.com/jordanhubbard/tssim/internal/trajectory"
)

// BatchCreateHandler handles POST /v1/batches. Synchronous batches answer
// 201 with the final record and statistics; async batches are handed to the
// batch starter and answer 202 immediately.
func BatchCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if err := decodeJSON(w, r, &req); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		breq := experiment.BatchRequest{
			Users:   req.Users,
			Reps:    req.Reps,
			ThetaA:  *req.ThetaA,
			ThetaB:  *req.ThetaB,
			Seed:    req.Seed,
			Workers: req.Workers,
		}

		if req.Async {
			if d.Batches == nil {
				jsonError(w, "async batches are not enabled", http.StatusBadRequest)
				return
			}
			rec, err := d.Service.PrepareBatch(r.Context(), breq)
			if err != nil {
				serviceError(w, err)
				return
			}
			wfID, err := d.Batches.StartBatch(r.Context(), rec.ID)
			if err != nil {
				_, _ = d.Service.FinishBatch(context.WithoutCancel(r.Context()), rec.ID, 0, err)
				jsonError(w, "start workflow: "+err.Error(), http.StatusBadGateway)
				return
			}
			if wfID != "" {
				if err := d.Service.AttachWorkflow(r.Context(), rec.ID, wfID); err != nil {
					serviceError(w, err)
					return
				}
				rec.WorkflowID = wfID
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"batch": rec})
			return
		}

		out, err := d.Service.RunBatch(r.Context(), breq)
		if err != nil {
			var be *sim.BatchError
			if !errors.As(err, &be) {
				serviceError(w, err)
				return
			}
			// The batch ran partially: report what completed.
			writeJSON(w, statusFor(err), map[string]any{
				"error": err.Error(),
				"batch": out.Batch,
				"stats": out.Stats,
			})
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

// BatchListHandler handles GET /v1/batches?limit=50&offset=0.
func BatchListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r, "limit", 50)
		if err != nil || limit <= 0 || limit > 500 {
			jsonError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		offset, err := intParam(r, "offset", 0)
		if err != nil || offset < 0 {
			jsonError(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}
		batches, err := d.Service.Batches(r.Context(), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		if batches == nil {
			batches = []store.BatchRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
	}
}

// BatchGetHandler handles GET /v1/batches/{id}.
func BatchGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := d.Service.Batch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// BatchDeleteHandler handles DELETE /v1/batches/{id}.
func BatchDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Service.DeleteBatch(r.Context(), chi.URLParam(r, "id")); err != nil {
			serviceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// BatchSummaryHandler handles GET /v1/batches/{id}/summary.
func BatchSummaryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := d.Service.Summary(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// BatchRunsHandler handles GET /v1/batches/{id}/runs.
func BatchRunsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := d.Service.Runs(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		if runs == nil {
			runs = []analysis.RunStats{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

// BatchTrajectoriesHandler handles GET /v1/batches/{id}/trajectories.
func BatchTrajectoriesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		universes, err := d.Service.TrajectoryUniverses(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		if universes == nil {
			universes = []int{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"universes": universes})
	}
}

// BatchTrajectoryHandler handles GET /v1/batches/{id}/runs/{universe} and
// returns the column-oriented record of that universe.
func BatchTrajectoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		universe, err := strconv.Atoi(chi.URLParam(r, "universe"))
		if err != nil || universe < 1 {
			jsonError(w, "universe must be a positive integer", http.StatusBadRequest)
			return
		}
		rec, err := d.Service.Trajectory(r.Context(), chi.URLParam(r, "id"), universe)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// BatchMeanHandler handles GET /v1/batches/{id}/mean?field=b_is_better&step=10.
func BatchMeanHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		field := r.URL.Query().Get("field")
		if field == "" {
			field = "b_is_better"
		}
		step, err := intParam(r, "step", 1)
		if err != nil || step < 1 {
			jsonError(w, "step must be a positive integer", http.StatusBadRequest)
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := d.Service.Batch(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}
		points, err := d.Service.Mean(r.Context(), id, field, step)
		if err != nil {
			serviceError(w, err)
			return
		}
		if points == nil {
			points = []trajectory.DataPt{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"field":  field,
			"step":   step,
			"points": points,
		})
	}
}

// TrajectoryPruneHandler handles POST /admin/v1/trajectories/prune.
func TrajectoryPruneHandler(ts *trajectory.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			writeJSON(w, http.StatusOK, map[string]any{"deleted": 0})
			return
		}
		deleted, err := ts.Prune(r.Context())
		if err != nil {
			jsonError(w, "prune error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	}
}

// TrajectoryRetentionHandler handles PUT /admin/v1/trajectories/retention
// with body {"days": 7}.
func TrajectoryRetentionHandler(ts *trajectory.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			jsonError(w, "trajectory store not configured", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Days int `json:"days" validate:"required,gt=0,lte=3650"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts.SetRetention(time.Duration(req.Days) * 24 * time.Hour)
		writeJSON(w, http.StatusOK, map[string]any{"retention_days": req.Days})
	}
}
