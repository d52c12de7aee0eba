package httpapi

import (
	"net/http"

	"github.com/jordanhubbard/tssim/internal/experiment"
)

// CompareHandler handles POST /v1/compare.
func CompareHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompareRequest
		if err := decodeJSON(w, r, &req); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := d.Service.Compare(req.A.posterior(), req.B.posterior())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"b_is_better": p})
	}
}

// SimulateHandler handles POST /v1/simulate. The run is not persisted.
func SimulateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SimulateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		run, stats, err := d.Service.Simulate(r.Context(), experiment.SimulateRequest{
			Users:    req.Users,
			ThetaA:   *req.ThetaA,
			ThetaB:   *req.ThetaB,
			Universe: req.Universe,
			Seed:     req.Seed,
			Prior:    req.prior(),
		})
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"summary": run.Summary,
			"prior":   run.Prior,
			"stats":   stats,
			"record":  run.Record(),
		})
	}
}
