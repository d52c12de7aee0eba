package httpapi

import (
	"net/http"

	"github.com/jordanhubbard/tssim/internal/stats"
)

// StatsHandler handles GET /v1/stats. With ?by=batch the windows are split
// per batch.
func StatsHandler(c *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("by") {
		case "":
			global := c.Global()
			if global == nil {
				global = []stats.Aggregate{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"windows": global})
		case "batch":
			writeJSON(w, http.StatusOK, map[string]any{"windows": c.ByBatch()})
		default:
			jsonError(w, "by must be empty or batch", http.StatusBadRequest)
		}
	}
}
