package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jordanhubbard/tssim/internal/beta"
	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/trajectory"
)

// jsonError writes a JSON error response: {"error": msg}.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, experiment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, beta.ErrInvalidParameter),
		errors.Is(err, experiment.ErrLimitExceeded),
		errors.Is(err, trajectory.ErrUnknownField):
		return http.StatusBadRequest
	case errors.Is(err, beta.ErrNumericInstability):
		return http.StatusUnprocessableEntity
	case errors.Is(err, experiment.ErrNoStore),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func serviceError(w http.ResponseWriter, err error) {
	jsonError(w, err.Error(), statusFor(err))
}

// intParam parses an integer query parameter, returning def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}
