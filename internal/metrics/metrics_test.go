package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RunsTotal == nil || r.UsersTotal == nil || r.RunDuration == nil ||
		r.BatchProgress == nil || r.BatchesTotal == nil || r.RateLimited == nil ||
		r.BatchesDispatched == nil || r.DispatchBreaker == nil {
		t.Fatal("expected every collector to be initialised")
	}
}

func TestObserveRun(t *testing.T) {
	r := New()
	r.ObserveRun("ok", 30, 70, 1.5)
	r.ObserveRun("ok", 0, 10, 0.7)
	r.ObserveRun("error", 0, 0, 0.1)

	if got := testutil.ToFloat64(r.RunsTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok runs, got %v", got)
	}
	if got := testutil.ToFloat64(r.RunsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 error run, got %v", got)
	}
	if got := testutil.ToFloat64(r.UsersTotal.WithLabelValues("A")); got != 30 {
		t.Errorf("expected 30 users on A, got %v", got)
	}
	if got := testutil.ToFloat64(r.UsersTotal.WithLabelValues("B")); got != 80 {
		t.Errorf("expected 80 users on B, got %v", got)
	}
}

func TestFinishBatchDropsProgress(t *testing.T) {
	r := New()
	r.BatchProgress.WithLabelValues("b1").Set(0.5)
	if n := testutil.CollectAndCount(r.BatchProgress); n != 1 {
		t.Fatalf("expected 1 progress series, got %d", n)
	}
	r.FinishBatch("b1", "completed")
	if n := testutil.CollectAndCount(r.BatchProgress); n != 0 {
		t.Errorf("expected progress series removed, got %d", n)
	}
	if got := testutil.ToFloat64(r.BatchesTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("expected 1 completed batch, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RateLimited.Inc()
	r.ObserveRun("ok", 1, 1, 2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		"tssim_runs_total",
		"tssim_users_total",
		"tssim_run_duration_ms",
		"tssim_rate_limited_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in exposition", name)
		}
	}
}
