package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func batchHandler(calls *atomic.Int64, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	})
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(Header, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	var calls atomic.Int64
	h := Middleware(New(time.Minute, 10))(batchHandler(&calls, http.StatusCreated))

	post(h, "/v1/batches", "")
	post(h, "/v1/batches", "")
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestMiddleware_ReplaysSuccessfulResponse(t *testing.T) {
	var calls atomic.Int64
	h := Middleware(New(time.Minute, 10))(batchHandler(&calls, http.StatusCreated))

	first := post(h, "/v1/batches", "abc")
	second := post(h, "/v1/batches", "abc")

	if calls.Load() != 1 {
		t.Fatalf("expected handler called once, got %d", calls.Load())
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %q vs %q", second.Code, second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotency-Replay") != "true" {
		t.Error("expected Idempotency-Replay header on replay")
	}
	if first.Header().Get("Idempotency-Replay") != "" {
		t.Error("first response must not be marked as replay")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type replayed")
	}
}

func TestMiddleware_KeysAreScopedByPath(t *testing.T) {
	var calls atomic.Int64
	h := Middleware(New(time.Minute, 10))(batchHandler(&calls, http.StatusOK))

	post(h, "/v1/batches", "same")
	post(h, "/v1/simulate", "same")
	if calls.Load() != 2 {
		t.Fatalf("expected separate entries per path, got %d calls", calls.Load())
	}
}

func TestMiddleware_FailuresAreNotStored(t *testing.T) {
	var calls atomic.Int64
	h := Middleware(New(time.Minute, 10))(batchHandler(&calls, http.StatusBadRequest))

	post(h, "/v1/batches", "retry-me")
	rec := post(h, "/v1/batches", "retry-me")
	if calls.Load() != 2 {
		t.Fatalf("failed response should not be replayed, got %d calls", calls.Load())
	}
	if rec.Header().Get("Idempotency-Replay") != "" {
		t.Error("unexpected replay header")
	}
}

func TestMiddleware_ConcurrentRetryConflicts(t *testing.T) {
	c := New(time.Minute, 10)
	release := make(chan struct{})
	entered := make(chan struct{})
	h := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusAccepted)
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	var first *httptest.ResponseRecorder
	go func() {
		defer wg.Done()
		first = post(h, "/v1/batches", "slow")
	}()
	<-entered

	if rec := post(h, "/v1/batches", "slow"); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d", rec.Code)
	}
	close(release)
	wg.Wait()
	if first.Code != http.StatusAccepted {
		t.Fatalf("first request = %d, want 202", first.Code)
	}

	if rec := post(h, "/v1/batches", "slow"); rec.Code != http.StatusAccepted || rec.Header().Get("Idempotency-Replay") != "true" {
		t.Fatalf("expected replayed 202, got %d", rec.Code)
	}
}
