package idempotency

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Header is the request header carrying the client's key.
const Header = "Idempotency-Key"

// Middleware replays the stored response when a request repeats the
// Idempotency-Key of an earlier successful one on the same method and path.
// Only 2xx responses are stored, so a failed submission can be retried. A
// retry that arrives while the first request is still running gets 409.
// Requests without the header pass through.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(Header)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Method + " " + r.URL.Path + " " + clientKey

			if resp, ok := cache.Get(key); ok {
				replay(w, resp)
				return
			}
			if !cache.Begin(key) {
				// Stored between Get and Begin, or still in flight.
				if resp, ok := cache.Get(key); ok {
					replay(w, resp)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "request with this idempotency key is in progress"})
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() {
				if rec.statusCode < 200 || rec.statusCode > 299 {
					cache.Abort(key)
					return
				}
				cache.Set(key, Response{
					StatusCode: rec.statusCode,
					Header:     w.Header().Clone(),
					Body:       rec.body.Bytes(),
				})
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

func replay(w http.ResponseWriter, resp Response) {
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.Header().Set("Idempotency-Replay", "true")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// responseRecorder copies the status and body while writing through.
type responseRecorder struct {
	http.ResponseWriter
	body        bytes.Buffer
	statusCode  int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
