// ABOUTME: Tests for the keyed in-memory rate limiter and uploadRateLimit middleware.
// ABOUTME: Uses package api (not api_test) to access unexported Server fields.
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

func TestKeyedRateLimiter_Allow(t *testing.T) {
	t.Parallel()
	rl := newKeyedRateLimiter(rate.Limit(100), 3, time.Minute)
	for i := 1; i <= 3; i++ {
		if !rl.Allow("127.0.0.1") {
			t.Errorf("request %d: should be allowed (within burst of 3)", i)
		}
	}
	if rl.Allow("127.0.0.1") {
		t.Error("4th request: should be denied (burst of 3 exhausted)")
	}
}

func TestKeyedRateLimiter_SeparateBuckets(t *testing.T) {
	t.Parallel()
	rl := newKeyedRateLimiter(rate.Limit(1), 1, time.Minute)
	if !rl.Allow("user:a") {
		t.Error("user:a first request should be allowed")
	}
	if rl.Allow("user:a") {
		t.Error("user:a second request should be denied")
	}
	if !rl.Allow("user:b") {
		t.Error("user:b first request should be allowed (independent bucket)")
	}
}

func TestUploadRateLimit_Returns429AfterBurst(t *testing.T) {
	t.Parallel()
	srv := &Server{ //nolint:exhaustruct // test: only uploadLimiter needed
		uploadLimiter: newKeyedRateLimiter(rate.Limit(100), 2, time.Minute),
	}
	handler := srv.uploadRateLimit()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL, nil)
		if err != nil {
			t.Fatalf("request %d: new request: %v", i, err)
		}
		resp, err := ts.Client().Do(req) //nolint:gosec // G704 false positive: ts.URL is httptest.Server, not user input
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close() //nolint:errcheck,gosec // G104: body close in test
		wantStatus := http.StatusOK
		if i > 2 {
			wantStatus = http.StatusTooManyRequests
			if ra := resp.Header.Get("Retry-After"); ra == "" {
				t.Error("rate-limited response missing Retry-After header")
			}
		}
		if resp.StatusCode != wantStatus {
			t.Errorf("request %d: got status %d, want %d", i, resp.StatusCode, wantStatus)
		}
	}
}

func TestUploadRateLimit_KeyedByUser(t *testing.T) {
	t.Parallel()
	srv := &Server{ //nolint:exhaustruct // test: only uploadLimiter needed
		uploadLimiter: newKeyedRateLimiter(rate.Limit(1), 1, time.Minute),
	}
	handler := srv.uploadRateLimit()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(user uuid.UUID) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), ctxUserID, user))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	alice, bob := uuid.New(), uuid.New()
	if got := send(alice); got != http.StatusOK {
		t.Errorf("alice first: got %d, want 200", got)
	}
	if got := send(alice); got != http.StatusTooManyRequests {
		t.Errorf("alice second: got %d, want 429", got)
	}
	// Same client IP, different user.
	if got := send(bob); got != http.StatusOK {
		t.Errorf("bob first: got %d, want 200", got)
	}
}
