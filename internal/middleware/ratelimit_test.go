package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterThrottlesPerCaller(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Handler(next)

	send := func(caller string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/applications", nil)
		req = req.WithContext(WithCallerID(req.Context(), caller))
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Burst of 2 passes, the third is throttled.
	if code := send("buyer-1"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send("buyer-1"); code != http.StatusOK {
		t.Fatalf("second request: %d", code)
	}
	if code := send("buyer-1"); code != http.StatusTooManyRequests {
		t.Fatalf("third request should be throttled, got %d", code)
	}

	// Another caller has an independent budget.
	if code := send("buyer-2"); code != http.StatusOK {
		t.Fatalf("other caller throttled: %d", code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.getLimiter("stale")
	rl.limiters["stale"].lastSeen = time.Now().Add(-time.Hour)
	rl.getLimiter("fresh")

	rl.Cleanup(30 * time.Minute)

	if _, ok := rl.limiters["stale"]; ok {
		t.Fatal("stale limiter not cleaned up")
	}
	if _, ok := rl.limiters["fresh"]; !ok {
		t.Fatal("fresh limiter removed")
	}
}
