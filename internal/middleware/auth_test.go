package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthRejectsBadTokens(t *testing.T) {
	var gotCaller string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = CallerID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Auth([]string{"secret-token"}, nil)(next)

	// Missing token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/applications", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}

	// Wrong token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/applications", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", rec.Code)
	}

	// Valid token carries the caller identity through.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/applications", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Caller-ID", "buyer-1")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status %d", rec.Code)
	}
	if gotCaller != "buyer-1" {
		t.Fatalf("caller id = %q", gotCaller)
	}
}

func TestAuthSkipsHealthAndMetrics(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Auth([]string{"secret-token"}, nil)(next)

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
	}
}

func TestCallerIDDefaultsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := CallerID(req.Context()); got != "" {
		t.Fatalf("caller id on bare context = %q", got)
	}
}
