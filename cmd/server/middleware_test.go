package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func TestTraceMiddlewareAssignsRequestID(t *testing.T) {
	var seen string
	h := traceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/1", nil))

	if seen == "" {
		t.Error("no request id in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("echoed id %q, context id %q", got, seen)
	}
}

func TestTraceMiddlewarePreservesCallerID(t *testing.T) {
	h := traceMiddleware(okHandler())

	req := httptest.NewRequest("GET", "/jobs/1", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "caller-supplied" {
		t.Errorf("request id = %q, want caller-supplied", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := authMiddleware("secret", okHandler())

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"missing key", "GET", "/jobs/1", "", http.StatusUnauthorized},
		{"wrong key", "GET", "/jobs/1", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "GET", "/jobs/1", "Bearer secret", http.StatusOK},
		{"health exempt", "GET", "/health", "", http.StatusOK},
		{"preflight exempt", "OPTIONS", "/jobs/1", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddlewareRejectionEnvelope(t *testing.T) {
	h := authMiddleware("secret", okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/1", nil))

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding rejection body: %v", err)
	}
	if body["error"] != "unauthorized" {
		t.Errorf("error envelope = %v", body)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/1", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding panic body: %v", err)
	}
	if body["error"] != "internal server error" {
		t.Errorf("error envelope = %v", body)
	}
}

func TestResponseWriterCountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusAccepted)
	if _, err := rw.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if rw.status != http.StatusAccepted {
		t.Errorf("status = %d", rw.status)
	}
	if rw.bytes != 5 {
		t.Errorf("bytes = %d, want 5", rw.bytes)
	}
}
