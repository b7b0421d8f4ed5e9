package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestID(t *testing.T) {
	var seen, inbound string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		inbound = r.Header.Get(RequestIDHeader)
	})

	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if seen == "" {
		t.Fatal("Request ID should be set in context")
	}
	if inbound != seen {
		t.Errorf("inbound header %q != context %q", inbound, seen)
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header = %q", rr.Header().Get(RequestIDHeader))
	}
}

func TestRequestIDTrust(t *testing.T) {
	const existingID = "existing-request-id"

	tests := []struct {
		name  string
		trust bool
		keep  bool
	}{
		{"trusted", true, true},
		{"not trusted", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := RequestIDWithConfig(RequestIDConfig{TrustHeader: tt.trust})
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set(RequestIDHeader, existingID)
			rr := httptest.NewRecorder()
			mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader)
			if (got == existingID) != tt.keep {
				t.Errorf("response id = %q, keep = %v", got, tt.keep)
			}
			if got == "" {
				t.Error("expected an id")
			}
		})
	}
}

func TestRequestIDCustomGenerator(t *testing.T) {
	mw := RequestIDWithConfig(RequestIDConfig{
		Header:    "X-Trace",
		Generator: func() string { return "custom-generated-id" },
	})
	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Header().Get("X-Trace") != "custom-generated-id" {
		t.Errorf("got %q", rr.Header().Get("X-Trace"))
	}
}

func TestRequestIDFromContextEmpty(t *testing.T) {
	if id := RequestIDFromContext(t.Context()); id != "" {
		t.Errorf("expected empty string, got %q", id)
	}
	if id := RequestIDFromContext(WithRequestID(t.Context(), "my-req-id")); id != "my-req-id" {
		t.Errorf("got %q", id)
	}
}
