package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(400, "bad request")
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, 502, "upstream error")

	want := "upstream error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestWithRequestID(t *testing.T) {
	e := ErrUnauthorized.WithRequestID("req-123")

	if e.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want req-123", e.RequestID)
	}
	if ErrUnauthorized.RequestID != "" {
		t.Error("WithRequestID must not mutate the sentinel")
	}
	if ErrUnauthorized.WithRequestID("") != ErrUnauthorized {
		t.Error("empty request id should return the receiver")
	}
}

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name string
		err  *GatewayError
		code int
	}{
		{"not acceptable", ErrNotAcceptable, http.StatusNotAcceptable},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"bad gateway", ErrBadGateway, http.StatusBadGateway},
		{"with request id", ErrBadGateway.WithRequestID("abc"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.err.WriteJSON(rr)

			if rr.Code != tt.code {
				t.Errorf("status = %d, want %d", rr.Code, tt.code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var body GatewayError
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != tt.code || body.Message != tt.err.Message || body.RequestID != tt.err.RequestID {
				t.Errorf("body = %+v, want %+v", body, tt.err)
			}
		})
	}
}

func TestWriteJSONHidesUnderlying(t *testing.T) {
	e := Wrap(fmt.Errorf("token expired"), http.StatusUnauthorized, "Unauthorized")
	rr := httptest.NewRecorder()
	e.WriteJSON(rr)

	if got := rr.Body.String(); got != "{\"code\":401,\"message\":\"Unauthorized\"}\n" {
		t.Errorf("body leaked internals: %q", got)
	}
}

func TestIsGatewayError(t *testing.T) {
	if _, ok := IsGatewayError(ErrBadGateway); !ok {
		t.Error("expected GatewayError to be recognised")
	}
	if _, ok := IsGatewayError(fmt.Errorf("plain")); ok {
		t.Error("plain error must not be recognised")
	}
}
