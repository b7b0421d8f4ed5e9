package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is the client-visible error body. It never carries the
// internal failure reason; that only goes to the access log.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors without a request id use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	// ErrNotAcceptable is returned when no route pattern matches the path.
	ErrNotAcceptable = &GatewayError{
		Code:    http.StatusNotAcceptable,
		Message: "Not Acceptable",
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// StatusClientClosedRequest is logged when the client goes away before the
// pipeline finishes. Nothing is written to the connection in that case.
const StatusClientClosedRequest = 499

var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotAcceptable, ErrUnauthorized, ErrBadGateway, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a client-facing code and message.
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithRequestID returns a copy carrying the request id.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	if requestID == "" {
		return e
	}
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
