package accesslog

import "net/http"

// ResponseRecorder wraps http.ResponseWriter to capture the status and the
// number of body bytes sent.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewResponseRecorder wraps w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (rr *ResponseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// Status returns the recorded status code
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// BytesWritten returns the number of bytes written
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.bytes
}

// WroteHeader reports whether anything has reached the client.
func (rr *ResponseRecorder) WroteHeader() bool {
	return rr.wroteHeader
}
