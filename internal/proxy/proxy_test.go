package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wudi/gatekeeper/config"
	"github.com/wudi/gatekeeper/internal/pipeline"
)

// spyWriter records whether anything reached the client.
type spyWriter struct {
	header      http.Header
	wroteHeader bool
	status      int
	body        bytes.Buffer
}

func newSpyWriter() *spyWriter { return &spyWriter{header: http.Header{}} }

func (s *spyWriter) Header() http.Header { return s.header }
func (s *spyWriter) WriteHeader(code int) {
	s.wroteHeader = true
	s.status = code
}
func (s *spyWriter) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.body.Write(b)
}

func newForwarder(t *testing.T, upstream string) *Forwarder {
	t.Helper()
	f, err := New(Config{UpstreamURL: upstream})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func forward(t *testing.T, f *Forwarder, r *http.Request, w http.ResponseWriter) error {
	t.Helper()
	rc := pipeline.NewRequestContext(r.Method, r.Header, nil, r.URL.Query())
	return f.Forward(r.Context(), rc, r, w)
}

func TestForwardRoundTrip(t *testing.T) {
	chunks := []string{"first chunk|", strings.Repeat("x", 70000), "|last"}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.Header().Set("Set-Cookie", "session=1")
		w.WriteHeader(http.StatusTeapot)
		for _, c := range chunks {
			io.WriteString(w, c)
			w.(http.Flusher).Flush()
		}
	}))
	defer backend.Close()

	f := newForwarder(t, backend.URL)
	req := httptest.NewRequest(http.MethodGet, "/blog?page=2", nil)
	rr := httptest.NewRecorder()

	if err := forward(t, f, req, rr); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTeapot)
	}
	if got := rr.Header()["X-Multi"]; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("X-Multi = %v", got)
	}
	if got := rr.Header().Get("Set-Cookie"); got != "session=1" {
		t.Errorf("Set-Cookie = %q", got)
	}
	if got := rr.Body.String(); got != strings.Join(chunks, "") {
		t.Errorf("body mismatch: got %d bytes", len(got))
	}
}

func TestForwardCompressedBodyUntouched(t *testing.T) {
	raw := []byte{0x1f, 0x8b, 0x08, 0x00, 0x01, 0x02, 0x03}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(raw)
	}))
	defer backend.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	if err := forward(t, newForwarder(t, backend.URL), req, rr); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !bytes.Equal(rr.Body.Bytes(), raw) {
		t.Errorf("body = %v, want %v", rr.Body.Bytes(), raw)
	}
	if rr.Header().Get("Content-Encoding") != "gzip" {
		t.Error("Content-Encoding not preserved")
	}
}

func TestForwardRequestShape(t *testing.T) {
	var got struct {
		method, path, query, host, ua, auth, custom string
		contentLength                               int64
		body                                        string
		transferEncoding                            []string
	}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.host = r.Host
		got.ua = r.Header.Get("User-Agent")
		got.auth = r.Header.Get("Authorization")
		got.custom = r.Header.Get("X-Custom")
		got.contentLength = r.ContentLength
		got.transferEncoding = r.TransferEncoding
		got.body = string(b)
	}))
	defer backend.Close()

	upstream, _ := url.Parse(backend.URL)
	f := newForwarder(t, backend.URL+"/base")

	payload := `{"title":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "http://gateway.local/posts/42?draft=true", io.NopCloser(strings.NewReader(payload)))
	req.ContentLength = -1
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Transfer-Encoding", "chunked")

	if err := forward(t, f, req, httptest.NewRecorder()); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got.method != http.MethodPost {
		t.Errorf("method = %q", got.method)
	}
	if got.path != "/base/posts/42" || got.query != "draft=true" {
		t.Errorf("url = %q?%q", got.path, got.query)
	}
	if got.host != upstream.Host {
		t.Errorf("host = %q, want %q", got.host, upstream.Host)
	}
	if got.ua != "" {
		t.Errorf("unexpected default User-Agent %q", got.ua)
	}
	if got.auth != "Bearer abc" || got.custom != "kept" {
		t.Errorf("headers not copied: auth=%q custom=%q", got.auth, got.custom)
	}
	if got.contentLength != int64(len(payload)) || len(got.transferEncoding) != 0 {
		t.Errorf("content-length = %d, transfer-encoding = %v", got.contentLength, got.transferEncoding)
	}
	if got.body != payload {
		t.Errorf("body = %q", got.body)
	}
}

func TestForwardEmptyBodyContentLength(t *testing.T) {
	seen := map[string][]string{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.Method] = r.Header.Values("Content-Length")
	}))
	defer backend.Close()

	f := newForwarder(t, backend.URL)
	tests := []struct {
		method string
		want   []string
	}{
		{http.MethodGet, nil},
		{http.MethodHead, nil},
		{http.MethodDelete, []string{"0"}},
		{http.MethodPost, []string{"0"}},
		{http.MethodOptions, []string{"0"}},
	}
	for _, tt := range tests {
		if err := forward(t, f, httptest.NewRequest(tt.method, "/", nil), httptest.NewRecorder()); err != nil {
			t.Fatalf("%s: %v", tt.method, err)
		}
		got := seen[tt.method]
		if len(got) != len(tt.want) || (len(got) == 1 && got[0] != tt.want[0]) {
			t.Errorf("%s: Content-Length = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestForwardUsesContextMethod(t *testing.T) {
	var method string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
	}))
	defer backend.Close()

	req := httptest.NewRequest("get", "/", nil)
	rc := pipeline.NewRequestContext(req.Method, req.Header, nil, nil)
	if err := newForwarder(t, backend.URL).Forward(req.Context(), rc, req, httptest.NewRecorder()); err != nil {
		t.Fatal(err)
	}
	if method != http.MethodGet {
		t.Errorf("method = %q, want GET", method)
	}
}

func TestForwardUpstreamUnreachable(t *testing.T) {
	f, err := New(Config{
		UpstreamURL:     "http://127.0.0.1:1",
		TransportConfig: TransportConfig{DialTimeout: 200 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}

	w := newSpyWriter()
	err = forward(t, f, httptest.NewRequest(http.MethodGet, "/", nil), w)

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if w.wroteHeader || w.body.Len() > 0 || len(w.header) > 0 {
		t.Error("nothing may be written to the client on upstream failure")
	}
}

func TestForwardMidStream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer backend.Close()

	w := newSpyWriter()
	err := forward(t, newForwarder(t, backend.URL), httptest.NewRequest(http.MethodGet, "/", nil), w)

	var ms *MidStreamError
	if !errors.As(err, &ms) {
		t.Fatalf("expected *MidStreamError, got %v", err)
	}
	if ms.Status != http.StatusOK || w.status != http.StatusOK {
		t.Errorf("status = %d / %d", ms.Status, w.status)
	}
	if w.body.String() != "partial" {
		t.Errorf("body = %q", w.body.String())
	}
}

func TestForwardClientCancelled(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	time.AfterFunc(50*time.Millisecond, cancel)

	err := forward(t, newForwarder(t, backend.URL), req, newSpyWriter())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestForwardCircuitBreaker(t *testing.T) {
	var transitions []gobreaker.State
	f, err := New(Config{
		UpstreamURL:     "http://127.0.0.1:1",
		TransportConfig: TransportConfig{DialTimeout: 200 * time.Millisecond},
		CircuitBreaker: config.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			Timeout:          time.Minute,
		},
		OnBreakerStateChange: func(s gobreaker.State) { transitions = append(transitions, s) },
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		forward(t, f, httptest.NewRequest(http.MethodGet, "/", nil), newSpyWriter())
	}
	if !f.BreakerOpen() {
		t.Fatal("expected breaker to be open")
	}
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Errorf("transitions = %v", transitions)
	}

	err = forward(t, f, httptest.NewRequest(http.MethodGet, "/", nil), newSpyWriter())
	var ue *UpstreamError
	if !errors.As(err, &ue) || !strings.Contains(err.Error(), "circuit breaker") {
		t.Fatalf("expected breaker UpstreamError, got %v", err)
	}
}

func TestNewInvalidUpstream(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "://bad"} {
		if _, err := New(Config{UpstreamURL: u}); err == nil {
			t.Errorf("New(%q) expected error", u)
		}
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/blog", "/blog"},
		{"/base", "/blog", "/base/blog"},
		{"/base/", "/blog", "/base/blog"},
		{"/base", "blog", "/base/blog"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
