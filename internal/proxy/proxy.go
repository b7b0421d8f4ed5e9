package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/wudi/gatekeeper/config"
	"github.com/wudi/gatekeeper/internal/pipeline"
)

// copyBufferSize is the largest chunk read from the upstream before a flush.
const copyBufferSize = 32 * 1024

// Config holds forwarder configuration
type Config struct {
	UpstreamURL     string
	Transport       http.RoundTripper // nil builds one from TransportConfig
	TransportConfig TransportConfig
	CircuitBreaker  config.CircuitBreakerConfig
	PropagateTrace  bool

	// OnBreakerStateChange, if set, is called after every breaker transition.
	OnBreakerStateChange func(gobreaker.State)
}

// ConfigFromUpstream converts the upstream section of the configuration.
func ConfigFromUpstream(uc config.UpstreamConfig, propagateTrace bool) Config {
	return Config{
		UpstreamURL:     uc.URL,
		TransportConfig: TransportConfigFromUpstream(uc),
		CircuitBreaker:  uc.CircuitBreaker,
		PropagateTrace:  propagateTrace,
	}
}

// Forwarder relays validated requests to the single upstream and streams
// the response back. It is safe for concurrent use.
type Forwarder struct {
	target         *url.URL
	transport      http.RoundTripper
	breaker        *breakerTransport
	propagateTrace bool
}

// New creates a Forwarder for cfg.UpstreamURL.
func New(cfg Config) (*Forwarder, error) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q needs a scheme and host", cfg.UpstreamURL)
	}

	transport := cfg.Transport
	if transport == nil {
		tc := cfg.TransportConfig
		if tc == (TransportConfig{}) {
			tc = DefaultTransportConfig
		}
		t, err := NewTransport(tc)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	f := &Forwarder{
		target:         target,
		transport:      transport,
		propagateTrace: cfg.PropagateTrace,
	}
	if cfg.CircuitBreaker.Enabled {
		f.breaker = newBreakerTransport(transport, target.Host, cfg.CircuitBreaker, cfg.OnBreakerStateChange)
		f.transport = f.breaker
	}
	return f, nil
}

// Target returns the upstream base URL.
func (f *Forwarder) Target() *url.URL {
	u := *f.target
	return &u
}

// BreakerOpen reports whether the circuit breaker currently rejects calls.
func (f *Forwarder) BreakerOpen() bool {
	return f.breaker != nil && f.breaker.State() == gobreaker.StateOpen
}

// Forward sends r upstream using the method recorded in rc and streams the
// response into w. On *UpstreamError nothing has been written to w. On
// *MidStreamError the status and headers were already sent.
func (f *Forwarder) Forward(ctx context.Context, rc pipeline.RequestContext, r *http.Request, w http.ResponseWriter) error {
	proxyReq, err := f.createProxyRequest(ctx, rc, r)
	if err != nil {
		return err
	}

	resp, err := f.transport.RoundTrip(proxyReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &UpstreamError{URL: f.target.String(), Err: fmt.Errorf("circuit breaker: %w", err)}
		}
		return &UpstreamError{URL: f.target.String(), Err: err}
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	written, err := copyBody(w, resp.Body)
	if err != nil {
		return &MidStreamError{Status: resp.StatusCode, Written: written, Err: err}
	}
	return nil
}

// createProxyRequest builds the outbound request. The inbound body is read
// fully so Content-Length is exact.
func (f *Forwarder) createProxyRequest(ctx context.Context, rc pipeline.RequestContext, r *http.Request) (*http.Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &UpstreamError{URL: f.target.String(), Err: fmt.Errorf("reading request body: %w", err)}
		}
		body = b
	}

	targetURL := *f.target
	targetURL.Path, targetURL.RawPath = joinURLPath(f.target, r.URL)
	targetURL.RawQuery = r.URL.RawQuery

	method := rc.Method
	if method == "" {
		method = r.Method
	}

	proxyReq := (&http.Request{
		Method:        method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(r.Header)+1),
		ContentLength: int64(len(body)),
		Body:          http.NoBody,
		Host:          f.target.Host,
	}).WithContext(ctx)
	if len(body) > 0 {
		proxyReq.Body = io.NopCloser(bytes.NewReader(body))
		proxyReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else if method != http.MethodGet && method != http.MethodHead {
		// Makes the transport write "Content-Length: 0". GET and HEAD
		// never carry one.
		proxyReq.TransferEncoding = []string{"identity"}
	}

	for k, vv := range r.Header {
		switch k {
		case "Host", "Content-Length", "Transfer-Encoding":
			continue
		}
		proxyReq.Header[k] = append([]string(nil), vv...)
	}
	if _, ok := proxyReq.Header["User-Agent"]; !ok {
		// Stops the transport from adding its own.
		proxyReq.Header.Set("User-Agent", "")
	}

	if f.propagateTrace {
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(proxyReq.Header))
	}

	return proxyReq, nil
}

// copyHeaders copies every upstream response header verbatim
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
}

// copyBody streams body to w, flushing after every chunk.
func copyBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, fmt.Errorf("writing to client: %w", err)
			}
			rc.Flush()
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// joinURLPath appends the inbound path to the upstream base path, keeping
// the escaped form when the inbound request had one.
func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()
	return singleJoiningSlash(a.Path, b.Path), singleJoiningSlash(apath, bpath)
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
