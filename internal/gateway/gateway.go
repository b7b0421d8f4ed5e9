package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/accesslog"
	gwerrors "github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/middleware"
	"github.com/wudi/gatekeeper/internal/pipeline"
	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/router"
	"github.com/wudi/gatekeeper/internal/tracing"
)

// defaultChallenge is sent when a rejecting step supplied none.
const defaultChallenge = "Bearer"

// Forwarder relays an accepted request to the upstream.
type Forwarder interface {
	Forward(ctx context.Context, rc pipeline.RequestContext, r *http.Request, w http.ResponseWriter) error
}

// Gateway matches requests against the route table, runs the matched
// validation steps and forwards what passes.
type Gateway struct {
	router    *router.Router
	forwarder Forwarder
	sink      accesslog.Sink
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAccessLog sets the access log sink. The default follows the global
// logger.
func WithAccessLog(s accesslog.Sink) Option {
	return func(g *Gateway) { g.sink = s }
}

// WithMetrics records request outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = c }
}

// WithTracer adds a server span around every request.
func WithTracer(t *tracing.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// New creates a gateway over a populated router.
func New(rt *router.Router, fw Forwarder, opts ...Option) *Gateway {
	g := &Gateway{
		router:    rt,
		forwarder: fw,
		sink:      accesslog.NewZapSink(nil),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler returns the gateway wrapped in its middleware chain.
func (g *Gateway) Handler() http.Handler {
	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
	).When(g.tracer.IsEnabled(), g.tracer.Middleware())

	return chain.Then(g)
}

// ServeHTTP handles one request and emits exactly one access log entry,
// including when the connection is aborted mid-stream.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec := accesslog.NewResponseRecorder(w)
	requestID := middleware.RequestIDFromContext(ctx)

	entry := accesslog.Entry{
		Timestamp:  time.Now(),
		RequestID:  requestID,
		ClientAddr: accesslog.ClientIP(r),
		Method:     r.Method,
		URL:        r.URL.RequestURI(),
	}
	outcome := metrics.OutcomeForwarded

	defer func() {
		p := recover()
		if p != nil && entry.Status == 0 {
			// Recovery answers an unexpected panic with a 500 unless the
			// status already went out.
			outcome = metrics.OutcomeInternalError
			entry.Status = gwerrors.ErrInternalServer.Code
			if rec.WroteHeader() {
				entry.Status = rec.Status()
			}
			entry.Error = fmt.Sprintf("panic: %v", p)
		}
		entry.Latency = time.Since(entry.Timestamp)
		entry.BodyBytes = rec.BytesWritten()
		g.sink.Log(entry)
		if g.metrics != nil {
			g.metrics.RecordRequest(outcome, r.Method, entry.Status, entry.Latency)
		}
		if p != nil {
			panic(p)
		}
	}()

	match := g.router.Recognize(r.URL.Path, r.URL.RawQuery)
	if match.Empty() {
		outcome = metrics.OutcomeNoRoute
		entry.Status = gwerrors.ErrNotAcceptable.Code
		entry.Error = "no route matched"
		gwerrors.ErrNotAcceptable.WithRequestID(requestID).WriteJSON(rec)
		return
	}
	entry.Routes = match.Patterns()
	trace.SpanFromContext(ctx).SetAttributes(attribute.StringSlice("gatekeeper.routes", entry.Routes))

	rc := pipeline.NewRequestContext(r.Method, r.Header, match.Params(), match.Query)
	rc, err := pipeline.Compose(match.Steps()...)(ctx, rc)
	if err != nil {
		if clientGone(ctx, err) {
			outcome = metrics.OutcomeClientClosed
			entry.Status = gwerrors.StatusClientClosedRequest
			entry.Error = err.Error()
			return
		}
		outcome = metrics.OutcomeRejected
		entry.Status = http.StatusUnauthorized
		entry.Error = err.Error()
		g.reject(rec, requestID, err)
		return
	}

	err = g.forwarder.Forward(ctx, rc, r, rec)
	if err == nil {
		entry.Status = rec.Status()
		return
	}
	entry.Error = err.Error()

	var midStream *proxy.MidStreamError
	switch {
	case clientGone(ctx, err):
		outcome = metrics.OutcomeClientClosed
		entry.Status = gwerrors.StatusClientClosedRequest
	case errors.As(err, &midStream):
		outcome = metrics.OutcomeStreamAborted
		entry.Status = midStream.Status
		logging.Error("Upstream response aborted mid-stream",
			zap.String("request_id", requestID),
			zap.String("url", entry.URL),
			zap.Int("status", midStream.Status),
			zap.Int64("bytes_written", midStream.Written),
			zap.Error(midStream.Err),
		)
		panic(http.ErrAbortHandler)
	case rec.WroteHeader():
		// Headers already went out; all that is left is dropping the connection.
		outcome = metrics.OutcomeStreamAborted
		entry.Status = rec.Status()
		panic(http.ErrAbortHandler)
	default:
		outcome = metrics.OutcomeUpstreamError
		entry.Status = gwerrors.ErrBadGateway.Code
		if g.metrics != nil {
			g.metrics.RecordUpstreamError()
		}
		gwerrors.ErrBadGateway.WithRequestID(requestID).WriteJSON(rec)
	}
}

// reject writes the 401 for a failed pipeline. The body is generic; the
// reason stays in the access log.
func (g *Gateway) reject(w http.ResponseWriter, requestID string, err error) {
	challenge := defaultChallenge
	var authErr *pipeline.AuthError
	if errors.As(err, &authErr) && authErr.Challenge != "" {
		challenge = authErr.Challenge
	}
	if g.metrics != nil {
		g.metrics.RecordRejection(rejectionCause(authErr))
	}
	w.Header().Set("WWW-Authenticate", challenge)
	gwerrors.ErrUnauthorized.WithRequestID(requestID).WriteJSON(w)
}

// rejectionCause is a bounded label for the rejection counter.
func rejectionCause(ae *pipeline.AuthError) string {
	switch {
	case ae == nil || ae.Err == nil:
		return "unknown"
	case errors.Is(ae, pipeline.ErrStepFailed):
		return pipeline.ErrStepFailed.Error()
	}
	return ae.Err.Error()
}

func clientGone(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}
