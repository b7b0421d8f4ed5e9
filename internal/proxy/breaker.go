package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/config"
	"github.com/wudi/gatekeeper/internal/logging"
)

// breakerTransport trips after consecutive failures to reach the upstream.
// Only transport errors count; any HTTP status is a success.
type breakerTransport struct {
	next http.RoundTripper
	cb   *gobreaker.CircuitBreaker[*http.Response]
}

func newBreakerTransport(next http.RoundTripper, name string, cfg config.CircuitBreakerConfig, observe func(gobreaker.State)) *breakerTransport {
	threshold := uint32(cfg.FailureThreshold)
	halfOpen := uint32(cfg.HalfOpenRequests)
	if halfOpen == 0 {
		halfOpen = 1
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpen,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A client that went away says nothing about the upstream.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Upstream circuit breaker state changed",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if observe != nil {
				observe(to)
			}
		},
	})
	return &breakerTransport{next: next, cb: cb}
}

func (b *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return b.cb.Execute(func() (*http.Response, error) {
		return b.next.RoundTrip(req)
	})
}

// State reports the breaker state, for metrics.
func (b *breakerTransport) State() gobreaker.State {
	return b.cb.State()
}
