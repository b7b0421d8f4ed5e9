package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/gatekeeper/config"
	"github.com/wudi/gatekeeper/internal/accesslog"
	"github.com/wudi/gatekeeper/internal/listener"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/router"
	"github.com/wudi/gatekeeper/internal/tracing"
)

const (
	proxyListenerID = "proxy"
	adminListenerID = "admin"
)

// Server wires configuration into a running gateway: route table,
// forwarder, listeners and the admin endpoint.
type Server struct {
	config    *config.Config
	gateway   *Gateway
	router    *router.Router
	forwarder *proxy.Forwarder
	steps     *stepFactory
	manager   *listener.Manager
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	accessLog *accesslog.ZapSink
	startTime time.Time
}

// NewServer builds every component from cfg. ctx bounds background work
// started here, such as JWKS refreshes.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	tracer, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	s := &Server{
		config:    cfg,
		manager:   listener.NewManager(),
		metrics:   metrics.NewCollector(),
		tracer:    tracer,
		accessLog: accesslog.NewSink(cfg.Logging.AccessLog),
		startTime: time.Now(),
	}

	s.steps = newStepFactory(cfg.Authentication, config.DefaultSecretRegistry(), tracer)
	s.router, err = s.steps.buildRouter(ctx, cfg.Routes, matchMode(cfg.Gateway.MatchMode))
	if err != nil {
		s.closeResources(ctx)
		return nil, fmt.Errorf("failed to build routes: %w", err)
	}

	pc := proxy.ConfigFromUpstream(cfg.Upstream, tracer.IsEnabled())
	pc.OnBreakerStateChange = s.recordBreakerState
	s.forwarder, err = proxy.New(pc)
	if err != nil {
		s.closeResources(ctx)
		return nil, fmt.Errorf("failed to initialize proxy: %w", err)
	}

	s.gateway = New(s.router, s.forwarder,
		WithAccessLog(s.accessLog),
		WithMetrics(s.metrics),
		WithTracer(tracer),
	)

	if err := s.initListeners(); err != nil {
		s.closeResources(ctx)
		return nil, fmt.Errorf("failed to initialize listeners: %w", err)
	}

	return s, nil
}

func (s *Server) initListeners() error {
	proxyLn, err := listener.NewHTTPListener(
		listener.ConfigFromListener(proxyListenerID, s.config.Listener, s.gateway.Handler()),
	)
	if err != nil {
		return err
	}
	if err := s.manager.Add(proxyLn); err != nil {
		return err
	}

	if !s.config.Admin.Enabled {
		return nil
	}
	adminLn, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:      adminListenerID,
		Address: s.config.Admin.Address,
		Handler: s.adminHandler(),
	})
	if err != nil {
		return err
	}
	return s.manager.Add(adminLn)
}

// Handler returns the gateway handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.gateway.Handler()
}

// Run starts the listeners and blocks until ctx is cancelled, SIGINT or
// SIGTERM arrives, or a listener fails. It then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.manager.StartAll(ctx); err != nil {
		s.closeResources(context.Background())
		return err
	}
	logging.Info("Gatekeeper started",
		zap.String("protocol", string(s.config.Listener.Protocol)),
		zap.String("address", s.config.Listener.Address),
		zap.String("upstream", s.forwarder.Target().String()),
		zap.Int("routes", s.router.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-s.manager.Errors():
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		return s.Shutdown(s.config.Listener.ShutdownTimeout)
	})
	return g.Wait()
}

// Shutdown stops the listeners, waiting up to timeout for in-flight
// requests, then releases everything else.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.manager.StopAll(ctx)
	if err != nil {
		logging.Error("Listener shutdown error", zap.Error(err))
	}
	s.closeResources(ctx)

	logging.Info("Server shutdown complete")
	return err
}

func (s *Server) closeResources(ctx context.Context) {
	if err := s.steps.close(); err != nil {
		logging.Warn("Credential store close error", zap.Error(err))
	}
	if err := s.tracer.Close(ctx); err != nil {
		logging.Warn("Tracer shutdown error", zap.Error(err))
	}
	if err := s.accessLog.Close(); err != nil {
		logging.Warn("Access log close error", zap.Error(err))
	}
}

func (s *Server) recordBreakerState(state gobreaker.State) {
	switch state {
	case gobreaker.StateOpen:
		s.metrics.SetCircuitBreakerState(metrics.BreakerOpen)
	case gobreaker.StateHalfOpen:
		s.metrics.SetCircuitBreakerState(metrics.BreakerHalfOpen)
	default:
		s.metrics.SetCircuitBreakerState(metrics.BreakerClosed)
	}
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]any)
	allHealthy := true

	breakerOpen := s.forwarder.BreakerOpen()
	checks["upstream"] = map[string]any{
		"status": boolStatus(!breakerOpen),
		"url":    s.forwarder.Target().String(),
	}
	if breakerOpen {
		allHealthy = false
	}

	if s.steps.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		redisStatus := map[string]any{"status": "ok"}
		if err := s.steps.redis.Ping(ctx).Err(); err != nil {
			redisStatus["status"] = "error"
			redisStatus["error"] = err.Error()
			allHealthy = false
		}
		checks["redis"] = redisStatus
	}

	status := http.StatusOK
	statusStr := "ok"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		statusStr = "degraded"
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"routes":    s.router.Len(),
		"checks":    checks,
	})
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func matchMode(mode string) router.MatchMode {
	if mode == config.MatchFirst {
		return router.MatchFirst
	}
	return router.MatchAll
}
