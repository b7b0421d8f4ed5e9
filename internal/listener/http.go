package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/gatekeeper/config"
)

// HTTPListener serves a handler over HTTP or HTTPS.
type HTTPListener struct {
	id      string
	address string
	server  *http.Server
	tlsCfg  *tls.Config

	mu       sync.Mutex
	listener net.Listener
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	TLS               *config.TLSConfig // nil serves plain HTTP
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// ConfigFromListener converts the listener section of the configuration.
func ConfigFromListener(id string, lc config.ListenerConfig, h http.Handler) HTTPListenerConfig {
	cfg := HTTPListenerConfig{
		ID:                id,
		Address:           lc.Address,
		Handler:           h,
		ReadTimeout:       lc.ReadTimeout,
		ReadHeaderTimeout: lc.ReadHeaderTimeout,
		IdleTimeout:       lc.IdleTimeout,
		MaxHeaderBytes:    lc.MaxHeaderBytes,
	}
	if lc.Protocol == config.ProtocolHTTPS {
		tc := lc.TLS
		cfg.TLS = &tc
	}
	return cfg
}

// NewHTTPListener creates a new HTTP listener. Certificate material is
// loaded here so bad files fail before anything binds.
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
	}

	if cfg.TLS != nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		h.tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}

	// No WriteTimeout: upstream responses stream for as long as they last.
	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           cfg.Handler,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		TLSConfig:         h.tlsCfg,
	}

	return h, nil
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Protocol returns "https" when TLS is configured, "http" otherwise.
func (h *HTTPListener) Protocol() string {
	if h.tlsCfg != nil {
		return string(config.ProtocolHTTPS)
	}
	return string(config.ProtocolHTTP)
}

// Addr returns the address
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Start binds the address and serves in the background.
func (h *HTTPListener) Start(ctx context.Context, errs chan<- error) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	if h.tlsCfg != nil {
		ln = tls.NewListener(ln, h.tlsCfg)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errs <- fmt.Errorf("listener %s: %w", h.id, err):
			default:
			}
		}
	}()
	return nil
}

// Stop stops the HTTP listener, waiting for in-flight requests until ctx
// expires.
func (h *HTTPListener) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}
