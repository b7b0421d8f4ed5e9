package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/gatekeeper/config"
)

// TransportConfig configures the upstream HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeouts. Only the connect phase is bounded; response streaming is not.
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration

	// TLS settings
	InsecureSkipVerify bool
	CAFile             string
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 100,
	IdleConnTimeout:     90 * time.Second,
	DialTimeout:         5 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// TransportConfigFromUpstream applies non-zero upstream settings onto the
// defaults.
func TransportConfigFromUpstream(uc config.UpstreamConfig) TransportConfig {
	cfg := DefaultTransportConfig
	if uc.MaxIdleConns > 0 {
		cfg.MaxIdleConns = uc.MaxIdleConns
		cfg.MaxIdleConnsPerHost = uc.MaxIdleConns
	}
	if uc.IdleConnTimeout > 0 {
		cfg.IdleConnTimeout = uc.IdleConnTimeout
	}
	if uc.ConnectTimeout > 0 {
		cfg.DialTimeout = uc.ConnectTimeout
	}
	if uc.TLSHandshakeTimeout > 0 {
		cfg.TLSHandshakeTimeout = uc.TLSHandshakeTimeout
	}
	cfg.InsecureSkipVerify = uc.InsecureSkipVerify
	cfg.CAFile = uc.CAFile
	return cfg
}

// NewTransport creates the upstream transport. Compression is disabled so
// response bytes reach the client exactly as the upstream sent them.
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		TLSClientConfig:     tlsConfig,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
	}, nil
}
