package config

import "time"

// Protocol represents the inbound listener protocol.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Match modes for the route table.
const (
	MatchAll   = "all"
	MatchFirst = "first"
)

// Step types accepted in a route's steps list.
const (
	StepBearer     = "bearer"
	StepBasic      = "basic"
	StepAuthHeader = "auth_header"
	StepMethod     = "method"
	StepParamIn    = "param_in"
	StepClaim      = "claim"
	StepExpr       = "expr"
	StepAllOf      = "all_of"
)

// Credential sources for basic authentication.
const (
	CredentialsUsers = "users"
	CredentialsPair  = "pair"
	CredentialsRedis = "redis"
)

// Config is the root configuration
type Config struct {
	Listener       ListenerConfig       `yaml:"listener"`
	Admin          AdminConfig          `yaml:"admin"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Authentication AuthenticationConfig `yaml:"authentication"`
	Routes         []RouteConfig        `yaml:"routes"`
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ListenerConfig defines the inbound listener.
type ListenerConfig struct {
	Address           string        `yaml:"address"`
	Protocol          Protocol      `yaml:"protocol"`
	TLS               TLSConfig     `yaml:"tls"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds the certificate material for an https listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig configures the admin listener serving /metrics and /healthz.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// UpstreamConfig defines the single resource server.
type UpstreamConfig struct {
	URL                 string               `yaml:"url"`
	ConnectTimeout      time.Duration        `yaml:"connect_timeout"`
	TLSHandshakeTimeout time.Duration        `yaml:"tls_handshake_timeout"`
	InsecureSkipVerify  bool                 `yaml:"insecure_skip_verify"`
	CAFile              string               `yaml:"ca_file"`
	MaxIdleConns        int                  `yaml:"max_idle_conns"`
	IdleConnTimeout     time.Duration        `yaml:"idle_conn_timeout"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the optional breaker in front of the
// upstream. Only connection failures count.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// GatewayConfig holds request pipeline settings.
type GatewayConfig struct {
	MatchMode string `yaml:"match_mode"` // all (default) or first
}

// AuthenticationConfig holds the shared validator settings referenced by
// bearer, basic and auth_header steps.
type AuthenticationConfig struct {
	JWT   JWTConfig       `yaml:"jwt"`
	Basic BasicAuthConfig `yaml:"basic"`
}

// JWTConfig configures the bearer validator's key source and claim rules.
type JWTConfig struct {
	Algorithm   string        `yaml:"algorithm"`
	Secret      string        `yaml:"secret"` // literal or ${env:NAME} / ${file:/path}, resolved per lookup
	PublicKey   string        `yaml:"public_key"`
	JWKSURL     string        `yaml:"jwks_url"`
	JWKSRefresh time.Duration `yaml:"jwks_refresh"`
	Issuer      string        `yaml:"issuer"`
	Audience    []string      `yaml:"audience"`
	Leeway      time.Duration `yaml:"leeway"`
}

// Configured reports whether any key source is set.
func (c JWTConfig) Configured() bool {
	return c.Secret != "" || c.PublicKey != "" || c.JWKSURL != ""
}

// BasicAuthConfig configures the basic validator's credential resolver.
type BasicAuthConfig struct {
	Realm    string          `yaml:"realm"`
	Source   string          `yaml:"source"` // users, pair or redis
	Users    []BasicAuthUser `yaml:"users"`
	Username string          `yaml:"username"` // pair source, may be a secret ref
	Password string          `yaml:"password"` // pair source, may be a secret ref
	Redis    RedisConfig     `yaml:"redis"`
}

// BasicAuthUser is one statically configured user.
type BasicAuthUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// RedisConfig locates bcrypt hashes stored under <key_prefix><username>.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RouteConfig is one entry of the route table.
type RouteConfig struct {
	Path  string       `yaml:"path"`
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig describes one validation step. Which fields apply depends on
// Type.
type StepConfig struct {
	Type       string       `yaml:"type"`
	Methods    []string     `yaml:"methods"`    // method
	Param      string       `yaml:"param"`      // param_in
	Allowed    []string     `yaml:"allowed"`    // param_in
	Claim      string       `yaml:"claim"`      // claim (gjson path)
	Value      any          `yaml:"value"`      // claim
	Expression string       `yaml:"expression"` // expr
	Check      *StepConfig  `yaml:"check"`      // bearer claim predicate
	Fallback   *StepConfig  `yaml:"fallback"`   // auth_header
	Steps      []StepConfig `yaml:"steps"`      // all_of
}

// LoggingConfig configures process and access logging.
type LoggingConfig struct {
	Level     string          `yaml:"level"`
	Format    string          `yaml:"format"` // json or console
	AccessLog AccessLogConfig `yaml:"access_log"`
}

// AccessLogConfig selects the access log sink. An empty File writes to
// the process logger.
type AccessLogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":3030",
			Protocol:          ProtocolHTTP,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Upstream: UpstreamConfig{
			ConnectTimeout:      5 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Gateway: GatewayConfig{
			MatchMode: MatchAll,
		},
		Authentication: AuthenticationConfig{
			JWT: JWTConfig{
				Algorithm:   "HS256",
				JWKSRefresh: time.Hour,
			},
			Basic: BasicAuthConfig{
				Realm:  "Restricted",
				Source: CredentialsUsers,
				Redis: RedisConfig{
					KeyPrefix: "gatekeeper:user:",
					Timeout:   2 * time.Second,
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			AccessLog: AccessLogConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "gatekeeper",
			SampleRate:  1.0,
		},
	}
}
