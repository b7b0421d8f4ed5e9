package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// ${VAR} is expanded here; ${scheme:ref} secret references are left for
	// the secret registry.
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if err := validateListener(cfg.Listener); err != nil {
		return err
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}

	if err := validateUpstream(cfg.Upstream); err != nil {
		return err
	}

	switch cfg.Gateway.MatchMode {
	case "", MatchAll, MatchFirst:
	default:
		return fmt.Errorf("gateway: invalid match_mode %q (want %q or %q)", cfg.Gateway.MatchMode, MatchAll, MatchFirst)
	}

	if err := validateBasic(cfg.Authentication.Basic); err != nil {
		return err
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for i, route := range cfg.Routes {
		if route.Path == "" {
			return fmt.Errorf("route %d: path is required", i)
		}
		for j, step := range route.Steps {
			if err := validateStep(step, cfg.Authentication); err != nil {
				return fmt.Errorf("route %s: step %d: %w", route.Path, j, err)
			}
		}
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}

	return nil
}

func validateListener(lc ListenerConfig) error {
	if lc.Address == "" {
		return fmt.Errorf("listener: address is required")
	}
	switch lc.Protocol {
	case ProtocolHTTP:
	case ProtocolHTTPS:
		if lc.TLS.CertFile == "" {
			return fmt.Errorf("listener: https requires tls.cert_file")
		}
		if lc.TLS.KeyFile == "" {
			return fmt.Errorf("listener: https requires tls.key_file")
		}
	default:
		return fmt.Errorf("listener: protocol %q not supported, only http and https", lc.Protocol)
	}
	return nil
}

func validateUpstream(uc UpstreamConfig) error {
	if uc.URL == "" {
		return fmt.Errorf("upstream: url is required")
	}
	u, err := url.Parse(uc.URL)
	if err != nil {
		return fmt.Errorf("upstream: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream: url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream: url has no host")
	}
	if uc.ConnectTimeout <= 0 {
		return fmt.Errorf("upstream: connect_timeout must be positive")
	}
	if uc.CircuitBreaker.Enabled && uc.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("upstream: circuit_breaker.failure_threshold must be positive")
	}
	return nil
}

func validateBasic(bc BasicAuthConfig) error {
	switch bc.Source {
	case CredentialsUsers:
		for i, u := range bc.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("authentication.basic: user %d needs username and password_hash", i)
			}
			if strings.Contains(u.Username, ":") {
				return fmt.Errorf("authentication.basic: username %q must not contain a colon", u.Username)
			}
		}
	case CredentialsPair:
		if bc.Username == "" {
			return fmt.Errorf("authentication.basic: pair source requires username")
		}
	case CredentialsRedis:
		if bc.Redis.Addr == "" {
			return fmt.Errorf("authentication.basic: redis source requires redis.addr")
		}
	default:
		return fmt.Errorf("authentication.basic: invalid source %q", bc.Source)
	}
	return nil
}

func basicConfigured(bc BasicAuthConfig) bool {
	switch bc.Source {
	case CredentialsUsers:
		return len(bc.Users) > 0
	case CredentialsPair:
		return bc.Username != ""
	case CredentialsRedis:
		return bc.Redis.Addr != ""
	}
	return false
}

func validateStep(sc StepConfig, auth AuthenticationConfig) error {
	switch sc.Type {
	case StepBearer:
		if !auth.JWT.Configured() {
			return fmt.Errorf("bearer step requires authentication.jwt secret, public_key or jwks_url")
		}
		if sc.Check != nil {
			if err := validateStep(*sc.Check, auth); err != nil {
				return fmt.Errorf("check: %w", err)
			}
		}
	case StepBasic:
		if !basicConfigured(auth.Basic) {
			return fmt.Errorf("basic step requires authentication.basic credentials")
		}
	case StepAuthHeader:
		if !auth.JWT.Configured() || !basicConfigured(auth.Basic) {
			return fmt.Errorf("auth_header step requires both jwt and basic authentication")
		}
		if sc.Fallback != nil {
			if err := validateStep(*sc.Fallback, auth); err != nil {
				return fmt.Errorf("fallback: %w", err)
			}
		}
	case StepMethod:
		if len(sc.Methods) == 0 {
			return fmt.Errorf("method step requires methods")
		}
	case StepParamIn:
		if sc.Param == "" {
			return fmt.Errorf("param_in step requires param")
		}
	case StepClaim:
		if sc.Claim == "" {
			return fmt.Errorf("claim step requires claim")
		}
	case StepExpr:
		if sc.Expression == "" {
			return fmt.Errorf("expr step requires expression")
		}
	case StepAllOf:
		if len(sc.Steps) == 0 {
			return fmt.Errorf("all_of step requires steps")
		}
		for i, inner := range sc.Steps {
			switch inner.Type {
			case StepMethod, StepParamIn:
			default:
				// Only checks that neither read nor write artifacts may run
				// in parallel.
				return fmt.Errorf("all_of step %d: type %q cannot run in parallel", i, inner.Type)
			}
			if err := validateStep(inner, auth); err != nil {
				return fmt.Errorf("all_of step %d: %w", i, err)
			}
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown step type %q", sc.Type)
	}
	return nil
}
