package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry manages named SecretProviders. It is read-only after
// construction and safe for concurrent Lookup calls.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates an empty registry.
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{providers: make(map[string]SecretProvider)}
}

// DefaultSecretRegistry returns a registry with the env and file providers.
func DefaultSecretRegistry() *SecretRegistry {
	r := NewSecretRegistry()
	r.Register(&EnvProvider{})
	r.Register(&FileProvider{})
	return r
}

// Register adds a provider to the registry. It overwrites any existing
// provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// Lookup resolves value when it is a ${scheme:ref} reference and returns it
// unchanged otherwise. Nothing is cached: every call reaches the provider.
func (r *SecretRegistry) Lookup(ctx context.Context, value string) (string, error) {
	scheme, ref, ok := ParseSecretRef(value)
	if !ok {
		return value, nil
	}
	resolved, err := r.Resolve(ctx, scheme, ref)
	if err != nil {
		return "", fmt.Errorf("secret ${%s:%s}: %w", scheme, ref, err)
	}
	return resolved, nil
}

// secretRefPattern matches a full-string secret reference: ${scheme:reference}
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// ParseSecretRef splits a ${scheme:ref} string.
func ParseSecretRef(value string) (scheme, ref string, ok bool) {
	m := secretRefPattern.FindStringSubmatch(value)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// EnvProvider resolves secret references from environment variables.
type EnvProvider struct{}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves secret references by reading file contents.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows all paths.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	// Secret files usually end with a newline.
	return strings.TrimRight(string(data), " \t\r\n"), nil
}
