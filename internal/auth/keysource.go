package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/wudi/gatekeeper/config"
)

// KeySource supplies the verification key for a parsed, not yet verified,
// token. Implementations must be safe for concurrent use.
type KeySource interface {
	Key(ctx context.Context, token *jwt.Token) (any, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context, token *jwt.Token) (any, error)

func (f KeySourceFunc) Key(ctx context.Context, token *jwt.Token) (any, error) {
	return f(ctx, token)
}

// StaticKey returns the same key for every token.
func StaticKey(key any) KeySource {
	return KeySourceFunc(func(context.Context, *jwt.Token) (any, error) {
		return key, nil
	})
}

// SecretKey resolves an HMAC secret through the registry on every call, so
// a rotated environment variable or secret file takes effect immediately.
// ref may be a literal secret or a ${scheme:ref} reference.
func SecretKey(registry *config.SecretRegistry, ref string) KeySource {
	return KeySourceFunc(func(ctx context.Context, _ *jwt.Token) (any, error) {
		secret, err := registry.Lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		if secret == "" {
			return nil, fmt.Errorf("secret is empty")
		}
		return []byte(secret), nil
	})
}

// PublicKeyPEM parses a PKIX public key (RSA, ECDSA or Ed25519) once.
func PublicKeyPEM(data string) (KeySource, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
	return StaticKey(pub), nil
}

// JWKS fetches keys from a JSON Web Key Set endpoint and keeps them
// refreshed in the background.
type JWKS struct {
	cache *jwk.Cache
	url   string
}

// NewJWKS registers url with a jwk.Cache and performs the initial fetch. The
// cache refreshes until ctx is cancelled.
func NewJWKS(ctx context.Context, url string, refresh time.Duration) (*JWKS, error) {
	if refresh <= 0 {
		refresh = time.Hour
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, url); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", url, err)
	}

	return &JWKS{cache: cache, url: url}, nil
}

// Key looks the token's kid up in the cached set. Tokens without a kid use
// the first key.
func (j *JWKS) Key(ctx context.Context, token *jwt.Token) (any, error) {
	set, err := j.cache.Get(ctx, j.url)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	var key jwk.Key
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		k, ok := set.Key(0)
		if !ok {
			return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
		}
		key = k
	} else {
		k, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}
		key = k
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("failed to extract raw key: %w", err)
	}
	return raw, nil
}
