package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/wudi/gatekeeper/config"
)

// CredentialResolver decides whether a username/password pair is accepted.
// An error means the decision could not be made.
type CredentialResolver interface {
	Verify(ctx context.Context, username, password string) (bool, error)
}

// ResolverFunc adapts a function to CredentialResolver.
type ResolverFunc func(ctx context.Context, username, password string) (bool, error)

func (f ResolverFunc) Verify(ctx context.Context, username, password string) (bool, error) {
	return f(ctx, username, password)
}

// dummyHash lets unknown usernames cost the same bcrypt comparison as known
// ones.
func dummyHash() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("dummy"), bcrypt.DefaultCost)
	return h
}

// StaticUsers checks passwords against bcrypt hashes fixed at startup.
type StaticUsers struct {
	users map[string][]byte
	dummy []byte
}

// NewStaticUsers builds a resolver from configured users.
func NewStaticUsers(users []config.BasicAuthUser) *StaticUsers {
	m := make(map[string][]byte, len(users))
	for _, u := range users {
		m[u.Username] = []byte(u.PasswordHash)
	}
	return &StaticUsers{users: m, dummy: dummyHash()}
}

func (s *StaticUsers) Verify(_ context.Context, username, password string) (bool, error) {
	hash, found := s.users[username]
	if !found {
		bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil, nil
}

// SecretPair accepts exactly one username/password pair whose values are
// resolved through the secret registry on every call.
type SecretPair struct {
	registry    *config.SecretRegistry
	usernameRef string
	passwordRef string
}

// NewSecretPair builds a resolver from two literal or ${scheme:ref} values.
func NewSecretPair(registry *config.SecretRegistry, usernameRef, passwordRef string) *SecretPair {
	return &SecretPair{registry: registry, usernameRef: usernameRef, passwordRef: passwordRef}
}

func (s *SecretPair) Verify(ctx context.Context, username, password string) (bool, error) {
	wantUser, err := s.registry.Lookup(ctx, s.usernameRef)
	if err != nil {
		return false, err
	}
	wantPass, err := s.registry.Lookup(ctx, s.passwordRef)
	if err != nil {
		return false, err
	}
	if wantUser == "" {
		return false, fmt.Errorf("configured username is empty")
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(wantUser))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(wantPass))
	return userOK&passOK == 1, nil
}

// RedisUsers reads bcrypt hashes stored at <prefix><username>.
type RedisUsers struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	dummy   []byte
}

// NewRedisUsers builds a resolver over an existing client.
func NewRedisUsers(client redis.UniversalClient, prefix string, timeout time.Duration) *RedisUsers {
	return &RedisUsers{client: client, prefix: prefix, timeout: timeout, dummy: dummyHash()}
}

// NewRedisClient creates the client described by cfg.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

func (r *RedisUsers) Verify(ctx context.Context, username, password string) (bool, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	hash, err := r.client.Get(ctx, r.prefix+username).Bytes()
	if errors.Is(err, redis.Nil) {
		bcrypt.CompareHashAndPassword(r.dummy, []byte(password))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil, nil
}
