package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/wudi/gatekeeper/internal/pipeline"
)

// Credentials is the identity attached by the basic validator.
type Credentials struct {
	Username string
	Password string
}

// String hides the password when credentials end up in logs.
func (c Credentials) String() string {
	return c.Username + ":***"
}

type basic struct {
	resolver CredentialResolver
	realm    string
}

// BasicOption configures NewBasic.
type BasicOption func(*basic)

// WithRealm sets the realm advertised in the WWW-Authenticate challenge.
func WithRealm(realm string) BasicOption {
	return func(b *basic) { b.realm = realm }
}

// NewBasic returns a step that decodes an "Authorization: Basic" header,
// asks resolver whether the pair is acceptable and stores the Credentials
// under pipeline.ArtifactIdentity.
func NewBasic(resolver CredentialResolver, opts ...BasicOption) pipeline.Step {
	b := &basic{resolver: resolver, realm: "Restricted"}
	for _, opt := range opts {
		opt(b)
	}
	challenge := fmt.Sprintf("Basic realm=%q, charset=\"UTF-8\"", b.realm)

	reject := func(cause error, detail string) *pipeline.AuthError {
		ae := pipeline.Reject(cause)
		if detail != "" {
			ae = pipeline.Rejectf(cause, detail)
		}
		ae.Challenge = challenge
		return ae
	}

	return func(ctx context.Context, rc pipeline.RequestContext) (pipeline.RequestContext, error) {
		creds, err := parseBasic(rc.Header("Authorization"))
		if err != nil {
			return rc, reject(err, "")
		}

		ok, err := b.resolver.Verify(ctx, creds.Username, creds.Password)
		if err != nil {
			if ctx.Err() != nil {
				return rc, ctx.Err()
			}
			return rc, reject(ErrCredentialLookup, err.Error())
		}
		if !ok {
			// Never say which half of the pair was wrong.
			return rc, reject(ErrInvalidCredentials, "")
		}
		return rc.WithArtifact(pipeline.ArtifactIdentity, creds), nil
	}
}

// basicPrefix and bearerPrefix are matched byte for byte.
const (
	basicPrefix  = "Basic "
	bearerPrefix = "Bearer "
)

func parseBasic(header string) (Credentials, error) {
	if header == "" {
		return Credentials{}, ErrMissingAuthorization
	}
	payload, ok := strings.CutPrefix(header, basicPrefix)
	if !ok {
		return Credentials{}, ErrWrongScheme
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return Credentials{}, ErrMalformedCredentials
	}
	// Passwords may contain colons; usernames may not.
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Credentials{}, ErrMalformedCredentials
	}
	return Credentials{Username: username, Password: password}, nil
}
