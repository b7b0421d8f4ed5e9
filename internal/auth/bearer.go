package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/gatekeeper/internal/pipeline"
)

const bearerChallenge = `Bearer realm="gatekeeper"`

type bearer struct {
	keys       KeySource
	algorithms []string
	audience   []string
	parserOpts []jwt.ParserOption
	check      pipeline.Step
}

// BearerOption configures NewBearer.
type BearerOption func(*bearer)

// WithClaimCheck runs step after a token verifies, with the claims already
// attached. Its failure rejects the request.
func WithClaimCheck(step pipeline.Step) BearerOption {
	return func(b *bearer) { b.check = step }
}

// WithAlgorithms restricts the accepted alg header values. The default is
// HS256.
func WithAlgorithms(algs ...string) BearerOption {
	return func(b *bearer) { b.algorithms = algs }
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) BearerOption {
	return func(b *bearer) { b.parserOpts = append(b.parserOpts, jwt.WithIssuer(issuer)) }
}

// WithAudience requires the aud claim to contain one of aud.
func WithAudience(aud ...string) BearerOption {
	return func(b *bearer) { b.audience = aud }
}

// WithLeeway tolerates clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) BearerOption {
	return func(b *bearer) { b.parserOpts = append(b.parserOpts, jwt.WithLeeway(d)) }
}

// WithClock replaces time.Now for time-based claims.
func WithClock(now func() time.Time) BearerOption {
	return func(b *bearer) { b.parserOpts = append(b.parserOpts, jwt.WithTimeFunc(now)) }
}

// NewBearer returns a step that verifies an "Authorization: Bearer <jwt>"
// header against keys and stores the claims under pipeline.ArtifactClaims.
func NewBearer(keys KeySource, opts ...BearerOption) pipeline.Step {
	b := &bearer{
		keys:       keys,
		algorithms: []string{"HS256"},
	}
	for _, opt := range opts {
		opt(b)
	}
	parser := jwt.NewParser(append([]jwt.ParserOption{jwt.WithValidMethods(b.algorithms)}, b.parserOpts...)...)

	return func(ctx context.Context, rc pipeline.RequestContext) (pipeline.RequestContext, error) {
		raw, err := bearerToken(rc.Header("Authorization"))
		if err != nil {
			return rc, bearerReject(err, "")
		}

		claims := jwt.MapClaims{}
		_, err = parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return b.keys.Key(ctx, t)
		})
		if err != nil {
			return rc, bearerReject(classifyJWTError(err), err.Error())
		}

		if len(b.audience) > 0 {
			aud, _ := claims.GetAudience()
			if !containsAny(aud, b.audience) {
				return rc, bearerReject(ErrInvalidClaims, "audience mismatch")
			}
		}

		rc = rc.WithArtifact(pipeline.ArtifactClaims, claims)
		if b.check == nil {
			return rc, nil
		}

		next, err := b.check(ctx, rc)
		if err != nil {
			var ae *pipeline.AuthError
			if errors.As(err, &ae) {
				return rc, err
			}
			if ctx.Err() != nil {
				return rc, err
			}
			return rc, bearerReject(ErrInvalidClaims, err.Error())
		}
		return next, nil
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAuthorization
	}
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return "", ErrWrongScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMalformedToken
	}
	return token, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidKey
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrTokenNotYetValid
	default:
		return ErrInvalidClaims
	}
}

func bearerReject(cause error, detail string) *pipeline.AuthError {
	ae := pipeline.Reject(cause)
	if detail != "" {
		ae = pipeline.Rejectf(cause, detail)
	}
	ae.Challenge = bearerChallenge
	return ae
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		if slices.Contains(want, h) {
			return true
		}
	}
	return false
}
