package auth

import "errors"

// Rejection reasons. Every failure of a validator wraps exactly one of these.
var (
	ErrMissingAuthorization = errors.New("authorization header missing")
	ErrWrongScheme          = errors.New("unsupported authorization scheme")

	ErrMalformedToken   = errors.New("malformed token")
	ErrBadSignature     = errors.New("token signature invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrInvalidKey       = errors.New("verification key unavailable")
	ErrInvalidClaims    = errors.New("token claims rejected")

	ErrMalformedCredentials = errors.New("malformed basic credentials")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrCredentialLookup     = errors.New("credential lookup failed")
)
