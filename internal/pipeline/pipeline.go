package pipeline

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Step validates a request context. It returns the (possibly enriched)
// context on success, or an error that rejects the request.
type Step func(ctx context.Context, rc RequestContext) (RequestContext, error)

// AuthError is the rejection returned by a failed step. Reason is meant for
// server-side logs; Err is the sentinel callers match with errors.Is.
type AuthError struct {
	Reason    string
	Err       error
	Challenge string // WWW-Authenticate value, optional
}

func (e *AuthError) Error() string {
	return e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Reject returns an AuthError whose reason is the sentinel's message.
func Reject(cause error) *AuthError {
	return &AuthError{Reason: cause.Error(), Err: cause}
}

// Rejectf returns an AuthError with a detailed reason wrapping cause.
func Rejectf(cause error, reason string) *AuthError {
	return &AuthError{Reason: cause.Error() + ": " + reason, Err: cause}
}

// ErrStepFailed marks a step that returned a plain error instead of an
// AuthError.
var ErrStepFailed = errors.New("step failed")

// Compose chains steps sequentially. Each step receives the context returned
// by the previous one and the first failure halts the chain. Cancellation of
// ctx is checked before every step.
func Compose(steps ...Step) Step {
	return func(ctx context.Context, rc RequestContext) (RequestContext, error) {
		for _, step := range steps {
			if step == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return rc, err
			}
			next, err := step(ctx, rc)
			if err != nil {
				return rc, normalize(err)
			}
			rc = next
		}
		return rc, nil
	}
}

// Parallel runs independent checks concurrently and fails with the first
// error. Enrichment is discarded: the returned context is always the input.
// Only steps that neither read nor write artifacts belong here.
func Parallel(steps ...Step) Step {
	return func(ctx context.Context, rc RequestContext) (RequestContext, error) {
		if err := ctx.Err(); err != nil {
			return rc, err
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, step := range steps {
			if step == nil {
				continue
			}
			g.Go(func() error {
				_, err := step(gctx, rc)
				if err != nil {
					return normalize(err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return rc, err
		}
		return rc, nil
	}
}

func normalize(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}
	return &AuthError{Reason: ErrStepFailed.Error() + ": " + err.Error(), Err: errors.Join(ErrStepFailed, err)}
}
