package auth

import (
	"context"
	"strings"

	"github.com/wudi/gatekeeper/internal/pipeline"
)

// Dispatch picks a validator by the Authorization prefix: "Basic " goes
// to basic, "Bearer " to bearer and anything else (including no header)
// to fallback. Without a fallback those requests are rejected.
func Dispatch(basic, bearer, fallback pipeline.Step) pipeline.Step {
	return func(ctx context.Context, rc pipeline.RequestContext) (pipeline.RequestContext, error) {
		header := rc.Header("Authorization")
		switch {
		case strings.HasPrefix(header, basicPrefix):
			return basic(ctx, rc)
		case strings.HasPrefix(header, bearerPrefix):
			return bearer(ctx, rc)
		case fallback != nil:
			return fallback(ctx, rc)
		case header == "":
			return rc, bearerReject(ErrMissingAuthorization, "")
		default:
			return rc, bearerReject(ErrWrongScheme, "")
		}
	}
}
