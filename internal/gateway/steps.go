package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/gatekeeper/config"
	"github.com/wudi/gatekeeper/internal/auth"
	"github.com/wudi/gatekeeper/internal/pipeline"
	"github.com/wudi/gatekeeper/internal/router"
	"github.com/wudi/gatekeeper/internal/tracing"
)

// stepFactory turns step configs into pipeline steps. Key sources and
// credential resolvers are built once and shared by every route.
type stepFactory struct {
	auth    config.AuthenticationConfig
	secrets *config.SecretRegistry
	tracer  *tracing.Tracer

	keys     auth.KeySource
	resolver auth.CredentialResolver
	redis    *redis.Client
}

func newStepFactory(ac config.AuthenticationConfig, secrets *config.SecretRegistry, tracer *tracing.Tracer) *stepFactory {
	return &stepFactory{auth: ac, secrets: secrets, tracer: tracer}
}

// buildRouter populates a router from the configured route table, in
// order.
func (f *stepFactory) buildRouter(ctx context.Context, routes []config.RouteConfig, mode router.MatchMode) (*router.Router, error) {
	rt := router.New(router.WithMatchMode(mode))
	for _, rc := range routes {
		steps := make([]pipeline.Step, 0, len(rc.Steps))
		for i, sc := range rc.Steps {
			step, err := f.build(ctx, sc)
			if err != nil {
				return nil, fmt.Errorf("route %s: step %d: %w", rc.Path, i, err)
			}
			steps = append(steps, step)
		}
		if err := rt.Add(rc.Path, steps...); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (f *stepFactory) build(ctx context.Context, sc config.StepConfig) (pipeline.Step, error) {
	step, err := f.buildRaw(ctx, sc)
	if err != nil {
		return nil, err
	}
	return f.tracer.Step("step."+sc.Type, step), nil
}

func (f *stepFactory) buildRaw(ctx context.Context, sc config.StepConfig) (pipeline.Step, error) {
	switch sc.Type {
	case config.StepBearer:
		return f.bearer(ctx, sc.Check)
	case config.StepBasic:
		return f.basic()
	case config.StepAuthHeader:
		basic, err := f.basic()
		if err != nil {
			return nil, err
		}
		bearer, err := f.bearer(ctx, sc.Check)
		if err != nil {
			return nil, err
		}
		var fallback pipeline.Step
		if sc.Fallback != nil {
			if fallback, err = f.build(ctx, *sc.Fallback); err != nil {
				return nil, fmt.Errorf("fallback: %w", err)
			}
		}
		return auth.Dispatch(basic, bearer, fallback), nil
	case config.StepMethod:
		return pipeline.RequireMethod(sc.Methods...), nil
	case config.StepParamIn:
		return pipeline.RequireParamIn(sc.Param, sc.Allowed...), nil
	case config.StepClaim:
		return pipeline.RequireClaim(sc.Claim, sc.Value), nil
	case config.StepExpr:
		return pipeline.Expr(sc.Expression)
	case config.StepAllOf:
		inner := make([]pipeline.Step, 0, len(sc.Steps))
		for i, s := range sc.Steps {
			step, err := f.buildRaw(ctx, s)
			if err != nil {
				return nil, fmt.Errorf("all_of step %d: %w", i, err)
			}
			inner = append(inner, step)
		}
		return pipeline.Parallel(inner...), nil
	}
	return nil, fmt.Errorf("unknown step type %q", sc.Type)
}

func (f *stepFactory) bearer(ctx context.Context, check *config.StepConfig) (pipeline.Step, error) {
	keys, err := f.keySource(ctx)
	if err != nil {
		return nil, err
	}

	jc := f.auth.JWT
	opts := []auth.BearerOption{auth.WithLeeway(jc.Leeway)}
	if jc.Algorithm != "" {
		opts = append(opts, auth.WithAlgorithms(strings.Split(jc.Algorithm, ",")...))
	}
	if jc.Issuer != "" {
		opts = append(opts, auth.WithIssuer(jc.Issuer))
	}
	if len(jc.Audience) > 0 {
		opts = append(opts, auth.WithAudience(jc.Audience...))
	}
	if check != nil {
		step, err := f.build(ctx, *check)
		if err != nil {
			return nil, fmt.Errorf("check: %w", err)
		}
		opts = append(opts, auth.WithClaimCheck(step))
	}
	return auth.NewBearer(keys, opts...), nil
}

// keySource prefers a JWKS endpoint, then a public key, then the shared
// secret.
func (f *stepFactory) keySource(ctx context.Context) (auth.KeySource, error) {
	if f.keys != nil {
		return f.keys, nil
	}

	jc := f.auth.JWT
	switch {
	case jc.JWKSURL != "":
		jwks, err := auth.NewJWKS(ctx, jc.JWKSURL, jc.JWKSRefresh)
		if err != nil {
			return nil, err
		}
		f.keys = jwks
	case jc.PublicKey != "":
		data := jc.PublicKey
		if !strings.HasPrefix(strings.TrimSpace(data), "-----BEGIN") {
			b, err := os.ReadFile(data)
			if err != nil {
				return nil, fmt.Errorf("reading jwt public key: %w", err)
			}
			data = string(b)
		}
		keys, err := auth.PublicKeyPEM(data)
		if err != nil {
			return nil, err
		}
		f.keys = keys
	case jc.Secret != "":
		f.keys = auth.SecretKey(f.secrets, jc.Secret)
	default:
		return nil, fmt.Errorf("no jwt key source configured")
	}
	return f.keys, nil
}

func (f *stepFactory) basic() (pipeline.Step, error) {
	if f.resolver == nil {
		bc := f.auth.Basic
		switch bc.Source {
		case config.CredentialsUsers, "":
			f.resolver = auth.NewStaticUsers(bc.Users)
		case config.CredentialsPair:
			f.resolver = auth.NewSecretPair(f.secrets, bc.Username, bc.Password)
		case config.CredentialsRedis:
			f.redis = auth.NewRedisClient(bc.Redis)
			f.resolver = auth.NewRedisUsers(f.redis, bc.Redis.KeyPrefix, bc.Redis.Timeout)
		default:
			return nil, fmt.Errorf("unknown basic credential source %q", bc.Source)
		}
	}

	var opts []auth.BasicOption
	if f.auth.Basic.Realm != "" {
		opts = append(opts, auth.WithRealm(f.auth.Basic.Realm))
	}
	return auth.NewBasic(f.resolver, opts...), nil
}

// close releases clients opened while building steps.
func (f *stepFactory) close() error {
	if f.redis != nil {
		return f.redis.Close()
	}
	return nil
}
