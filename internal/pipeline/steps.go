package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/tidwall/gjson"
)

var (
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrParamNotAllowed  = errors.New("path parameter not allowed")
	ErrClaimMismatch    = errors.New("claim mismatch")
	ErrMissingClaims    = errors.New("no claims in context")
	ErrExprRejected     = errors.New("expression rejected request")
)

// RequireMethod accepts only the listed HTTP methods.
func RequireMethod(methods ...string) Step {
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[strings.ToUpper(m)] = true
	}
	return func(_ context.Context, rc RequestContext) (RequestContext, error) {
		if !allowed[rc.Method] {
			return rc, Rejectf(ErrMethodNotAllowed, rc.Method)
		}
		return rc, nil
	}
}

// RequireParamIn accepts the request only when path parameter name is one of
// allowed. A missing parameter is rejected.
func RequireParamIn(name string, allowed ...string) Step {
	return func(_ context.Context, rc RequestContext) (RequestContext, error) {
		v, ok := rc.PathParams[name]
		if !ok || !slices.Contains(allowed, v) {
			return rc, Rejectf(ErrParamNotAllowed, fmt.Sprintf("%s=%q", name, v))
		}
		return rc, nil
	}
}

// RequireClaim checks the claims artifact at the gjson path against want.
// A nil want only requires the claim to be present. Array claims match when
// any element matches.
func RequireClaim(path string, want any) Step {
	return func(_ context.Context, rc RequestContext) (RequestContext, error) {
		claims, ok := rc.Artifact(ArtifactClaims)
		if !ok {
			return rc, Reject(ErrMissingClaims)
		}
		data, err := json.Marshal(claims)
		if err != nil {
			return rc, Rejectf(ErrMissingClaims, err.Error())
		}
		res := gjson.GetBytes(data, path)
		if !res.Exists() {
			return rc, Rejectf(ErrClaimMismatch, path+" missing")
		}
		if want == nil {
			return rc, nil
		}
		if res.IsArray() {
			for _, el := range res.Array() {
				if claimEquals(el, want) {
					return rc, nil
				}
			}
		} else if claimEquals(res, want) {
			return rc, nil
		}
		return rc, Rejectf(ErrClaimMismatch, path)
	}
}

func claimEquals(res gjson.Result, want any) bool {
	switch w := want.(type) {
	case bool:
		return (res.Type == gjson.True || res.Type == gjson.False) && res.Bool() == w
	case string:
		return res.Type == gjson.String && res.Str == w
	}
	if n, ok := toFloat(want); ok {
		return res.Type == gjson.Number && res.Num == n
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// ExprEnv is the environment an Expr step's expression is evaluated against.
type ExprEnv struct {
	Method    string              `expr:"method"`
	Headers   map[string]string   `expr:"headers"`
	Params    map[string]string   `expr:"params"`
	Query     map[string][]string `expr:"query"`
	Artifacts map[string]any      `expr:"artifacts"`
}

// Expr compiles a boolean expression over ExprEnv into a step, e.g.
//
//	method == "GET" && params.id in ["42", "43"]
func Expr(expression string) (Step, error) {
	program, err := expr.Compile(expression, expr.Env(ExprEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	return func(_ context.Context, rc RequestContext) (RequestContext, error) {
		out, err := expr.Run(program, ExprEnv{
			Method:    rc.Method,
			Headers:   rc.Headers,
			Params:    rc.PathParams,
			Query:     rc.QueryParams,
			Artifacts: rc.Artifacts,
		})
		if err != nil {
			return rc, Rejectf(ErrExprRejected, err.Error())
		}
		if ok, _ := out.(bool); !ok {
			return rc, Rejectf(ErrExprRejected, expression)
		}
		return rc, nil
	}, nil
}
