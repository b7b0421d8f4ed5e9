package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
)

var errDenied = errors.New("denied")

func recordStep(name string, calls *[]string) Step {
	return func(_ context.Context, rc RequestContext) (RequestContext, error) {
		*calls = append(*calls, name)
		return rc.WithArtifact(name, true), nil
	}
}

func failStep(name string, calls *[]string) Step {
	return func(_ context.Context, rc RequestContext) (RequestContext, error) {
		*calls = append(*calls, name)
		return rc, Reject(errDenied)
	}
}

func TestNewRequestContext(t *testing.T) {
	h := http.Header{}
	h.Add("x-forwarded-for", "10.0.0.1")
	h.Add("X-Forwarded-For", "10.0.0.2")
	h.Set("Authorization", "Bearer abc")

	rc := NewRequestContext("get", h, nil, nil)

	if rc.Method != "GET" {
		t.Errorf("expected upper-cased method, got %q", rc.Method)
	}
	if got := rc.Header("X-FORWARDED-FOR"); got != "10.0.0.1, 10.0.0.2" {
		t.Errorf("expected joined header values, got %q", got)
	}
	if got := rc.Header("authorization"); got != "Bearer abc" {
		t.Errorf("expected case-insensitive lookup, got %q", got)
	}
	if rc.PathParams == nil || rc.QueryParams == nil || rc.Artifacts == nil {
		t.Error("expected non-nil maps")
	}
}

func TestWithArtifactCopies(t *testing.T) {
	base := NewRequestContext("GET", nil, nil, nil)
	enriched := base.WithArtifact("claims", map[string]any{"sub": "alice"})

	if _, ok := base.Artifact("claims"); ok {
		t.Fatal("WithArtifact must not modify the original context")
	}
	if _, ok := enriched.Artifact("claims"); !ok {
		t.Fatal("expected artifact on enriched context")
	}
}

func TestComposeEmpty(t *testing.T) {
	rc := NewRequestContext("GET", nil, map[string]string{"id": "42"}, nil)

	out, err := Compose()(context.Background(), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.PathParams["id"] != "42" || len(out.Artifacts) != 0 {
		t.Errorf("empty chain must return the input context, got %+v", out)
	}
}

func TestComposeThreadsContext(t *testing.T) {
	var calls []string
	seen := false
	check := func(_ context.Context, rc RequestContext) (RequestContext, error) {
		_, seen = rc.Artifact("first")
		return rc, nil
	}

	out, err := Compose(recordStep("first", &calls), check, recordStep("second", &calls))(
		context.Background(), NewRequestContext("GET", nil, nil, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen {
		t.Error("second step did not observe enrichment from the first")
	}
	if _, ok := out.Artifact("second"); !ok {
		t.Error("final context missing enrichment")
	}
}

func TestComposeHaltsOnFailure(t *testing.T) {
	var calls []string
	step := Compose(recordStep("a", &calls), failStep("b", &calls), recordStep("c", &calls))

	_, err := step(context.Background(), NewRequestContext("GET", nil, nil, nil))
	if !errors.Is(err, errDenied) {
		t.Fatalf("expected denied error, got %v", err)
	}
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if len(calls) != 2 || calls[1] != "b" {
		t.Errorf("expected chain to stop after b, got %v", calls)
	}
}

func TestComposeWrapsPlainErrors(t *testing.T) {
	boom := errors.New("boom")
	step := Compose(func(_ context.Context, rc RequestContext) (RequestContext, error) {
		return rc, boom
	})

	_, err := step(context.Background(), NewRequestContext("GET", nil, nil, nil))
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if !errors.Is(err, ErrStepFailed) || !errors.Is(err, boom) {
		t.Errorf("expected wrapped step failure, got %v", err)
	}
}

func TestComposeCancelled(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Compose(recordStep("a", &calls))(ctx, NewRequestContext("GET", nil, nil, nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		t.Error("cancellation must not be reported as an AuthError")
	}
	if len(calls) != 0 {
		t.Errorf("no step should run on a cancelled context, got %v", calls)
	}
}

func TestParallel(t *testing.T) {
	var n atomic.Int32
	ok := func(_ context.Context, rc RequestContext) (RequestContext, error) {
		n.Add(1)
		return rc.WithArtifact("ignored", true), nil
	}

	rc := NewRequestContext("GET", nil, nil, nil)
	out, err := Parallel(ok, ok, ok)(context.Background(), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", n.Load())
	}
	if _, found := out.Artifact("ignored"); found {
		t.Error("parallel enrichment must be discarded")
	}

	fail := func(_ context.Context, rc RequestContext) (RequestContext, error) {
		return rc, Reject(errDenied)
	}
	if _, err := Parallel(ok, fail)(context.Background(), rc); !errors.Is(err, errDenied) {
		t.Errorf("expected denied error, got %v", err)
	}
}

func TestRequireMethod(t *testing.T) {
	step := RequireMethod("get", "HEAD")

	if _, err := step(context.Background(), NewRequestContext("GET", nil, nil, nil)); err != nil {
		t.Errorf("GET should pass: %v", err)
	}
	_, err := step(context.Background(), NewRequestContext("POST", nil, nil, nil))
	if !errors.Is(err, ErrMethodNotAllowed) {
		t.Errorf("expected ErrMethodNotAllowed, got %v", err)
	}
}

func TestRequireParamIn(t *testing.T) {
	step := RequireParamIn("id", "42", "43")

	tests := []struct {
		name    string
		params  map[string]string
		wantErr bool
	}{
		{"allowed", map[string]string{"id": "42"}, false},
		{"not allowed", map[string]string{"id": "7"}, true},
		{"missing", map[string]string{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := step(context.Background(), NewRequestContext("GET", nil, tt.params, nil))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrParamNotAllowed) {
				t.Errorf("expected ErrParamNotAllowed, got %v", err)
			}
		})
	}
}

func TestRequireClaim(t *testing.T) {
	claims := map[string]any{
		"sub":       "alice",
		"blog:read": true,
		"level":     3,
		"roles":     []string{"reader", "editor"},
		"org":       map[string]any{"id": "acme"},
	}
	rc := NewRequestContext("GET", nil, nil, nil).WithArtifact(ArtifactClaims, claims)

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr error
	}{
		{"string", "sub", "alice", nil},
		{"bool", "blog:read", true, nil},
		{"number", "level", uint64(3), nil},
		{"array element", "roles", "editor", nil},
		{"nested", "org.id", "acme", nil},
		{"presence", "sub", nil, nil},
		{"wrong value", "sub", "bob", ErrClaimMismatch},
		{"wrong type", "level", "3", ErrClaimMismatch},
		{"missing", "admin", true, ErrClaimMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RequireClaim(tt.path, tt.want)(context.Background(), rc)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	_, err := RequireClaim("sub", "alice")(context.Background(), NewRequestContext("GET", nil, nil, nil))
	if !errors.Is(err, ErrMissingClaims) {
		t.Errorf("expected ErrMissingClaims without claims artifact, got %v", err)
	}
}

func TestExpr(t *testing.T) {
	h := http.Header{}
	h.Set("X-Tenant", "acme")
	rc := NewRequestContext("GET", h, map[string]string{"id": "42"}, url.Values{"v": {"2"}}).
		WithArtifact(ArtifactClaims, map[string]any{"role": "admin"})

	tests := []struct {
		expression string
		wantErr    bool
	}{
		{`method == "GET"`, false},
		{`params.id in ["42", "43"]`, false},
		{`headers["X-Tenant"] == "acme"`, false},
		{`query.v[0] == "2"`, false},
		{`artifacts.claims.role == "admin"`, false},
		{`method == "POST"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			step, err := Expr(tt.expression)
			if err != nil {
				t.Fatalf("compile failed: %v", err)
			}
			_, err = step(context.Background(), rc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrExprRejected) {
				t.Errorf("expected ErrExprRejected, got %v", err)
			}
		})
	}

	if _, err := Expr(`method +`); err == nil {
		t.Error("expected compile error")
	}
	if _, err := Expr(`method`); err == nil {
		t.Error("expected compile error for non-bool expression")
	}
}
