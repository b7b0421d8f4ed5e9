package pipeline

import (
	"maps"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Well-known artifact keys written by the bundled validators.
const (
	ArtifactClaims   = "claims"
	ArtifactIdentity = "identity"
)

// RequestContext is the value threaded through a step chain. It is treated
// as immutable: steps that enrich it return a new value and never modify
// the maps of the one they were given.
type RequestContext struct {
	Method      string
	Headers     map[string]string // canonical keys, repeated values joined with ", "
	PathParams  map[string]string
	QueryParams url.Values
	Artifacts   map[string]any
}

// NewRequestContext builds the initial context for a recognized request.
func NewRequestContext(method string, header http.Header, pathParams map[string]string, query url.Values) RequestContext {
	headers := make(map[string]string, len(header))
	for k, vv := range header {
		headers[textproto.CanonicalMIMEHeaderKey(k)] = strings.Join(vv, ", ")
	}
	if pathParams == nil {
		pathParams = map[string]string{}
	}
	if query == nil {
		query = url.Values{}
	}
	return RequestContext{
		Method:      strings.ToUpper(method),
		Headers:     headers,
		PathParams:  pathParams,
		QueryParams: query,
		Artifacts:   map[string]any{},
	}
}

// Header returns the value of the named header, matched case-insensitively.
func (rc RequestContext) Header(name string) string {
	return rc.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// Artifact returns the artifact stored under key.
func (rc RequestContext) Artifact(key string) (any, bool) {
	v, ok := rc.Artifacts[key]
	return v, ok
}

// WithArtifact returns a copy of rc carrying value under key.
func (rc RequestContext) WithArtifact(key string, value any) RequestContext {
	artifacts := make(map[string]any, len(rc.Artifacts)+1)
	maps.Copy(artifacts, rc.Artifacts)
	artifacts[key] = value
	rc.Artifacts = artifacts
	return rc
}
