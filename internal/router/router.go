package router

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/gatekeeper/internal/pipeline"
)

// MatchMode selects how many entries Recognize returns.
type MatchMode int

const (
	// MatchAll returns every matching entry in registration order.
	MatchAll MatchMode = iota
	// MatchFirst stops at the first matching entry.
	MatchFirst
)

// lookupMethod is the synthetic method every pattern is registered under;
// the request method is irrelevant to structural matching.
const lookupMethod = "ROUTE"

// catchAllName is the parameter name used internally for a bare "*".
const catchAllName = "_catchall"

// Entry is one row of the route table.
type Entry struct {
	Pattern string
	Steps   []pipeline.Step

	segments []segment
	catchAll string // parameter bound by a trailing wildcard, "" if none
	bare     bool   // trailing wildcard is an unnamed "*"
	tree     *httprouter.Router
}

// Match is one matched entry with the parameters its pattern extracted.
type Match struct {
	Entry  *Entry
	Params map[string]string
}

// MatchResult is the outcome of Recognize.
type MatchResult struct {
	Matches []Match
	Query   url.Values
}

// Empty reports whether no entry matched.
func (m MatchResult) Empty() bool {
	return len(m.Matches) == 0
}

// Steps concatenates the steps of all matched entries in match order.
func (m MatchResult) Steps() []pipeline.Step {
	var steps []pipeline.Step
	for _, match := range m.Matches {
		steps = append(steps, match.Entry.Steps...)
	}
	return steps
}

// Params merges the path parameters of all matches. Later matches win on
// key collision.
func (m MatchResult) Params() map[string]string {
	params := make(map[string]string)
	for _, match := range m.Matches {
		maps.Copy(params, match.Params)
	}
	return params
}

// Patterns lists the matched patterns, for logging.
func (m MatchResult) Patterns() []string {
	out := make([]string, len(m.Matches))
	for i, match := range m.Matches {
		out[i] = match.Entry.Pattern
	}
	return out
}

// Option configures a Router.
type Option func(*Router)

// WithMatchMode overrides the default accumulate-all matching.
func WithMatchMode(mode MatchMode) Option {
	return func(r *Router) {
		r.mode = mode
	}
}

// Router is an ordered route table. Add is only called during startup;
// Recognize is safe for concurrent use afterwards.
type Router struct {
	entries []*Entry
	mode    MatchMode
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add appends a pattern and its steps to the table.
func (r *Router) Add(pattern string, steps ...pipeline.Step) (err error) {
	entry, err := compile(pattern)
	if err != nil {
		return err
	}
	entry.Steps = steps

	// Each pattern gets its own tree so overlapping patterns never conflict.
	// httprouter still panics on malformed paths it does not like.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("invalid route pattern %q: %v", pattern, rec)
		}
	}()
	entry.tree = httprouter.New()
	entry.tree.Handle(lookupMethod, entry.treePath(), func(http.ResponseWriter, *http.Request, httprouter.Params) {})

	r.entries = append(r.entries, entry)
	return nil
}

// Len returns the number of registered entries.
func (r *Router) Len() int {
	return len(r.entries)
}

// Recognize matches path against the table and parses rawQuery.
//
// Trailing wildcards accumulate alongside everything else. Among matching
// patterns without a wildcard only the most specific are kept, where a
// literal segment outranks a named capture at the first position they
// differ. So "/blog" shadows "/:id" for the path "/blog" while "*" still
// matches it.
func (r *Router) Recognize(path, rawQuery string) MatchResult {
	query, _ := url.ParseQuery(rawQuery)
	if query == nil {
		query = url.Values{}
	}
	result := MatchResult{Query: query}
	if path == "" {
		path = "/"
	}
	if path[0] != '/' {
		return result
	}

	var best []segment
	found := false
	for _, e := range r.entries {
		if e.catchAll != "" {
			continue
		}
		if _, ok := e.lookup(path); !ok {
			continue
		}
		if !found || compareSpecificity(e.segments, best) > 0 {
			best, found = e.segments, true
		}
	}

	for _, e := range r.entries {
		params, ok := e.lookup(path)
		if !ok {
			continue
		}
		if e.catchAll == "" && compareSpecificity(e.segments, best) < 0 {
			continue
		}
		result.Matches = append(result.Matches, Match{Entry: e, Params: params})
		if r.mode == MatchFirst {
			break
		}
	}
	return result
}

func (e *Entry) lookup(path string) (map[string]string, bool) {
	handle, ps, _ := e.tree.Lookup(lookupMethod, path)
	if handle == nil {
		return nil, false
	}
	params := make(map[string]string, len(ps))
	for _, p := range ps {
		if p.Key == e.catchAll {
			if e.bare {
				continue
			}
			params[p.Key] = strings.TrimPrefix(p.Value, "/")
			continue
		}
		params[p.Key] = p.Value
	}
	return params, true
}

func (e *Entry) treePath() string {
	var b strings.Builder
	for _, s := range e.segments {
		b.WriteByte('/')
		switch s.kind {
		case segParam:
			b.WriteString(":" + s.value)
		default:
			b.WriteString(s.value)
		}
	}
	if e.catchAll != "" {
		b.WriteString("/*" + e.catchAll)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
