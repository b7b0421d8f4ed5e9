package router

import (
	"fmt"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

// compile parses a pattern into an Entry. Supported forms:
//
//	/blog          literal segments
//	/users/:id     named capture of exactly one segment
//	/files/*path   trailing wildcard bound to "path"
//	*  or  /a/*    trailing wildcard that binds nothing
func compile(pattern string) (*Entry, error) {
	if pattern == "" {
		return nil, fmt.Errorf("route pattern is empty")
	}
	entry := &Entry{Pattern: pattern}
	if pattern == "*" {
		entry.catchAll, entry.bare = catchAllName, true
		return entry, nil
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("route pattern %q must start with / or be *", pattern)
	}
	if pattern == "/" {
		return entry, nil
	}

	names := make(map[string]bool)
	parts := strings.Split(pattern[1:], "/")
	for i, part := range parts {
		switch {
		case part == "":
			return nil, fmt.Errorf("route pattern %q has an empty segment", pattern)
		case part[0] == '*':
			if i != len(parts)-1 {
				return nil, fmt.Errorf("route pattern %q: wildcard must be the last segment", pattern)
			}
			name := part[1:]
			if name == "" {
				entry.catchAll, entry.bare = catchAllName, true
				break
			}
			if err := checkName(pattern, name, names); err != nil {
				return nil, err
			}
			entry.catchAll = name
		case part[0] == ':':
			name := part[1:]
			if err := checkName(pattern, name, names); err != nil {
				return nil, err
			}
			entry.segments = append(entry.segments, segment{kind: segParam, value: name})
		default:
			if strings.ContainsAny(part, ":*") {
				return nil, fmt.Errorf("route pattern %q: segment %q mixes literal and wildcard", pattern, part)
			}
			entry.segments = append(entry.segments, segment{kind: segLiteral, value: part})
		}
	}
	return entry, nil
}

func checkName(pattern, name string, seen map[string]bool) error {
	if name == "" {
		return fmt.Errorf("route pattern %q: parameter needs a name", pattern)
	}
	if strings.ContainsAny(name, ":*") || name == catchAllName {
		return fmt.Errorf("route pattern %q: invalid parameter name %q", pattern, name)
	}
	if seen[name] {
		return fmt.Errorf("route pattern %q: duplicate parameter %q", pattern, name)
	}
	seen[name] = true
	return nil
}

// compareSpecificity orders two segment lists: positive when a is more
// specific than b. The first position where one has a literal and the other
// a capture decides.
func compareSpecificity(a, b []segment) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].kind == b[i].kind {
			continue
		}
		if a[i].kind == segLiteral {
			return 1
		}
		return -1
	}
	return 0
}
