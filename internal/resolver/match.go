package resolver

import (
	"sort"
	"strings"

	gateway "github.com/relayproxy/relay/internal"
)

// segment is one compiled piece of an endpoint path pattern.
type segment struct {
	literal  string
	param    string // ":name" captures one segment
	wildcard bool   // ":name*" captures one or more trailing segments
}

// pattern is a compiled endpoint path. Patterns are compiled once per cache
// fill and matched on every request.
type pattern struct {
	segments     []segment
	literalCount int
	hasWildcard  bool
}

// compilePattern parses an endpoint path like "/users/:id" or
// "/files/:path*". A wildcard anywhere but the last position is treated as a
// plain parameter so a misconfigured endpoint degrades instead of panicking.
func compilePattern(path string) pattern {
	var p pattern
	parts := splitPath(path)
	for i, raw := range parts {
		last := i == len(parts)-1
		switch {
		case strings.HasPrefix(raw, ":") && strings.HasSuffix(raw, "*") && last:
			p.segments = append(p.segments, segment{param: raw[1 : len(raw)-1], wildcard: true})
			p.hasWildcard = true
		case strings.HasPrefix(raw, ":"):
			name := strings.TrimSuffix(raw[1:], "*")
			p.segments = append(p.segments, segment{param: name})
		default:
			p.segments = append(p.segments, segment{literal: raw})
			p.literalCount++
		}
	}
	return p
}

// match tests path against the pattern and returns the captured parameters.
// A wildcard consumes one or more remaining segments.
func (p pattern) match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	params := map[string]string{}
	for i, seg := range p.segments {
		if seg.wildcard {
			if len(parts) <= i {
				return nil, false
			}
			params[seg.param] = strings.Join(parts[i:], "/")
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		if seg.param != "" {
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	if len(parts) != len(p.segments) {
		return nil, false
	}
	return params, true
}

// splitPath breaks a URL path into segments, ignoring the leading slash and a
// single trailing slash. "/" yields no segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// route is an enabled endpoint with its compiled pattern.
type route struct {
	endpoint *gateway.Endpoint
	pattern  pattern
}

// sortRoutes orders routes most specific first: more literal segments win,
// then exact patterns beat wildcard ones, then longer patterns beat shorter.
// The sort is stable so equally specific endpoints keep store order.
func sortRoutes(routes []route) {
	sort.SliceStable(routes, func(i, j int) bool {
		a, b := routes[i].pattern, routes[j].pattern
		if a.literalCount != b.literalCount {
			return a.literalCount > b.literalCount
		}
		if a.hasWildcard != b.hasWildcard {
			return !a.hasWildcard
		}
		return len(a.segments) > len(b.segments)
	})
}
