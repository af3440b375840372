// Package proxy contains the routing table and the request forwarder: the
// components that decide which backend owns a request and relay it there.
package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/microshop/gateway/internal/registry"
)

// MethodAny matches every HTTP method.
const MethodAny = "*"

// Route maps a path prefix to a backend.
type Route struct {
	Pattern      string `json:"pattern"`
	Method       string `json:"method"`
	Backend      string `json:"backend"`
	StripPrefix  bool   `json:"strip_prefix"`
	AuthRequired bool   `json:"auth_required"`
}

// RewritePath returns the path to forward for an inbound path that matched
// this route.
func (rt Route) RewritePath(path string) string {
	if !rt.StripPrefix {
		return path
	}
	rewritten := strings.TrimPrefix(path, strings.TrimSuffix(rt.Pattern, "/"))
	if rewritten == "" || rewritten[0] != '/' {
		rewritten = "/" + rewritten
	}
	return rewritten
}

// Table is the immutable route table. It is built once at configuration load
// and only read afterwards, so resolution needs no locking.
type Table struct {
	routes []Route
}

// NewTable validates the routes against the registry and builds the table.
// Longer patterns sort first; among equal lengths, exact-method routes beat
// wildcards and declaration order breaks remaining ties.
func NewTable(routes []Route, reg *registry.Registry) (*Table, error) {
	validated := make([]Route, 0, len(routes))
	for i, rt := range routes {
		if rt.Pattern == "" || rt.Pattern[0] != '/' {
			return nil, fmt.Errorf("route %d: pattern %q must start with /", i, rt.Pattern)
		}
		if rt.Method == "" {
			rt.Method = MethodAny
		}
		rt.Method = strings.ToUpper(rt.Method)
		backend, err := reg.Get(rt.Backend)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rt.Pattern, err)
		}
		if !backend.Enabled {
			// A route pointing at a disabled backend is a configuration
			// error at startup, not a runtime 503.
			return nil, fmt.Errorf("route %q targets disabled backend %q", rt.Pattern, rt.Backend)
		}
		validated = append(validated, rt)
	}

	sort.SliceStable(validated, func(i, j int) bool {
		pi, pj := validated[i].Pattern, validated[j].Pattern
		if len(pi) != len(pj) {
			return len(pi) > len(pj)
		}
		return validated[i].Method != MethodAny && validated[j].Method == MethodAny
	})

	return &Table{routes: validated}, nil
}

// Resolve returns the route owning the request, if any. Method filtering is
// part of matching: a path covered only by routes for other methods resolves
// to nothing.
func (t *Table) Resolve(method, path string) (Route, bool) {
	for _, rt := range t.routes {
		if !matchPrefix(rt.Pattern, path) {
			continue
		}
		if rt.Method != MethodAny && rt.Method != method {
			continue
		}
		return rt, true
	}
	return Route{}, false
}

// Routes returns a copy of the table for introspection.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// matchPrefix reports whether path falls under pattern on a path-segment
// boundary: /api/cart matches /api/cart and /api/cart/42, not /api/cartx.
func matchPrefix(pattern, path string) bool {
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		return true
	}
	if !strings.HasPrefix(path, pattern) {
		return false
	}
	return len(path) == len(pattern) || path[len(pattern)] == '/'
}
