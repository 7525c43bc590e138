package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/cuemby/tether/pkg/types"
)

// Request is one call into the API, whether it arrived over HTTP or was
// dispatched in process
type Request struct {
	Method string
	Path   string
	Params map[string]string
	Header http.Header
	Body   []byte

	// Route is the matched route
	Route *Route
	// RequestID correlates log lines; set by RequestLogger
	RequestID string
	// Claims is the authenticated caller; set by Authenticate
	Claims *Claims
}

// Param returns a path parameter
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// Handler serves one route. The returned value becomes the envelope's data.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a Handler. A middleware short-circuits by returning an
// error without calling next.
type Middleware func(next Handler) Handler

// Chain wraps h so that middlewares run in the given order
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Route binds a method and path pattern to a handler. Patterns use
// {name} segments, e.g. /workspace/{tenant}/{kind}/{id}/info.
type Route struct {
	Method  string
	Pattern string
	Name    string
	// Public routes skip authentication
	Public bool

	segments []string
	handler  Handler
}

// ParamNames returns the names of the pattern's wildcard segments
func (r *Route) ParamNames() []string {
	var names []string
	for _, seg := range r.segments {
		if name, ok := wildcard(seg); ok {
			names = append(names, name)
		}
	}
	return names
}

func (r *Route) match(method, path string) (map[string]string, bool) {
	if r.Method != method {
		return nil, false
	}
	parts := splitPath(path)
	if len(parts) != len(r.segments) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range r.segments {
		if name, ok := wildcard(seg); ok {
			if parts[i] == "" {
				return nil, false
			}
			params[name] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// Registry is the route table shared by the HTTP server and in-process
// dispatch. Every route is wrapped in the same middleware chain.
type Registry struct {
	routes     []*Route
	middleware []Middleware
}

// NewRegistry creates a registry whose routes run behind middlewares
func NewRegistry(middlewares ...Middleware) *Registry {
	return &Registry{middleware: middlewares}
}

// Handle registers a route. It panics on a duplicate method and pattern.
func (reg *Registry) Handle(method, pattern, name string, h Handler) *Route {
	for _, existing := range reg.routes {
		if existing.Method == method && existing.Pattern == pattern {
			panic(fmt.Sprintf("api: duplicate route %s %s", method, pattern))
		}
	}
	route := &Route{
		Method:   method,
		Pattern:  pattern,
		Name:     name,
		segments: splitPath(pattern),
		handler:  h,
	}
	reg.routes = append(reg.routes, route)
	return route
}

// Routes returns the registered routes sorted by pattern
func (reg *Registry) Routes() []*Route {
	routes := append([]*Route(nil), reg.routes...)
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Pattern == routes[j].Pattern {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Pattern < routes[j].Pattern
	})
	return routes
}

// Serve runs route's handler behind the middleware chain
func (reg *Registry) Serve(ctx context.Context, route *Route, req *Request) (any, error) {
	req.Route = route
	return Chain(route.handler, reg.middleware...)(ctx, req)
}

// Dispatch matches req against the route table and serves it in process
func (reg *Registry) Dispatch(ctx context.Context, req *Request) (any, error) {
	for _, route := range reg.routes {
		params, ok := route.match(req.Method, req.Path)
		if !ok {
			continue
		}
		req.Params = params
		if req.Header == nil {
			req.Header = http.Header{}
		}
		return reg.Serve(ctx, route, req)
	}
	return nil, NewError(http.StatusNotFound, CodeRouteNotFound, fmt.Sprintf("no route for %s %s", req.Method, req.Path))
}

// Path fills pattern's wildcards from params
func Path(pattern string, params map[string]string) string {
	segments := splitPath(pattern)
	for i, seg := range segments {
		if name, ok := wildcard(seg); ok {
			segments[i] = params[name]
		}
	}
	return "/" + strings.Join(segments, "/")
}

// Route patterns
const (
	PatternResourceInfo   = "/workspace/{tenant}/{kind}/{id}/info"
	PatternResource       = "/workspace/{tenant}/{kind}/{id}"
	PatternResources      = "/workspace/{tenant}/{kind}"
	PatternRunnerAssigned = "/workspace/{tenant}/runner/{runner}/resources/{kind}"
)

// InfoPath is the info route for one resource
func InfoPath(tenant types.ResourceID, kind types.ResourceKind, id types.ResourceID) string {
	return Path(PatternResourceInfo, map[string]string{
		"tenant": tenant.String(),
		"kind":   string(kind),
		"id":     id.String(),
	})
}

// AssignedPath is the route listing the resources of kind assigned to runner
func AssignedPath(runner types.RunnerIdentity, kind types.ResourceKind) string {
	return Path(PatternRunnerAssigned, map[string]string{
		"tenant": runner.TenantID.String(),
		"runner": runner.RunnerID.String(),
		"kind":   string(kind),
	})
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func wildcard(segment string) (string, bool) {
	if strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
		return segment[1 : len(segment)-1], true
	}
	return "", false
}
