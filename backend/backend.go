package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// Request is the prompt/context bundle handed to a backend model service.
type Request struct {
	RequestID      string
	Route          schema.Route
	Query          string
	Language       string
	TargetLanguage string
	Evidence       []schema.EvidenceItem
	History        []schema.Turn
	Attachments    []schema.Attachment
}

// Generation is a backend answer with its self-reported confidence in [0,1].
type Generation struct {
	Text       string
	Confidence float64
	Flags      []schema.GuardrailFlag
}

// Backend answers requests for one route.
type Backend interface {
	Generate(ctx context.Context, req Request) (Generation, error)
}

// Streamer is implemented by backends that can emit tokens incrementally.
// onToken returning an error aborts the stream with that error.
type Streamer interface {
	Stream(ctx context.Context, req Request, onToken func(token string) error) (Generation, error)
}

// Registry maps routes to backends.
type Registry struct {
	byRoute map[schema.Route]Backend
}

// NewRegistry returns a Registry from explicit bindings.
func NewRegistry(bindings map[schema.Route]Backend) *Registry {
	r := &Registry{byRoute: make(map[schema.Route]Backend, len(bindings))}
	for route, b := range bindings {
		r.byRoute[route] = b
	}
	return r
}

// FromConfig builds one backend per configured route. Keys are route names.
func FromConfig(cfgs map[string]config.BackendConfig, hc *httpx.Client) (*Registry, error) {
	r := &Registry{byRoute: make(map[schema.Route]Backend, len(cfgs))}
	for name, bc := range cfgs {
		route := schema.Route(name)
		if !route.Valid() {
			return nil, fmt.Errorf("backends.%s: unknown route", name)
		}
		switch bc.Provider {
		case "openai":
			r.byRoute[route] = NewOpenAI(bc)
		case "http":
			r.byRoute[route] = NewHTTP(bc, hc)
		default:
			return nil, fmt.Errorf("backends.%s: unsupported provider %q", name, bc.Provider)
		}
	}
	if _, ok := r.byRoute[schema.RouteFactual]; !ok {
		return nil, fmt.Errorf("backends.%s is required", schema.RouteFactual)
	}
	return r, nil
}

// For returns the backend bound to route, or the factual backend when the
// route has none.
func (r *Registry) For(route schema.Route) (Backend, error) {
	if b, ok := r.byRoute[route]; ok {
		return b, nil
	}
	if b, ok := r.byRoute[schema.RouteFactual]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no backend for route %s", route)
}

// Routes lists the routes with a dedicated backend.
func (r *Registry) Routes() []schema.Route {
	out := make([]schema.Route, 0, len(r.byRoute))
	for route := range r.byRoute {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
