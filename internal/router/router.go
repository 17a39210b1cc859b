package router

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/loadbalancer"
)

// Route is one compiled routing entry. Immutable once the generation
// that owns it is built.
type Route struct {
	ID       string
	Pattern  string
	Wildcard bool   // pattern ends in a /*name segment
	Param    string // wildcard segment name, if any

	Balancer loadbalancer.Balancer
	Failover config.FailoverConfig

	prefix   string // literal part, no trailing slash
	segments int
}

// Endpoints returns the route's endpoint set in configured order.
func (r *Route) Endpoints() []*loadbalancer.Endpoint {
	return r.Balancer.Endpoints()
}

// Match is the result of routing a request path.
type Match struct {
	Route *Route
	// Params carries the wildcard capture, keyed by segment name.
	Params map[string]string
}

// Router matches request paths against a server's compiled route
// table. Specificity order: literal exact, then longest literal
// prefix, then longest wildcard prefix. Built once per generation and
// read-only afterwards.
type Router struct {
	tree      *httprouter.Router // tier 1: literal exact matches
	literal   []*Route           // tier 2: literal prefix matches, longest first
	wildcards []*Route           // tier 3: wildcard suffix matches, longest first
	byPattern map[string]*Route
	all       []*Route
}

// New creates an empty router.
func New() *Router {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	return &Router{
		tree:      tree,
		byPattern: make(map[string]*Route),
	}
}

// Build compiles a route table from configuration, constructing each
// route's balancer.
func Build(routes []config.RouteConfig) (*Router, error) {
	rt := New()
	for _, rc := range routes {
		if err := rt.AddRoute(rc); err != nil {
			return nil, err
		}
	}
	rt.sortTables()
	return rt, nil
}

// AddRoute compiles and registers a single route.
func (rt *Router) AddRoute(rc config.RouteConfig) error {
	if _, dup := rt.byPattern[rc.Path]; dup {
		return fmt.Errorf("route %q: duplicate pattern %q", rc.ID, rc.Path)
	}
	// The radix tree treats ':' as a parameter marker, so a literal
	// colon would change the pattern's meaning and can conflict with
	// sibling literals.
	if strings.Contains(rc.Path, ":") {
		return fmt.Errorf("route %q: pattern %q must not contain ':'", rc.ID, rc.Path)
	}

	endpoints := make([]*loadbalancer.Endpoint, 0, len(rc.Backends))
	for _, bc := range rc.Backends {
		ep, err := loadbalancer.NewEndpoint(bc)
		if err != nil {
			return fmt.Errorf("route %q: %w", rc.ID, err)
		}
		endpoints = append(endpoints, ep)
	}

	balancer, err := loadbalancer.New(rc.Policy, endpoints)
	if err != nil {
		return fmt.Errorf("route %q: %w", rc.ID, err)
	}

	route := &Route{
		ID:       rc.ID,
		Pattern:  rc.Path,
		Balancer: balancer,
		Failover: rc.Failover,
	}

	if i := strings.Index(rc.Path, "/*"); i >= 0 {
		route.Wildcard = true
		route.Param = rc.Path[i+2:]
		route.prefix = strings.TrimSuffix(rc.Path[:i], "/")
		route.segments = segmentCount(route.prefix)
		rt.wildcards = append(rt.wildcards, route)
	} else {
		route.prefix = strings.TrimSuffix(rc.Path, "/")
		route.segments = segmentCount(route.prefix)
		// Wildcard-free patterns go into the radix tree for exact
		// matching; prefix matching is handled by the sorted list to
		// avoid catch-all conflicts inside the tree. The root pattern
		// "/" is exact-only, otherwise it would shadow every wildcard.
		if err := rt.insert(rc.Path, route); err != nil {
			return fmt.Errorf("route %q: %w", rc.ID, err)
		}
		if route.prefix != "" {
			rt.literal = append(rt.literal, route)
		}
	}

	rt.byPattern[rc.Path] = route
	rt.all = append(rt.all, route)
	return nil
}

// insert registers a pattern with the radix tree. The tree reports
// conflicts by panicking; a conflict must surface as a construction
// error so a bad reload never takes the process down.
func (rt *Router) insert(pattern string, route *Route) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pattern %q conflicts in route tree: %v", pattern, r)
		}
	}()
	rt.tree.Handler(http.MethodGet, pattern, &capture{route: route})
	return nil
}

func (rt *Router) sortTables() {
	sort.SliceStable(rt.literal, func(i, j int) bool {
		return len(rt.literal[i].prefix) > len(rt.literal[j].prefix)
	})
	sort.SliceStable(rt.wildcards, func(i, j int) bool {
		return len(rt.wildcards[i].prefix) > len(rt.wildcards[j].prefix)
	})
}

// Lookup matches a request path. Returns nil when nothing matches.
func (rt *Router) Lookup(path string) *Match {
	// Tier 1: literal exact via the radix tree.
	cw := &capture{}
	rt.tree.ServeHTTP(cw, &http.Request{Method: http.MethodGet, URL: &url.URL{Path: path}})
	if cw.match != nil {
		return cw.match
	}

	// Tier 2: longest literal prefix.
	for _, route := range rt.literal {
		if pathHasPrefix(path, route.prefix) {
			return &Match{Route: route}
		}
	}

	// Tier 3: wildcard suffix, only when no literal matched.
	for _, route := range rt.wildcards {
		if pathHasPrefix(path, route.prefix) {
			m := &Match{Route: route}
			if route.Param != "" {
				m.Params = map[string]string{
					route.Param: strings.TrimPrefix(path[len(route.prefix):], "/"),
				}
			}
			return m
		}
	}

	return nil
}

// Routes returns all compiled routes in insertion order.
func (rt *Router) Routes() []*Route {
	return rt.all
}

// capture is both the handler registered with httprouter and the
// no-op ResponseWriter used to extract a match from tree dispatch
// without writing an HTTP response.
type capture struct {
	route  *Route
	match  *Match
	header http.Header
}

func (c *capture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if cw, ok := w.(*capture); ok {
		cw.match = &Match{Route: c.route}
	}
}

func (c *capture) Header() http.Header {
	if c.header == nil {
		c.header = make(http.Header)
	}
	return c.header
}

func (c *capture) Write([]byte) (int, error) { return 0, nil }
func (c *capture) WriteHeader(int)           {}

func segmentCount(path string) int {
	path = strings.Trim(path, "/")
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

// pathHasPrefix reports whether path equals prefix or extends it at a
// segment boundary. An empty prefix (route "/" or "/*x") matches
// everything.
func pathHasPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
