package router

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fabian4/httpproxy/internal/lb"
	"github.com/fabian4/httpproxy/internal/ratelimit"
	"github.com/fabian4/httpproxy/internal/rewrite"
	"github.com/fabian4/httpproxy/internal/upstream"
)

// Target is one upstream of a route. The pool is shared by every route that
// points at the same address, the weight belongs to this route.
type Target struct {
	*upstream.Pool
	weight   int
	BasePath string // path of the endpoint URL, prepended to the request path
}

func NewTarget(p *upstream.Pool, weight int, basePath string) *Target {
	if weight <= 0 {
		weight = 1
	}
	return &Target{Pool: p, weight: weight, BasePath: basePath}
}

func (t *Target) Weight() int { return t.weight }

// Route is immutable once its table is published.
type Route struct {
	Name         string
	Host         string
	PathPrefix   string
	Methods      []string
	Service      string
	Timeout      time.Duration
	MaxAttempts  int
	PreserveHost bool
	HostRewrite  string
	Rewrite      *rewrite.Rules
	RateLimit    *ratelimit.Config
	Targets      []*Target

	peers    []lb.Peer
	balancer *lb.Balancer
}

// NewRoute wires the balancer over targets.
func NewRoute(r Route, strategy lb.Strategy) *Route {
	r.peers = make([]lb.Peer, len(r.Targets))
	for i, t := range r.Targets {
		r.peers[i] = t
	}
	r.balancer = lb.New(strategy, len(r.Targets))
	return &r
}

func (r *Route) Strategy() lb.Strategy { return r.balancer.Strategy() }

func (r *Route) allows(method string) bool {
	return len(r.Methods) == 0 || slices.Contains(r.Methods, method)
}

// Pick selects an available target that is not in tried.
func (r *Route) Pick(tried []*Target) (*Target, error) {
	var skip func(int) bool
	if len(tried) > 0 {
		skip = func(i int) bool { return slices.Contains(tried, r.Targets[i]) }
	}
	i := r.balancer.Next(r.peers, skip)
	if i < 0 {
		return nil, ErrUpstreamUnavailable
	}
	return r.Targets[i], nil
}

type wildcardBucket struct {
	suffix string   // "example.com" for host "*.example.com"
	routes []*Route // sorted by prefix desc
}

// Table is an immutable route snapshot.
type Table struct {
	byHost   map[string][]*Route // exact host -> routes sorted by prefix desc
	wildcard []wildcardBucket    // longest suffix first
	any      []*Route            // routes without host -> prefix desc
	fallback *Route
	routes   []*Route // declaration order
}

// NewTable indexes routes. Sorting is stable so routes with the same
// specificity keep their declaration order and the first one wins.
func NewTable(routes []*Route, fallback *Route) *Table {
	t := &Table{
		byHost:   make(map[string][]*Route),
		fallback: fallback,
		routes:   routes,
	}
	wildBySuffix := make(map[string]*wildcardBucket)
	var suffixes []string

	for _, r := range routes {
		h := strings.ToLower(strings.TrimSpace(r.Host))
		switch {
		case h == "":
			t.any = append(t.any, r)
		case strings.HasPrefix(h, "*.") && len(h) > 2:
			suffix := h[2:]
			b, ok := wildBySuffix[suffix]
			if !ok {
				b = &wildcardBucket{suffix: suffix}
				wildBySuffix[suffix] = b
				suffixes = append(suffixes, suffix)
			}
			b.routes = append(b.routes, r)
		default:
			t.byHost[h] = append(t.byHost[h], r)
		}
	}

	for h := range t.byHost {
		sortByPrefix(t.byHost[h])
	}
	for _, s := range suffixes {
		b := wildBySuffix[s]
		sortByPrefix(b.routes)
		t.wildcard = append(t.wildcard, *b)
	}
	sort.SliceStable(t.wildcard, func(i, j int) bool {
		return len(t.wildcard[i].suffix) > len(t.wildcard[j].suffix)
	})
	sortByPrefix(t.any)
	return t
}

func sortByPrefix(rs []*Route) {
	sort.SliceStable(rs, func(i, j int) bool {
		return len(rs[i].PathPrefix) > len(rs[j].PathPrefix)
	})
}

// Lookup returns the most specific route: exact host, then wildcard host,
// then routes without host; longest path prefix within each. It does not
// consult the fallback route.
func (t *Table) Lookup(host, path, method string) (*Route, bool) {
	h := normalizeHost(host)
	if r := match(t.byHost[h], path, method); r != nil {
		return r, true
	}
	for i := range t.wildcard {
		if wildcardHostMatch(h, t.wildcard[i].suffix) {
			if r := match(t.wildcard[i].routes, path, method); r != nil {
				return r, true
			}
		}
	}
	if r := match(t.any, path, method); r != nil {
		return r, true
	}
	return nil, false
}

func (t *Table) Fallback() *Route { return t.fallback }

// Routes returns the routes in declaration order.
func (t *Table) Routes() []*Route { return t.routes }

func match(rs []*Route, path, method string) *Route {
	for _, r := range rs {
		if PrefixMatch(path, r.PathPrefix) && r.allows(method) {
			return r
		}
	}
	return nil
}

// PrefixMatch treats prefix as a path-segment prefix, not a raw string prefix.
//
//	prefix="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	prefix="/api/" matches "/api/v1", "/api/foo" but NOT "/api"
//	prefix="/"     matches everything.
func PrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// wildcardHostMatch implements "*.example.com": subdomains at any depth
// match, the bare "example.com" does not.
func wildcardHostMatch(host, suffix string) bool {
	if len(host) <= len(suffix) || !strings.HasSuffix(host, suffix) {
		return false
	}
	return host[len(host)-len(suffix)-1] == '.'
}

// normalizeHost strips the port and a trailing dot and lowercases. It only
// allocates when the host has upper case letters.
func normalizeHost(h string) string {
	if strings.HasPrefix(h, "[") {
		if i := strings.IndexByte(h, ']'); i > 0 {
			h = h[1:i]
		}
	} else if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	h = strings.TrimSuffix(h, ".")
	return strings.ToLower(h)
}
