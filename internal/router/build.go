package router

import (
	"fmt"
	"sort"

	"github.com/fabian4/httpproxy/internal/config"
	"github.com/fabian4/httpproxy/internal/lb"
	"github.com/fabian4/httpproxy/internal/ratelimit"
	"github.com/fabian4/httpproxy/internal/rewrite"
	"github.com/fabian4/httpproxy/internal/upstream"
)

// Build turns a validated config into a table whose targets use pools from set.
func Build(cfg *config.Config, set *upstream.Set) (*Table, error) {
	routes := make([]*Route, 0, len(cfg.Routes))
	for i, rc := range cfg.Routes {
		r, err := buildRoute(cfg, rc, set)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		routes = append(routes, r)
	}

	var fallback *Route
	if cfg.Policy.RouteMiss == config.MissDefaultService {
		r, err := buildRoute(cfg, config.Route{
			Name:       "default",
			PathPrefix: "/",
			Service:    cfg.Policy.DefaultService,
		}, set)
		if err != nil {
			return nil, fmt.Errorf("policy.default_service: %w", err)
		}
		fallback = r
	}
	return NewTable(routes, fallback), nil
}

func buildRoute(cfg *config.Config, rc config.Route, set *upstream.Set) (*Route, error) {
	svc, ok := cfg.Services[rc.Service]
	if !ok {
		return nil, fmt.Errorf("service %q not found", rc.Service)
	}
	strategy, err := lb.ParseStrategy(svc.Strategy)
	if err != nil {
		return nil, err
	}

	targets := make([]*Target, 0, len(svc.Endpoints))
	for _, ep := range svc.Endpoints {
		base := ep.URL.Path
		if base == "/" {
			base = ""
		}
		targets = append(targets, NewTarget(set.Get(ep.Address()), ep.Weight, base))
	}

	rules, err := buildRules(rc)
	if err != nil {
		return nil, err
	}

	r := Route{
		Name:         rc.Name,
		Host:         rc.Host,
		PathPrefix:   rc.PathPrefix,
		Methods:      rc.Methods,
		Service:      rc.Service,
		Timeout:      rc.Timeout,
		MaxAttempts:  rc.MaxAttempts,
		PreserveHost: rc.PreserveHost,
		HostRewrite:  rc.HostRewrite,
		Rewrite:      rules,
		Targets:      targets,
	}
	if r.Timeout <= 0 {
		r.Timeout = cfg.Timeouts.Upstream
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = cfg.Policy.MaxAttempts
	}
	if rl := rc.RateLimit; rl != nil {
		r.RateLimit = &ratelimit.Config{RequestsPerSecond: rl.RequestsPerSecond, Burst: rl.Burst}
	}
	return NewRoute(r, strategy), nil
}

func buildRules(rc config.Route) (*rewrite.Rules, error) {
	req, err := rewrite.ParseHeaders(rc.Headers)
	if err != nil {
		return nil, fmt.Errorf("rewrite.headers%w", err)
	}
	res, err := rewrite.ParseHeaders(rc.ResponseHeaders)
	if err != nil {
		return nil, fmt.Errorf("rewrite.response_headers%w", err)
	}
	path := rewrite.Path{StripPrefix: rc.StripPrefix, AddPrefix: rc.AddPrefix}
	if len(req) == 0 && len(res) == 0 && path.IsZero() {
		return nil, nil
	}
	return &rewrite.Rules{Request: req, Response: res, Path: path}, nil
}

// Addresses lists the distinct target addresses a config refers to.
func Addresses(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	for _, s := range cfg.Services {
		for _, ep := range s.Endpoints {
			seen[ep.Address()] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
