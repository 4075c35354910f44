package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/httpproxy/internal/rewrite"
)

type rawConfig struct {
	EntryPoints []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
	} `yaml:"entrypoints"`
	Services []struct {
		Name      string `yaml:"name"`
		Strategy  string `yaml:"strategy"`
		Endpoints []any  `yaml:"endpoints"`
	} `yaml:"services"`
	Routes []struct {
		Name  string `yaml:"name"`
		Match struct {
			Host       string   `yaml:"host"`
			PathPrefix string   `yaml:"path_prefix"`
			Methods    []string `yaml:"methods"`
		} `yaml:"match"`
		Service     string `yaml:"service"`
		Timeout     string `yaml:"timeout"`
		MaxAttempts int    `yaml:"max_attempts"`
		Rewrite     struct {
			StripPrefix     string   `yaml:"strip_prefix"`
			AddPrefix       string   `yaml:"add_prefix"`
			Headers         []string `yaml:"headers"`
			ResponseHeaders []string `yaml:"response_headers"`
		} `yaml:"rewrite"`
		Options struct {
			PreserveHost bool   `yaml:"preserve_host"`
			HostRewrite  string `yaml:"host_rewrite"`
		} `yaml:"options"`
		RateLimit *struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"routes"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Idle     string `yaml:"idle"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	Upstream struct {
		MaxConnsPerTarget  *int   `yaml:"max_conns_per_target"`
		MaxIdlePerTarget   *int   `yaml:"max_idle_per_target"`
		IdleTimeout        string `yaml:"idle_timeout"`
		DialTimeout        string `yaml:"dial_timeout"`
		SweepInterval      string `yaml:"sweep_interval"`
		UnhealthyThreshold *int   `yaml:"unhealthy_threshold"`
		FailureWindow      string `yaml:"failure_window"`
		ProbeInterval      string `yaml:"probe_interval"`
		HealthPath         string `yaml:"health_path"`
	} `yaml:"upstream"`
	Policy struct {
		RouteMiss         string `yaml:"route_miss"`
		DefaultService    string `yaml:"default_service"`
		UnavailableStatus int    `yaml:"unavailable_status"`
		RequestIDHeader   string `yaml:"request_id_header"`
		MaxAttempts       int    `yaml:"max_attempts"`
	} `yaml:"policy"`
	Limits struct {
		MaxConnections int `yaml:"max_connections"`
	} `yaml:"limits"`
	Gateway struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"gateway"`
	Registry struct {
		Store string `yaml:"store"`
		TTL   string `yaml:"ttl"`
		Redis struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
	} `yaml:"registry"`
	Reload struct {
		Interval string `yaml:"interval"`
	} `yaml:"reload"`
}

type Config struct {
	Listen   []string
	Services map[string]Service
	Routes   []Route
	Timeouts Timeouts
	Upstream Upstream
	Policy   Policy
	Limits   Limits
	Gateway  Gateway
	Registry Registry
	Reload   Reload
}

const DefaultListen = "127.0.0.1:3003"

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   []string{DefaultListen},
		Services: map[string]Service{},
		Timeouts: Timeouts{
			Read:     30 * time.Second,
			Idle:     60 * time.Second,
			Upstream: 30 * time.Second,
		},
		Upstream: Upstream{
			MaxConnsPerTarget:  64,
			MaxIdlePerTarget:   16,
			IdleTimeout:        90 * time.Second,
			DialTimeout:        3 * time.Second,
			SweepInterval:      30 * time.Second,
			UnhealthyThreshold: 3,
			FailureWindow:      10 * time.Second,
			ProbeInterval:      5 * time.Second,
		},
		Policy: Policy{
			RouteMiss:         MissNotFound,
			UnavailableStatus: 503,
			RequestIDHeader:   "X-Request-Id",
			MaxAttempts:       2,
		},
		Gateway: Gateway{
			Enabled: true,
			Path:    "/api/gw",
		},
		Registry: Registry{
			Store: StoreMemory,
			Redis: Redis{KeyPrefix: "httpproxy"},
		},
		Reload: Reload{Interval: 5 * time.Second},
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML document on top of Default and validates the result.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := Default()

	// listen
	if len(rc.EntryPoints) > 0 {
		c.Listen = c.Listen[:0]
		for i, ep := range rc.EntryPoints {
			addr := normalizeListen(ep.Address)
			if addr == "" {
				return nil, fmt.Errorf("entrypoints[%d]: address is required", i)
			}
			c.Listen = append(c.Listen, addr)
		}
	}

	// services
	for i, s := range rc.Services {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("services[%d]: name is required", i)
		}
		if _, dup := c.Services[name]; dup {
			return nil, fmt.Errorf("services: duplicate name %q", name)
		}
		if len(s.Endpoints) == 0 {
			return nil, fmt.Errorf("services[%d]: endpoints is empty", i)
		}
		var eps []Endpoint
		for j, raw := range s.Endpoints {
			var rawURL string
			weight := 1

			switch v := raw.(type) {
			case string:
				rawURL = v
			case map[string]any:
				if u, ok := v["url"].(string); ok {
					rawURL = u
				}
				if w, ok := v["weight"].(int); ok {
					weight = w
				}
			default:
				return nil, fmt.Errorf("services[%d].endpoints[%d]: invalid format", i, j)
			}
			u, err := ParseEndpoint(rawURL)
			if err != nil {
				return nil, fmt.Errorf("services[%d].endpoints[%d]: %w", i, j, err)
			}
			if weight < 1 {
				return nil, fmt.Errorf("services[%d].endpoints[%d]: weight must be positive", i, j)
			}
			eps = append(eps, Endpoint{URL: u, Weight: weight})
		}
		c.Services[name] = Service{
			Name:      name,
			Strategy:  strings.ToLower(strings.TrimSpace(s.Strategy)),
			Endpoints: eps,
		}
	}

	// routes, kept in declaration order
	for i, r := range rc.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		pfx := strings.TrimSpace(r.Match.PathPrefix)
		if pfx == "" {
			pfx = "/"
		}
		if !strings.HasPrefix(pfx, "/") {
			return nil, fmt.Errorf("routes[%d]: path_prefix must start with '/'", i)
		}
		service := strings.TrimSpace(r.Service)
		if service == "" {
			return nil, fmt.Errorf("routes[%d]: service (service name) is required", i)
		}
		if _, ok := c.Services[service]; !ok {
			return nil, fmt.Errorf("routes[%d]: service=%q not found in services", i, service)
		}
		if _, err := rewrite.ParseHeaders(r.Rewrite.Headers); err != nil {
			return nil, fmt.Errorf("routes[%d].rewrite.headers%w", i, err)
		}
		if _, err := rewrite.ParseHeaders(r.Rewrite.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("routes[%d].rewrite.response_headers%w", i, err)
		}
		var methods []string
		for _, m := range r.Match.Methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				methods = append(methods, m)
			}
		}
		rt := Route{
			Name:            name,
			Host:            strings.ToLower(strings.TrimSpace(r.Match.Host)),
			PathPrefix:      pfx,
			Methods:         methods,
			Service:         service,
			PreserveHost:    r.Options.PreserveHost,
			HostRewrite:     strings.TrimSpace(r.Options.HostRewrite),
			MaxAttempts:     r.MaxAttempts,
			StripPrefix:     strings.TrimSpace(r.Rewrite.StripPrefix),
			AddPrefix:       strings.TrimSpace(r.Rewrite.AddPrefix),
			Headers:         r.Rewrite.Headers,
			ResponseHeaders: r.Rewrite.ResponseHeaders,
		}
		if err := parseDuration(fmt.Sprintf("routes[%d].timeout", i), r.Timeout, &rt.Timeout); err != nil {
			return nil, err
		}
		if r.RateLimit != nil {
			rt.RateLimit = &RateLimit{
				RequestsPerSecond: r.RateLimit.RequestsPerSecond,
				Burst:             r.RateLimit.Burst,
			}
		}
		c.Routes = append(c.Routes, rt)
	}

	// timeouts
	for _, d := range []struct {
		field string
		val   string
		dst   *time.Duration
	}{
		{"timeouts.read", rc.Timeouts.Read, &c.Timeouts.Read},
		{"timeouts.write", rc.Timeouts.Write, &c.Timeouts.Write},
		{"timeouts.idle", rc.Timeouts.Idle, &c.Timeouts.Idle},
		{"timeouts.upstream", rc.Timeouts.Upstream, &c.Timeouts.Upstream},
		{"upstream.idle_timeout", rc.Upstream.IdleTimeout, &c.Upstream.IdleTimeout},
		{"upstream.dial_timeout", rc.Upstream.DialTimeout, &c.Upstream.DialTimeout},
		{"upstream.sweep_interval", rc.Upstream.SweepInterval, &c.Upstream.SweepInterval},
		{"upstream.failure_window", rc.Upstream.FailureWindow, &c.Upstream.FailureWindow},
		{"upstream.probe_interval", rc.Upstream.ProbeInterval, &c.Upstream.ProbeInterval},
		{"registry.ttl", rc.Registry.TTL, &c.Registry.TTL},
		{"reload.interval", rc.Reload.Interval, &c.Reload.Interval},
	} {
		if err := parseDuration(d.field, d.val, d.dst); err != nil {
			return nil, err
		}
	}

	// upstream
	if v := rc.Upstream.MaxConnsPerTarget; v != nil {
		c.Upstream.MaxConnsPerTarget = *v
	}
	if v := rc.Upstream.MaxIdlePerTarget; v != nil {
		c.Upstream.MaxIdlePerTarget = *v
	}
	if v := rc.Upstream.UnhealthyThreshold; v != nil {
		c.Upstream.UnhealthyThreshold = *v
	}
	c.Upstream.HealthPath = strings.TrimSpace(rc.Upstream.HealthPath)

	// policy
	if v := strings.TrimSpace(rc.Policy.RouteMiss); v != "" {
		c.Policy.RouteMiss = strings.ToLower(v)
	}
	c.Policy.DefaultService = strings.TrimSpace(rc.Policy.DefaultService)
	if rc.Policy.UnavailableStatus != 0 {
		c.Policy.UnavailableStatus = rc.Policy.UnavailableStatus
	}
	if v := strings.TrimSpace(rc.Policy.RequestIDHeader); v != "" {
		c.Policy.RequestIDHeader = v
	}
	if rc.Policy.MaxAttempts != 0 {
		c.Policy.MaxAttempts = rc.Policy.MaxAttempts
	}

	c.Limits.MaxConnections = rc.Limits.MaxConnections

	// gateway
	if rc.Gateway.Enabled != nil {
		c.Gateway.Enabled = *rc.Gateway.Enabled
	}
	if v := strings.TrimSpace(rc.Gateway.Path); v != "" {
		c.Gateway.Path = strings.TrimSuffix(v, "/")
	}

	// registry
	if v := strings.TrimSpace(rc.Registry.Store); v != "" {
		c.Registry.Store = strings.ToLower(v)
	}
	c.Registry.Redis.Addr = strings.TrimSpace(rc.Registry.Redis.Addr)
	c.Registry.Redis.Password = rc.Registry.Redis.Password
	c.Registry.Redis.DB = rc.Registry.Redis.DB
	if v := strings.TrimSpace(rc.Registry.Redis.KeyPrefix); v != "" {
		c.Registry.Redis.KeyPrefix = v
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseEndpoint accepts "http://host:port[/base]" or a bare "host:port".
func ParseEndpoint(s string) (*url.URL, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("endpoint is empty")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse: %v", err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("must be http URL with host")
	}
	return u, nil
}

func normalizeListen(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	return addr
}

func parseDuration(field, s string, dst *time.Duration) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %v", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: must not be negative", field)
	}
	*dst = d
	return nil
}
