package config

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

type dumpEndpoint struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

type dumpService struct {
	Name      string         `yaml:"name"`
	Strategy  string         `yaml:"strategy,omitempty"`
	Endpoints []dumpEndpoint `yaml:"endpoints"`
}

type dumpRoute struct {
	Name  string `yaml:"name"`
	Match struct {
		Host       string   `yaml:"host,omitempty"`
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods,omitempty"`
	} `yaml:"match"`
	Service     string `yaml:"service"`
	Timeout     string `yaml:"timeout,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	Rewrite     struct {
		StripPrefix     string   `yaml:"strip_prefix,omitempty"`
		AddPrefix       string   `yaml:"add_prefix,omitempty"`
		Headers         []string `yaml:"headers,omitempty"`
		ResponseHeaders []string `yaml:"response_headers,omitempty"`
	} `yaml:"rewrite,omitempty"`
	Options struct {
		PreserveHost bool   `yaml:"preserve_host,omitempty"`
		HostRewrite  string `yaml:"host_rewrite,omitempty"`
	} `yaml:"options,omitempty"`
	RateLimit *struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit,omitempty"`
}

type dumpConfig struct {
	EntryPoints []struct {
		Address string `yaml:"address"`
	} `yaml:"entrypoints"`
	Services []dumpService `yaml:"services"`
	Routes   []dumpRoute   `yaml:"routes"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Idle     string `yaml:"idle"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	Upstream struct {
		MaxConnsPerTarget  int    `yaml:"max_conns_per_target"`
		MaxIdlePerTarget   int    `yaml:"max_idle_per_target"`
		IdleTimeout        string `yaml:"idle_timeout"`
		DialTimeout        string `yaml:"dial_timeout"`
		SweepInterval      string `yaml:"sweep_interval"`
		UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
		FailureWindow      string `yaml:"failure_window"`
		ProbeInterval      string `yaml:"probe_interval"`
		HealthPath         string `yaml:"health_path,omitempty"`
	} `yaml:"upstream"`
	Policy struct {
		RouteMiss         string `yaml:"route_miss"`
		DefaultService    string `yaml:"default_service,omitempty"`
		UnavailableStatus int    `yaml:"unavailable_status"`
		RequestIDHeader   string `yaml:"request_id_header"`
		MaxAttempts       int    `yaml:"max_attempts"`
	} `yaml:"policy"`
	Limits struct {
		MaxConnections int `yaml:"max_connections"`
	} `yaml:"limits"`
	Gateway struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"gateway"`
	Registry struct {
		Store string `yaml:"store"`
		TTL   string `yaml:"ttl"`
		Redis struct {
			Addr      string `yaml:"addr,omitempty"`
			Password  string `yaml:"password,omitempty"`
			DB        int    `yaml:"db,omitempty"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
	} `yaml:"registry"`
	Reload struct {
		Interval string `yaml:"interval"`
	} `yaml:"reload"`
}

const redacted = "xxxxx"

// Dump renders c in the config file format, secrets redacted. The result
// parses back into an equivalent config.
func (c *Config) Dump() ([]byte, error) {
	var d dumpConfig
	for _, l := range c.Listen {
		d.EntryPoints = append(d.EntryPoints, struct {
			Address string `yaml:"address"`
		}{l})
	}

	names := make([]string, 0, len(c.Services))
	for n := range c.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		s := c.Services[n]
		ds := dumpService{Name: s.Name, Strategy: s.Strategy}
		for _, ep := range s.Endpoints {
			ds.Endpoints = append(ds.Endpoints, dumpEndpoint{URL: ep.URL.String(), Weight: max(ep.Weight, 1)})
		}
		d.Services = append(d.Services, ds)
	}

	for _, r := range c.Routes {
		var dr dumpRoute
		dr.Name = r.Name
		dr.Match.Host = r.Host
		dr.Match.PathPrefix = r.PathPrefix
		dr.Match.Methods = r.Methods
		dr.Service = r.Service
		dr.Timeout = durationString(r.Timeout)
		dr.MaxAttempts = r.MaxAttempts
		dr.Rewrite.StripPrefix = r.StripPrefix
		dr.Rewrite.AddPrefix = r.AddPrefix
		dr.Rewrite.Headers = r.Headers
		dr.Rewrite.ResponseHeaders = r.ResponseHeaders
		dr.Options.PreserveHost = r.PreserveHost
		dr.Options.HostRewrite = r.HostRewrite
		if rl := r.RateLimit; rl != nil {
			dr.RateLimit = &struct {
				RequestsPerSecond float64 `yaml:"requests_per_second"`
				Burst             int     `yaml:"burst"`
			}{rl.RequestsPerSecond, rl.Burst}
		}
		d.Routes = append(d.Routes, dr)
	}

	d.Timeouts.Read = c.Timeouts.Read.String()
	d.Timeouts.Write = c.Timeouts.Write.String()
	d.Timeouts.Idle = c.Timeouts.Idle.String()
	d.Timeouts.Upstream = c.Timeouts.Upstream.String()

	u := c.Upstream
	d.Upstream.MaxConnsPerTarget = u.MaxConnsPerTarget
	d.Upstream.MaxIdlePerTarget = u.MaxIdlePerTarget
	d.Upstream.IdleTimeout = u.IdleTimeout.String()
	d.Upstream.DialTimeout = u.DialTimeout.String()
	d.Upstream.SweepInterval = u.SweepInterval.String()
	d.Upstream.UnhealthyThreshold = u.UnhealthyThreshold
	d.Upstream.FailureWindow = u.FailureWindow.String()
	d.Upstream.ProbeInterval = u.ProbeInterval.String()
	d.Upstream.HealthPath = u.HealthPath

	d.Policy.RouteMiss = c.Policy.RouteMiss
	d.Policy.DefaultService = c.Policy.DefaultService
	d.Policy.UnavailableStatus = c.Policy.UnavailableStatus
	d.Policy.RequestIDHeader = c.Policy.RequestIDHeader
	d.Policy.MaxAttempts = c.Policy.MaxAttempts

	d.Limits.MaxConnections = c.Limits.MaxConnections
	d.Gateway.Enabled = c.Gateway.Enabled
	d.Gateway.Path = c.Gateway.Path

	d.Registry.Store = c.Registry.Store
	d.Registry.TTL = c.Registry.TTL.String()
	d.Registry.Redis.Addr = c.Registry.Redis.Addr
	if c.Registry.Redis.Password != "" {
		d.Registry.Redis.Password = redacted
	}
	d.Registry.Redis.DB = c.Registry.Redis.DB
	d.Registry.Redis.KeyPrefix = c.Registry.Redis.KeyPrefix
	d.Reload.Interval = c.Reload.Interval.String()

	return yaml.Marshal(&d)
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
