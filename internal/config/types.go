package config

import (
	"net"
	"net/url"
	"time"
)

// Service is a named group of upstream endpoints sharing one selection strategy.
type Service struct {
	Name      string
	Strategy  string     // lb strategy name, "" means weighted_round_robin
	Endpoints []Endpoint // normalized, non-empty
}

type Endpoint struct {
	URL    *url.URL
	Weight int // 0 means default (1)
}

// Address returns host:port of the endpoint, defaulting the port to 80.
func (e Endpoint) Address() string {
	if e.URL == nil {
		return ""
	}
	if e.URL.Port() != "" {
		return e.URL.Host
	}
	return net.JoinHostPort(e.URL.Hostname(), "80")
}

// Route match + action.
type Route struct {
	Name         string
	Host         string   // "" => default host, "*.example.com" => wildcard
	PathPrefix   string   // must start with "/"
	Methods      []string // empty => any method
	Service      string   // Service.Name
	PreserveHost bool
	HostRewrite  string // overrides PreserveHost when set
	Timeout      time.Duration
	MaxAttempts  int // 0 means Policy.MaxAttempts

	StripPrefix     string
	AddPrefix       string
	Headers         []string // request header rules
	ResponseHeaders []string

	RateLimit *RateLimit
}

type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Upstream time.Duration // default per request deadline
}

// Upstream tunes the per-target connection pools and health tracking.
type Upstream struct {
	MaxConnsPerTarget  int
	MaxIdlePerTarget   int
	IdleTimeout        time.Duration
	DialTimeout        time.Duration
	SweepInterval      time.Duration
	UnhealthyThreshold int
	FailureWindow      time.Duration
	ProbeInterval      time.Duration
	HealthPath         string
}

// Route miss policies.
const (
	MissNotFound       = "not_found"
	MissBadGateway     = "bad_gateway"
	MissDefaultService = "default_service"
)

type Policy struct {
	RouteMiss         string
	DefaultService    string
	UnavailableStatus int
	RequestIDHeader   string
	MaxAttempts       int
}

type Limits struct {
	MaxConnections int // 0 = unlimited
}

type Gateway struct {
	Enabled bool
	Path    string
}

// Registry stores.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Registry struct {
	Store string
	TTL   time.Duration
	Redis Redis
}

type Redis struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Reload struct {
	Interval time.Duration
}
