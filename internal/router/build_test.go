package router

import (
	"testing"

	"github.com/fabian4/httpproxy/internal/config"
	"github.com/fabian4/httpproxy/internal/lb"
	"github.com/fabian4/httpproxy/internal/upstream"
)

func TestBuild(t *testing.T) {
	cfg, err := config.Parse([]byte(`
services:
  - name: api
    strategy: round_robin
    endpoints:
      - "http://10.0.0.1:9001/base"
      - { url: "http://10.0.0.2", weight: 2 }
  - name: web
    endpoints: ["10.0.0.1:9001"]
routes:
  - name: api
    match: { host: a.example, path_prefix: /api }
    service: api
    rewrite: { strip_prefix: /api, headers: ["X-Env: prod"] }
    rate_limit: { requests_per_second: 5, burst: 1 }
  - name: web
    service: web
    timeout: 1s
policy:
  route_miss: default_service
  default_service: web
  max_attempts: 3
timeouts: { upstream: 7s }
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	set := upstream.NewSet(upstream.DefaultOptions())
	defer set.Close()

	tbl, err := Build(cfg, set)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	api, ok := tbl.Lookup("a.example", "/api/users", "GET")
	if !ok || api.Name != "api" {
		t.Fatalf("lookup api: got %v", api)
	}
	if api.Strategy() != lb.RoundRobin {
		t.Fatalf("strategy: got %v", api.Strategy())
	}
	if len(api.Targets) != 2 {
		t.Fatalf("targets: got %d, want 2", len(api.Targets))
	}
	if got := api.Targets[0].Address(); got != "10.0.0.1:9001" {
		t.Fatalf("target[0]: got %q", got)
	}
	if got := api.Targets[0].BasePath; got != "/base" {
		t.Fatalf("target[0] base: got %q", got)
	}
	if got := api.Targets[1].Address(); got != "10.0.0.2:80" {
		t.Fatalf("target[1]: got %q", got)
	}
	if api.Targets[1].Weight() != 2 {
		t.Fatalf("target[1] weight: got %d", api.Targets[1].Weight())
	}
	if api.Rewrite == nil || api.Rewrite.Path.StripPrefix != "/api" || len(api.Rewrite.Request) != 1 {
		t.Fatalf("rewrite: got %+v", api.Rewrite)
	}
	if api.RateLimit == nil || api.RateLimit.RequestsPerSecond != 5 {
		t.Fatalf("rate limit: got %+v", api.RateLimit)
	}
	if api.Timeout.String() != "7s" || api.MaxAttempts != 3 {
		t.Fatalf("defaults: timeout=%v attempts=%d", api.Timeout, api.MaxAttempts)
	}

	web, _ := tbl.Lookup("other", "/", "GET")
	if web.Timeout.String() != "1s" || web.Rewrite != nil {
		t.Fatalf("web: timeout=%v rewrite=%v", web.Timeout, web.Rewrite)
	}
	// the api and web routes share the pool for 10.0.0.1:9001
	if web.Targets[0].Pool != api.Targets[0].Pool {
		t.Fatal("targets with the same address must share a pool")
	}

	if fb := tbl.Fallback(); fb == nil || fb.Service != "web" {
		t.Fatalf("fallback: got %v", fb)
	}

	addrs := Addresses(cfg)
	if len(addrs) != 2 || addrs[0] != "10.0.0.1:9001" || addrs[1] != "10.0.0.2:80" {
		t.Fatalf("addresses: got %v", addrs)
	}
}
