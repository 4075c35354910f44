package router

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fabian4/httpproxy/internal/lb"
	"github.com/fabian4/httpproxy/internal/upstream"
)

func route(name, host, prefix string, targets ...*Target) *Route {
	return NewRoute(Route{Name: name, Host: host, PathPrefix: prefix, Service: name, Targets: targets}, lb.WeightedRoundRobin)
}

func target(addr string) *Target {
	return NewTarget(upstream.NewPool(addr, upstream.DefaultOptions()), 1, "")
}

func lookupName(t *testing.T, tbl *Table, host, path string) string {
	t.Helper()
	r, ok := tbl.Lookup(host, path, "GET")
	if !ok {
		return ""
	}
	return r.Name
}

func TestLookup_LongestPrefixWins(t *testing.T) {
	tbl := NewTable([]*Route{
		route("root", "a.example", "/"),
		route("api", "a.example", "/api"),
	}, nil)

	if got := lookupName(t, tbl, "a.example", "/api/x"); got != "api" {
		t.Fatalf("a.example/api/x: got %q, want api", got)
	}
	if got := lookupName(t, tbl, "a.example", "/apiary"); got != "root" {
		t.Fatalf("a.example/apiary: got %q, want root", got)
	}
	if got := lookupName(t, tbl, "a.example", "/"); got != "root" {
		t.Fatalf("a.example/: got %q, want root", got)
	}
}

func TestLookup_HostPrecedence(t *testing.T) {
	tbl := NewTable([]*Route{
		route("default", "", "/"),
		route("wild", "*.example.com", "/"),
		route("deep-wild", "*.api.example.com", "/"),
		route("exact", "app.example.com", "/"),
	}, nil)

	tests := []struct {
		host string
		want string
	}{
		{"app.example.com", "exact"},
		{"APP.Example.com:8080", "exact"},
		{"app.example.com.", "exact"},
		{"other.example.com", "wild"},
		{"v1.api.example.com", "deep-wild"},
		{"example.com", "default"},
		{"unknown.test", "default"},
		{"[::1]:80", "default"},
	}
	for _, tc := range tests {
		if got := lookupName(t, tbl, tc.host, "/x"); got != tc.want {
			t.Errorf("host %q: got %q, want %q", tc.host, got, tc.want)
		}
	}
}

func TestLookup_ExactHostFallsThroughOnPathMiss(t *testing.T) {
	tbl := NewTable([]*Route{
		route("exact-api", "app.example.com", "/api"),
		route("default", "", "/"),
	}, nil)
	if got := lookupName(t, tbl, "app.example.com", "/static"); got != "default" {
		t.Fatalf("got %q, want default", got)
	}
}

func TestLookup_DeclarationOrderBreaksTies(t *testing.T) {
	tbl := NewTable([]*Route{
		route("first", "", "/api"),
		route("second", "", "/api"),
	}, nil)
	for i := 0; i < 3; i++ {
		if got := lookupName(t, tbl, "any", "/api/x"); got != "first" {
			t.Fatalf("got %q, want first", got)
		}
	}
}

func TestLookup_Methods(t *testing.T) {
	post := route("writes", "", "/api")
	post.Methods = []string{"POST", "PUT"}
	tbl := NewTable([]*Route{post, route("reads", "", "/api")}, nil)

	if r, _ := tbl.Lookup("h", "/api", "POST"); r.Name != "writes" {
		t.Fatalf("POST: got %q, want writes", r.Name)
	}
	if r, _ := tbl.Lookup("h", "/api", "GET"); r.Name != "reads" {
		t.Fatalf("GET: got %q, want reads", r.Name)
	}
}

func TestPrefixMatch(t *testing.T) {
	tests := []struct {
		path, prefix string
		want         bool
	}{
		{"/api", "/api", true},
		{"/api/", "/api", true},
		{"/api/v1", "/api", true},
		{"/apiary", "/api", false},
		{"/api/v1", "/api/", true},
		{"/api", "/api/", false},
		{"/anything", "/", true},
	}
	for _, tc := range tests {
		if got := PrefixMatch(tc.path, tc.prefix); got != tc.want {
			t.Errorf("PrefixMatch(%q, %q): got %v, want %v", tc.path, tc.prefix, got, tc.want)
		}
	}
}

func TestRouter_MissAndFallback(t *testing.T) {
	r := New(NewTable([]*Route{route("api", "", "/api")}, nil))
	if _, err := r.Match("h", "/other", "GET"); !errors.Is(err, ErrRouteMiss) {
		t.Fatalf("miss: got %v, want ErrRouteMiss", err)
	}

	fb := route("default", "", "/")
	r.Reload(NewTable([]*Route{route("api", "", "/api")}, fb))
	got, err := r.Match("h", "/other", "GET")
	if err != nil || got != fb {
		t.Fatalf("fallback: got %v, %v", got, err)
	}
}

func TestRouter_SelectHealthyOnly(t *testing.T) {
	a, b := target("10.0.0.1:80"), target("10.0.0.2:80")
	r := New(NewTable([]*Route{route("api", "", "/", a, b)}, nil))

	for i := 0; i < 3; i++ {
		a.MarkFailure()
	}
	for i := 0; i < 5; i++ {
		_, got, err := r.Select("h", "/", "GET")
		if err != nil {
			t.Fatal(err)
		}
		if got != b {
			t.Fatalf("selected unhealthy target %s", got.Address())
		}
	}

	for i := 0; i < 3; i++ {
		b.MarkFailure()
	}
	if _, _, err := r.Select("h", "/", "GET"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("all unhealthy: got %v, want ErrUpstreamUnavailable", err)
	}

	// one success brings a target back
	a.MarkSuccess()
	if _, got, err := r.Select("h", "/", "GET"); err != nil || got != a {
		t.Fatalf("after recovery: got %v, %v", got, err)
	}
}

func TestRoute_PickSkipsTried(t *testing.T) {
	a, b := target("10.0.0.1:80"), target("10.0.0.2:80")
	rt := route("api", "", "/", a, b)
	for i := 0; i < 4; i++ {
		got, err := rt.Pick([]*Target{a})
		if err != nil || got != b {
			t.Fatalf("pick: got %v, %v", got, err)
		}
	}
	if _, err := rt.Pick([]*Target{a, b}); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("pick all tried: got %v", err)
	}
}

// Readers racing a reload must see one table or the other, never a mix.
func TestRouter_ReloadIsAtomic(t *testing.T) {
	mk := func(gen string) *Table {
		tg := target(gen + ":80")
		return NewTable([]*Route{
			NewRoute(Route{Name: gen + "-api", PathPrefix: "/api", Service: gen, Targets: []*Target{tg}}, lb.RoundRobin),
			NewRoute(Route{Name: gen + "-web", PathPrefix: "/", Service: gen, Targets: []*Target{tg}}, lb.RoundRobin),
		}, nil)
	}
	old, next := mk("old"), mk("new")
	r := New(old)

	var (
		stop atomic.Bool
		bad  atomic.Int64
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				tbl := r.Table()
				api, _ := tbl.Lookup("h", "/api/x", "GET")
				web, _ := tbl.Lookup("h", "/x", "GET")
				if api.Service != web.Service || api.Name != api.Service+"-api" ||
					api.Targets[0].Address() != api.Service+":80" {
					bad.Add(1)
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		if i%2 == 0 {
			r.Reload(next)
		} else {
			r.Reload(old)
		}
	}
	stop.Store(true)
	wg.Wait()

	if n := bad.Load(); n != 0 {
		t.Fatalf("observed %d torn lookups", n)
	}
}
