package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/httpproxy/internal/config"
	"github.com/fabian4/httpproxy/internal/router"
	"github.com/fabian4/httpproxy/internal/upstream"
)

type changes struct {
	mu   sync.Mutex
	sets [][]Service
}

func (c *changes) record(s []Service) {
	c.mu.Lock()
	c.sets = append(c.sets, s)
	c.mu.Unlock()
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sets)
}

func (c *changes) last() []Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sets) == 0 {
		return nil
	}
	return c.sets[len(c.sets)-1]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	ctx := context.Background()
	ch := &changes{}
	r := New(NewMemoryStore(), Options{OnChange: ch.record})

	require.NoError(t, r.Register(ctx, "127.0.0.1:9001", "/api/", "/web"))
	require.Equal(t, 1, ch.count())
	require.Equal(t, []Service{
		{Path: "/api", Endpoints: []string{"http://127.0.0.1:9001"}},
		{Path: "/web", Endpoints: []string{"http://127.0.0.1:9001"}},
	}, ch.last())

	// heartbeat
	require.NoError(t, r.Register(ctx, "http://127.0.0.1:9001", "/api"))
	require.Equal(t, 1, ch.count())

	require.NoError(t, r.Unregister(ctx, "127.0.0.1:9001", "/web"))
	require.Equal(t, 2, ch.count())
	require.Equal(t, []Service{{Path: "/api", Endpoints: []string{"http://127.0.0.1:9001"}}}, ch.last())

	// unknown entries are not an error and change nothing
	require.NoError(t, r.Unregister(ctx, "127.0.0.1:9999", "/api"))
	require.Equal(t, 2, ch.count())
}

func TestRegistry_Invalid(t *testing.T) {
	ctx := context.Background()
	r := New(NewMemoryStore(), Options{})

	require.ErrorIs(t, r.Register(ctx, "127.0.0.1:9001", "api"), ErrInvalidPath)
	require.ErrorIs(t, r.Register(ctx, "https://127.0.0.1:9001", "/api"), ErrInvalidEndpoint)
	require.ErrorIs(t, r.Register(ctx, "", "/api"), ErrInvalidEndpoint)

	svcs, err := r.Services(ctx)
	require.NoError(t, err)
	require.Empty(t, svcs)
}

func TestRegistry_Query(t *testing.T) {
	ctx := context.Background()
	r := New(NewMemoryStore(), Options{})
	require.NoError(t, r.Register(ctx, "10.0.0.1:80", "/api"))
	require.NoError(t, r.Register(ctx, "10.0.0.2:80", "/api/users"))
	require.NoError(t, r.Register(ctx, "10.0.0.3:80", "/api/users"))

	tests := []struct {
		path string
		want []string
	}{
		{"/api/users/7", []string{"http://10.0.0.2:80", "http://10.0.0.3:80"}},
		{"/api/users", []string{"http://10.0.0.2:80", "http://10.0.0.3:80"}},
		{"/api/orders", []string{"http://10.0.0.1:80"}},
		{"/api", []string{"http://10.0.0.1:80"}},
		{"/apiary", nil},
		{"/", nil},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			got, ok, err := r.Query(ctx, tc.path)
			require.NoError(t, err)
			require.Equal(t, tc.want != nil, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRegistry_TTL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	ch := &changes{}
	r := New(NewMemoryStore(), Options{TTL: time.Minute, Interval: 10 * time.Millisecond, OnChange: ch.record})
	r.now = clk.Now

	require.NoError(t, r.Register(ctx, "10.0.0.1:80", "/a"))
	require.NoError(t, r.Register(ctx, "10.0.0.2:80", "/b"))
	require.Equal(t, 2, ch.count())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	clk.Add(40 * time.Second)
	require.NoError(t, r.Register(ctx, "10.0.0.2:80", "/b"))
	clk.Add(40 * time.Second)

	require.Eventually(t, func() bool {
		return ch.count() == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []Service{{Path: "/b", Endpoints: []string{"http://10.0.0.2:80"}}}, ch.last())

	cancel()
	<-done
}

func TestRegistry_SharedRedis(t *testing.T) {
	ctx := context.Background()
	_, mr := newRedisStore(t)

	open := func(ch *changes) *Registry {
		s, err := DialRedis(ctx, &redis.Options{Addr: mr.Addr()}, "shared")
		require.NoError(t, err)
		r := New(s, Options{OnChange: ch.record})
		t.Cleanup(func() { _ = r.Close() })
		return r
	}
	cha, chb := &changes{}, &changes{}
	a, b := open(cha), open(chb)

	require.NoError(t, a.Register(ctx, "10.0.0.1:80", "/api"))
	require.Equal(t, 0, chb.count())

	require.NoError(t, b.Sync(ctx))
	require.Equal(t, 1, chb.count())
	require.Equal(t, cha.last(), chb.last())
}

func TestApply(t *testing.T) {
	cfg, err := config.Parse([]byte(`
services:
  - name: static
    endpoints: ["http://127.0.0.1:9001"]
routes:
  - name: root
    match: { path_prefix: "/" }
    service: static
`))
	require.NoError(t, err)

	merged := Apply(cfg, []Service{
		{Path: "/orders", Endpoints: []string{"http://127.0.0.1:9101", "http://127.0.0.1:9102"}},
	})
	require.Len(t, cfg.Routes, 1, "the static config must not change")
	require.Len(t, merged.Routes, 2)
	require.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9101", "127.0.0.1:9102"}, router.Addresses(merged))

	set := upstream.NewSet(upstream.DefaultOptions())
	defer set.Close()
	table, err := router.Build(merged, set)
	require.NoError(t, err)

	rt, ok := table.Lookup("any.host", "/orders/12", "GET")
	require.True(t, ok)
	require.Equal(t, "reg:/orders", rt.Name)
	require.Len(t, rt.Targets, 2)

	rt, ok = table.Lookup("any.host", "/other", "GET")
	require.True(t, ok)
	require.Equal(t, "root", rt.Name)

	require.Same(t, cfg, Apply(cfg, nil))
}
