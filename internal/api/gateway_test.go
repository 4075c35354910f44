package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/httpproxy/internal/lb"
	"github.com/fabian4/httpproxy/internal/registry"
	"github.com/fabian4/httpproxy/internal/router"
	"github.com/fabian4/httpproxy/internal/upstream"
)

func newGatewayServer(t *testing.T) (*httpexpect.Expect, *registry.Registry) {
	t.Helper()
	pool := upstream.NewPool("127.0.0.1:9001", upstream.DefaultOptions())
	t.Cleanup(func() { _ = pool.Close() })
	rt := router.New(router.NewTable([]*router.Route{
		router.NewRoute(router.Route{
			Name:       "api",
			PathPrefix: "/api",
			Targets:    []*router.Target{router.NewTarget(pool, 1, "")},
		}, lb.WeightedRoundRobin),
	}, nil))
	reg := registry.New(registry.NewMemoryStore(), registry.Options{})
	g := NewGateway("/api/gw/", rt, reg, nil)

	proxied := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(g.Mount(proxied))
	t.Cleanup(srv.Close)

	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
	}), reg
}

func TestGateway_Ping(t *testing.T) {
	e, _ := newGatewayServer(t)

	tests := []struct {
		name string
		req  func() *httpexpect.Request
		want string
	}{
		{"default", func() *httpexpect.Request { return e.GET("/api/gw/ping") }, "pong"},
		{"path", func() *httpexpect.Request { return e.GET("/api/gw/ping/hello") }, "hello"},
		{"query over path", func() *httpexpect.Request {
			return e.GET("/api/gw/ping/hello").WithQuery("reply", "q")
		}, "q"},
		{"body over query", func() *httpexpect.Request {
			return e.POST("/api/gw/ping/hello").WithQuery("reply", "q").WithJSON(map[string]string{"reply": "b"})
		}, "b"},
		{"empty body reply", func() *httpexpect.Request {
			return e.POST("/api/gw/ping").WithJSON(map[string]string{"reply": ""})
		}, "pong"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			obj := tc.req().Expect().Status(http.StatusOK).JSON().Object()
			obj.Value("code").Number().IsEqual(200)
			obj.Value("message").String().IsEqual("OK")
			data := obj.Value("data").Object()
			data.Value("reply").String().IsEqual(tc.want)
			data.Value("server").String().HasPrefix("httpproxy/")
			data.ContainsKey("now")
		})
	}
}

func TestGateway_RegQueryUnreg(t *testing.T) {
	e, reg := newGatewayServer(t)

	e.POST("/api/gw/reg").WithJSON(map[string]any{"endpoint": "127.0.0.1:9101", "path": "/orders"}).
		Expect().Status(http.StatusOK).JSON().Object().Value("code").Number().IsEqual(200)
	e.POST("/api/gw/reg").WithJSON(map[string]any{"endpoint": "127.0.0.1:9102", "paths": []string{"/orders", "/users"}}).
		Expect().Status(http.StatusOK)

	svcs, err := reg.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, svcs, 2)

	e.GET("/api/gw/query/orders/17").Expect().Status(http.StatusOK).
		JSON().Object().Value("data").Object().Value("services").Array().
		IsEqual([]string{"http://127.0.0.1:9101", "http://127.0.0.1:9102"})

	e.POST("/api/gw/query").WithJSON(map[string]any{"path": "/users"}).Expect().Status(http.StatusOK).
		JSON().Object().Value("data").Object().Value("services").Array().
		IsEqual([]string{"http://127.0.0.1:9102"})

	list := e.POST("/api/gw/query").WithJSON(map[string]any{"paths": []string{"/users/1", "/missing"}}).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("data").Object().Value("list").Array()
	list.Length().IsEqual(1)
	list.Value(0).Object().Value("path").String().IsEqual("/users/1")

	e.POST("/api/gw/unreg").WithJSON(map[string]any{"endpoint": "127.0.0.1:9102", "paths": []string{"/orders", "/users"}}).
		Expect().Status(http.StatusOK)
	e.GET("/api/gw/query/users").Expect().Status(http.StatusOK).
		JSON().Object().Value("data").Object().NotContainsKey("services")
}

func TestGateway_Errors(t *testing.T) {
	e, _ := newGatewayServer(t)

	for _, path := range []string{"/api/gw/reg", "/api/gw/unreg", "/api/gw/query"} {
		obj := e.POST(path).WithJSON(map[string]any{"endpoint": "127.0.0.1:9101"}).
			Expect().Status(http.StatusBadRequest).JSON().Object()
		obj.Value("code").Number().IsEqual(400)
		obj.Value("message").String().IsEqual("param path and paths not find")
	}

	e.POST("/api/gw/reg").WithJSON(map[string]any{"endpoint": "https://127.0.0.1:9101", "path": "/x"}).
		Expect().Status(http.StatusBadRequest)
	e.POST("/api/gw/reg").WithJSON(map[string]any{"endpoint": "127.0.0.1:9101", "path": "x"}).
		Expect().Status(http.StatusBadRequest)
	e.POST("/api/gw/reg").WithBytes([]byte("{")).WithHeader("Content-Type", "application/json").
		Expect().Status(http.StatusBadRequest)
	e.GET("/api/gw/reg").Expect().Status(http.StatusMethodNotAllowed)
	e.GET("/api/gw/nope").Expect().Status(http.StatusNotFound)
}

func TestGateway_StatusAndPassThrough(t *testing.T) {
	e, _ := newGatewayServer(t)

	svc := e.GET("/api/gw/status").Expect().Status(http.StatusOK).
		JSON().Object().Value("data").Object().Value("services").Array().Value(0).Object()
	svc.Value("route").String().IsEqual("api")
	svc.Value("path").String().IsEqual("/api")
	ep := svc.Value("endpoints").Array().Value(0).Object()
	ep.Value("address").String().IsEqual("127.0.0.1:9001")
	ep.Value("health").String().IsEqual(upstream.Healthy.String())

	e.GET("/api/other").Expect().Status(http.StatusTeapot)
	e.GET("/api/gwx").Expect().Status(http.StatusTeapot)
}

type fakeServer struct {
	addrs []string
}

func (f fakeServer) Addrs() []string              { return f.addrs }
func (f fakeServer) ConfigDump() ([]byte, error) { return []byte("listen: []\n"), nil }

func TestAdminHandler(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "httpproxy_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	for _, ready := range []bool{false, true} {
		var s fakeServer
		if ready {
			s.addrs = []string{"127.0.0.1:3003"}
		}
		srv := httptest.NewServer(NewAdminHandler(reg, s))
		e := httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
		})

		e.GET("/healthz").Expect().Status(http.StatusOK).Body().IsEqual("OK")
		if ready {
			e.GET("/readyz").Expect().Status(http.StatusOK)
		} else {
			e.GET("/readyz").Expect().Status(http.StatusServiceUnavailable)
		}
		e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("httpproxy_test_total 1")
		e.GET("/configz").Expect().Status(http.StatusOK).Body().IsEqual("listen: []\n")
		e.GET("/version").Expect().Status(http.StatusOK).JSON().Object().ContainsKey("version").ContainsKey("go_version")
		srv.Close()
	}
}
