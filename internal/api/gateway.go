// Package api serves the gateway endpoints on the proxy listener and the
// admin endpoints on their own listener.
package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fabian4/httpproxy/internal/log"
	"github.com/fabian4/httpproxy/internal/registry"
	"github.com/fabian4/httpproxy/internal/router"
	"github.com/fabian4/httpproxy/internal/upstream"
	"github.com/fabian4/httpproxy/internal/version"
)

const errNoPath = "param path and paths not find"

// Gateway answers ping, status, query, reg and unreg under a path prefix.
type Gateway struct {
	prefix   string
	router   *router.Router
	registry *registry.Registry
	started  time.Time
	log      logrus.FieldLogger
	mux      *mux.Router
}

func NewGateway(prefix string, rt *router.Router, reg *registry.Registry, logger logrus.FieldLogger) *Gateway {
	if logger == nil {
		logger = log.Discard()
	}
	g := &Gateway{
		prefix:   strings.TrimSuffix(prefix, "/"),
		router:   rt,
		registry: reg,
		started:  time.Now(),
		log:      logger,
	}

	m := mux.NewRouter()
	s := m.PathPrefix(g.prefix).Subrouter()
	s.HandleFunc("/ping", g.ping).Methods(http.MethodGet, http.MethodPost)
	s.HandleFunc("/ping/{reply}", g.ping).Methods(http.MethodGet, http.MethodPost)
	s.HandleFunc("/status", g.status).Methods(http.MethodGet)
	s.HandleFunc("/query", g.query).Methods(http.MethodGet, http.MethodPost)
	s.HandleFunc("/query/{path:.+}", g.query).Methods(http.MethodGet, http.MethodPost)
	s.HandleFunc("/reg", g.reg).Methods(http.MethodPost)
	s.HandleFunc("/unreg", g.unreg).Methods(http.MethodPost)
	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fail(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})
	m.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fail(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})
	g.mux = m
	return g
}

// Owns reports whether path is served by the gateway.
func (g *Gateway) Owns(path string) bool {
	return path == g.prefix || strings.HasPrefix(path, g.prefix+"/")
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Mount sends requests for the gateway paths to g and everything else to next.
func (g *Gateway) Mount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Owns(r.URL.Path) {
			g.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type pingResult struct {
	Reply  string    `json:"reply"`
	Now    time.Time `json:"now"`
	Server string    `json:"server"`
}

// ping replies with the body "reply", the query "reply", the last path
// segment or "pong", first one set wins.
func (g *Gateway) ping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reply string `json:"reply"`
	}
	_ = decodeOptional(r, &req)

	reply := req.Reply
	if reply == "" {
		reply = r.URL.Query().Get("reply")
	}
	if reply == "" {
		reply = mux.Vars(r)["reply"]
	}
	if reply == "" {
		reply = "pong"
	}
	ok(w, pingResult{
		Reply:  reply,
		Now:    time.Now(),
		Server: "httpproxy/" + version.Value,
	})
}

type endpointStatus struct {
	Address string `json:"address"`
	Health  string `json:"health"`
	Active  int64  `json:"active"`
	Idle    int    `json:"idle"`
}

type serviceStatus struct {
	Route     string           `json:"route"`
	Host      string           `json:"host,omitempty"`
	Path      string           `json:"path"`
	Endpoints []endpointStatus `json:"endpoints"`
}

type statusResult struct {
	Startup  time.Time       `json:"startup"`
	Services []serviceStatus `json:"services"`
}

func (g *Gateway) status(w http.ResponseWriter, _ *http.Request) {
	routes := g.router.Table().Routes()
	res := statusResult{Startup: g.started, Services: make([]serviceStatus, 0, len(routes))}
	for _, rt := range routes {
		s := serviceStatus{Route: rt.Name, Host: rt.Host, Path: rt.PathPrefix}
		for _, t := range rt.Targets {
			s.Endpoints = append(s.Endpoints, endpointOf(t.Stats()))
		}
		res.Services = append(res.Services, s)
	}
	ok(w, res)
}

func endpointOf(st upstream.Stats) endpointStatus {
	return endpointStatus{Address: st.Address, Health: st.Health, Active: st.Active, Idle: st.Idle}
}

type pathsRequest struct {
	Endpoint string   `json:"endpoint"`
	Path     string   `json:"path"`
	Paths    []string `json:"paths"`
}

func (p pathsRequest) all() []string {
	var out []string
	if p.Path != "" {
		out = append(out, p.Path)
	}
	return append(out, p.Paths...)
}

type queryItem struct {
	Path     string   `json:"path"`
	Services []string `json:"services"`
}

type queryResult struct {
	Services []string    `json:"services,omitempty"`
	List     []queryItem `json:"list,omitempty"`
}

func (g *Gateway) query(w http.ResponseWriter, r *http.Request) {
	var req pathsRequest
	if err := decodeOptional(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Path == "" {
		if p := mux.Vars(r)["path"]; p != "" {
			if u, err := url.PathUnescape(p); err == nil {
				p = u
			}
			req.Path = "/" + strings.TrimPrefix(p, "/")
		}
	}
	if req.Path == "" && len(req.Paths) == 0 {
		fail(w, http.StatusBadRequest, errNoPath)
		return
	}

	ctx := r.Context()
	if req.Path != "" {
		eps, _, err := g.registry.Query(ctx, req.Path)
		if err != nil {
			g.storeFailed(w, err)
			return
		}
		ok(w, queryResult{Services: eps})
		return
	}
	var res queryResult
	for _, p := range req.Paths {
		eps, found, err := g.registry.Query(ctx, p)
		if err != nil {
			g.storeFailed(w, err)
			return
		}
		if found {
			res.List = append(res.List, queryItem{Path: p, Services: eps})
		}
	}
	ok(w, res)
}

// reg registers an endpoint, it is also the heartbeat of registered ones.
func (g *Gateway) reg(w http.ResponseWriter, r *http.Request) {
	req, good := g.pathsRequest(w, r)
	if !good {
		return
	}
	if err := g.registry.Register(r.Context(), req.Endpoint, req.all()...); err != nil {
		g.registryFailed(w, err)
		return
	}
	ok(w, nil)
}

func (g *Gateway) unreg(w http.ResponseWriter, r *http.Request) {
	req, good := g.pathsRequest(w, r)
	if !good {
		return
	}
	if err := g.registry.Unregister(r.Context(), req.Endpoint, req.all()...); err != nil {
		g.registryFailed(w, err)
		return
	}
	ok(w, nil)
}

func (g *Gateway) pathsRequest(w http.ResponseWriter, r *http.Request) (pathsRequest, bool) {
	var req pathsRequest
	if err := decodeOptional(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return req, false
	}
	if req.Path == "" && len(req.Paths) == 0 {
		fail(w, http.StatusBadRequest, errNoPath)
		return req, false
	}
	if req.Endpoint == "" {
		fail(w, http.StatusBadRequest, "param endpoint not find")
		return req, false
	}
	return req, true
}

func (g *Gateway) registryFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrInvalidPath) || errors.Is(err, registry.ErrInvalidEndpoint) {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	g.storeFailed(w, err)
}

func (g *Gateway) storeFailed(w http.ResponseWriter, err error) {
	g.log.WithError(err).Error("registry store failed")
	fail(w, http.StatusInternalServerError, "registry store unavailable")
}
