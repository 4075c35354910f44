// Package server runs the proxy: listeners, upstream pools, the route table
// and the background loops that keep them current.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/netutil"

	"github.com/fabian4/httpproxy/internal/api"
	"github.com/fabian4/httpproxy/internal/config"
	"github.com/fabian4/httpproxy/internal/event"
	"github.com/fabian4/httpproxy/internal/handler"
	"github.com/fabian4/httpproxy/internal/log"
	"github.com/fabian4/httpproxy/internal/metrics"
	"github.com/fabian4/httpproxy/internal/ratelimit"
	"github.com/fabian4/httpproxy/internal/registry"
	"github.com/fabian4/httpproxy/internal/router"
	"github.com/fabian4/httpproxy/internal/upstream"
)

var ErrNotStarted = errors.New("server: not started")

type Options struct {
	Config      *config.Config
	ConfigPath  string   // watched for changes when set
	Listen      []string // replaces the entrypoints of Config when set
	GatewayPath string   // replaces gateway.path when set
	APIAddress  string   // admin listener, empty disables it
	Logger      *logrus.Logger
	Events      event.Sink // gets every pipeline event next to the access log and metrics
}

type Server struct {
	opts Options
	log  *logrus.Logger

	cfg      atomic.Pointer[config.Config]
	mu       sync.Mutex // serializes table rebuilds
	regSvcs  []registry.Service
	prom     *prometheus.Registry
	metrics  *metrics.Registry
	set      *upstream.Set
	router   *router.Router
	limiter  *ratelimit.Limiter
	proxy    *handler.Proxy
	registry *registry.Registry
	gateway  *api.Gateway

	conns     atomic.Int64
	listeners []net.Listener
	adminLn   net.Listener
	servers   []*http.Server
	errorLog  *io.PipeWriter
	errc      chan error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
}

// New builds the route table of opts.Config. Nothing listens before Start.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	cfg := opts.Config
	if len(opts.Listen) > 0 {
		c := *cfg
		c.Listen = opts.Listen
		cfg = &c
	}
	if opts.GatewayPath != "" {
		c := *cfg
		c.Gateway.Path = opts.GatewayPath
		cfg = &c
	}
	l := opts.Logger
	if l == nil {
		l = log.Discard()
	}

	s := &Server{
		opts:    opts,
		log:     l,
		prom:    prometheus.NewRegistry(),
		limiter: ratelimit.NewLimiter(),
		errc:    make(chan error, len(cfg.Listen)+1),
	}
	s.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewRegistry(s.prom)
	s.set = upstream.NewSet(s.poolOptions(cfg))

	t, err := s.build(cfg, nil, false)
	if err != nil {
		return nil, multierr.Append(err, s.set.Close())
	}
	s.router = router.New(t)
	s.cfg.Store(cfg)

	s.proxy = handler.New(s.router, handler.Options{
		Policy:  handler.PolicyFrom(cfg),
		Limiter: s.limiter,
		Events:  event.Multi(s.metrics, event.NewLogSink(l.WithField("component", "access")), opts.Events),
		Logger:  l.WithField("component", "proxy"),
	})

	store, err := openStore(cfg.Registry)
	if err != nil {
		return nil, multierr.Append(err, s.set.Close())
	}
	s.registry = registry.New(store, registry.Options{
		TTL:      cfg.Registry.TTL,
		Logger:   l.WithField("component", "registry"),
		OnChange: s.registered,
	})
	if cfg.Gateway.Enabled {
		s.gateway = api.NewGateway(cfg.Gateway.Path, s.router, s.registry, l.WithField("component", "gateway"))
	}
	return s, nil
}

func openStore(rc config.Registry) (registry.Store, error) {
	if rc.Store != config.StoreRedis {
		return registry.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return registry.DialRedis(ctx, &redis.Options{
		Addr:     rc.Redis.Addr,
		Password: rc.Redis.Password,
		DB:       rc.Redis.DB,
	}, rc.Redis.KeyPrefix)
}

func (s *Server) poolOptions(cfg *config.Config) upstream.Options {
	u := cfg.Upstream
	return upstream.Options{
		MaxConns:           u.MaxConnsPerTarget,
		MaxIdle:            u.MaxIdlePerTarget,
		IdleTimeout:        u.IdleTimeout,
		DialTimeout:        u.DialTimeout,
		KeepAlive:          upstream.DefaultOptions().KeepAlive,
		UnhealthyThreshold: u.UnhealthyThreshold,
		FailureWindow:      u.FailureWindow,
		Observer:           s.metrics,
		Logger:             s.log.WithField("component", "upstream"),
	}
}

// build merges the registered services into cfg, reconciles the pools and
// returns the new table. A dry run against a scratch set catches errors
// before any live pool is touched.
func (s *Server) build(cfg *config.Config, svcs []registry.Service, renew bool) (*router.Table, error) {
	merged := registry.Apply(cfg, svcs)
	opts := s.poolOptions(merged)

	scratch := upstream.NewSet(opts)
	_, err := router.Build(merged, scratch)
	_ = scratch.Close()
	if err != nil {
		return nil, err
	}

	if err := s.set.Sync(opts, router.Addresses(merged), renew); err != nil {
		s.log.WithError(err).Warn("closing upstream pools")
	}
	t, err := router.Build(merged, s.set)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]struct{}, len(t.Routes()))
	for _, r := range t.Routes() {
		keep[r.Name] = struct{}{}
	}
	s.limiter.Retain(keep)
	return t, nil
}

// Reload publishes the routes of cfg. In-flight requests finish on the table
// they started with. Listeners and timeouts keep their startup values.
func (s *Server) Reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg.Load()
	c := *cfg
	c.Listen = old.Listen
	c.Gateway = old.Gateway
	c.Registry = old.Registry

	t, err := s.build(&c, s.regSvcs, true)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	s.router.Reload(t)
	s.cfg.Store(&c)
	s.proxy.SetPolicy(handler.PolicyFrom(&c))

	s.log.WithFields(logrus.Fields{
		"routes":   len(t.Routes()),
		"services": len(c.Services),
	}).Info("configuration reloaded")
	return nil
}

// ReloadFile loads ConfigPath and reloads it.
func (s *Server) ReloadFile() error {
	if s.opts.ConfigPath == "" {
		return errors.New("reload: no config file")
	}
	cfg, err := config.Load(s.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return s.Reload(cfg)
}

func (s *Server) registered(svcs []registry.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.build(s.cfg.Load(), svcs, false)
	if err != nil {
		s.log.WithError(err).Warn("registered services rejected")
		return
	}
	s.regSvcs = svcs
	s.router.Reload(t)
	s.log.WithField("services", len(svcs)).Info("registered services updated")
}

// Handler is the handler of the proxy listeners.
func (s *Server) Handler() http.Handler {
	if s.gateway != nil {
		return s.gateway.Mount(s.proxy)
	}
	return s.proxy
}

// Start binds every listener and starts serving. Either all listeners are
// bound or none.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server: already started")
	}
	cfg := s.cfg.Load()

	for _, addr := range cfg.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			s.listeners = nil
			s.started.Store(false)
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		if n := cfg.Limits.MaxConnections; n > 0 {
			ln = netutil.LimitListener(ln, n)
		}
		s.listeners = append(s.listeners, ln)
	}

	var adminLn net.Listener
	if s.opts.APIAddress != "" {
		ln, err := net.Listen("tcp", s.opts.APIAddress)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			s.listeners = nil
			s.started.Store(false)
			return fmt.Errorf("listen api %s: %w", s.opts.APIAddress, err)
		}
		adminLn = ln
		s.adminLn = ln
	}

	s.errorLog = s.log.WriterLevel(logrus.DebugLevel)
	errorLog := stdlog.New(s.errorLog, "", 0)

	h := s.Handler()
	for _, ln := range s.listeners {
		hs := &http.Server{
			Handler:           h,
			ReadTimeout:       cfg.Timeouts.Read,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Timeouts.Write,
			IdleTimeout:       cfg.Timeouts.Idle,
			ConnState:         s.trackConn,
			ErrorLog:          errorLog,
		}
		s.serve(hs, ln)
		s.log.WithField("address", ln.Addr().String()).Info("proxy listening")
	}
	if adminLn != nil {
		hs := &http.Server{
			Handler:           api.NewAdminHandler(s.prom, s),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          errorLog,
		}
		s.serve(hs, adminLn)
		s.log.WithField("address", adminLn.Addr().String()).Info("api listening")
	}

	s.startLoops(ctx, cfg)
	return nil
}

func (s *Server) serve(hs *http.Server, ln net.Listener) {
	s.servers = append(s.servers, hs)
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errc <- fmt.Errorf("serve %s: %w", ln.Addr(), err)
		}
	}()
}

func (s *Server) startLoops(ctx context.Context, cfg *config.Config) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.goLoop(ctx, func(ctx context.Context) { s.set.RunSweeper(ctx, cfg.Upstream.SweepInterval) })
	s.goLoop(ctx, (&upstream.Prober{
		Set:      s.set,
		Interval: cfg.Upstream.ProbeInterval,
		Timeout:  cfg.Upstream.DialTimeout,
		Path:     cfg.Upstream.HealthPath,
		Logger:   s.log.WithField("component", "prober"),
	}).Run)

	if err := s.registry.Sync(ctx); err != nil {
		s.log.WithError(err).Warn("loading registered services")
	}
	s.goLoop(ctx, s.registry.Run)

	if s.opts.ConfigPath != "" && cfg.Reload.Interval > 0 {
		s.goLoop(ctx, func(ctx context.Context) {
			config.Watch(ctx, s.opts.ConfigPath, cfg.Reload.Interval, func(c *config.Config, err error) {
				if err == nil {
					err = s.Reload(c)
				}
				if err != nil {
					s.log.WithError(err).Warn("config reload failed, keeping the current one")
				}
			})
		})
	}
}

func (s *Server) goLoop(ctx context.Context, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Server) trackConn(_ net.Conn, st http.ConnState) {
	switch st {
	case http.StateNew:
		s.conns.Add(1)
		s.metrics.IncActiveConns()
	case http.StateHijacked, http.StateClosed:
		s.conns.Add(-1)
		s.metrics.DecActiveConns()
	}
}

// Run starts the server and shuts it down when ctx is done or a listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-s.errc:
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return multierr.Append(serveErr, s.Shutdown(sctx))
}

// Shutdown stops accepting, waits for in-flight requests until ctx is done
// and closes the upstream pools.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}
	var err error
	for _, hs := range s.servers {
		err = multierr.Append(err, hs.Shutdown(ctx))
	}
	s.cancel()
	s.wg.Wait()
	err = multierr.Append(err, s.set.Close())
	err = multierr.Append(err, s.registry.Close())
	err = multierr.Append(err, s.errorLog.Close())
	s.log.Info("server stopped")
	return err
}

// Addrs returns the bound proxy addresses.
func (s *Server) Addrs() []string {
	if !s.started.Load() {
		return nil
	}
	out := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr().String())
	}
	return out
}

// APIAddr returns the bound admin address, empty without an admin listener.
func (s *Server) APIAddr() string {
	if !s.started.Load() || s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

func (s *Server) ActiveConnections() int64 { return s.conns.Load() }

func (s *Server) Config() *config.Config { return s.cfg.Load() }

func (s *Server) ConfigDump() ([]byte, error) { return s.cfg.Load().Dump() }

func (s *Server) Router() *router.Router { return s.router }

func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) Gatherer() prometheus.Gatherer { return s.prom }
