// Package registry keeps services registered at runtime through the gateway
// API and turns them into routes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/httpproxy/internal/config"
	"github.com/fabian4/httpproxy/internal/log"
	"github.com/fabian4/httpproxy/internal/router"
)

var (
	ErrInvalidPath     = errors.New("registry: path must start with '/'")
	ErrInvalidEndpoint = errors.New("registry: invalid endpoint")
)

// Service is a registered path with its endpoints.
type Service struct {
	Path      string   `json:"path"`
	Endpoints []string `json:"endpoints"`
}

type Options struct {
	TTL      time.Duration // 0 keeps registrations until unregistered
	Interval time.Duration // expiry and sync period of Run
	Logger   logrus.FieldLogger
	// OnChange gets every new set of services.
	OnChange func([]Service)
}

type Registry struct {
	store Store
	opts  Options
	log   logrus.FieldLogger
	now   func() time.Time

	mu   sync.Mutex
	last []Service
}

func New(store Store, opts Options) *Registry {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
		if opts.TTL > 0 {
			opts.Interval = max(opts.TTL/2, 100*time.Millisecond)
		}
	}
	l := opts.Logger
	if l == nil {
		l = log.Discard()
	}
	return &Registry{store: store, opts: opts, log: l, now: time.Now}
}

// Register adds endpoint under every path, registering again is a heartbeat.
func (r *Registry) Register(ctx context.Context, endpoint string, paths ...string) error {
	ep, ps, err := normalize(endpoint, paths)
	if err != nil {
		return err
	}
	now := r.now()
	for _, p := range ps {
		created, err := r.store.Put(ctx, p, ep, now)
		if err != nil {
			return err
		}
		if created {
			r.log.WithFields(logrus.Fields{"path": p, "endpoint": ep}).Info("service registered")
		}
	}
	return r.Sync(ctx)
}

func (r *Registry) Unregister(ctx context.Context, endpoint string, paths ...string) error {
	ep, ps, err := normalize(endpoint, paths)
	if err != nil {
		return err
	}
	for _, p := range ps {
		ok, err := r.store.Delete(ctx, p, ep)
		if err != nil {
			return err
		}
		if ok {
			r.log.WithFields(logrus.Fields{"path": p, "endpoint": ep}).Info("service unregistered")
		}
	}
	return r.Sync(ctx)
}

// Services returns the registered services ordered by path.
func (r *Registry) Services(ctx context.Context) ([]Service, error) {
	es, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return group(es), nil
}

// Query returns the endpoints of the service whose path is the longest
// segment prefix of path.
func (r *Registry) Query(ctx context.Context, path string) ([]string, bool, error) {
	svcs, err := r.Services(ctx)
	if err != nil {
		return nil, false, err
	}
	var best *Service
	for i := range svcs {
		s := &svcs[i]
		if router.PrefixMatch(path, s.Path) && (best == nil || len(s.Path) > len(best.Path)) {
			best = s
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.Endpoints, true, nil
}

// Sync reads the store and calls OnChange when the services differ from the
// ones seen last. Syncs are serialized so OnChange never sees an older set
// after a newer one.
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svcs, err := r.Services(ctx)
	if err != nil {
		return err
	}
	if slices.EqualFunc(svcs, r.last, func(a, b Service) bool {
		return a.Path == b.Path && slices.Equal(a.Endpoints, b.Endpoints)
	}) {
		return nil
	}
	r.last = svcs
	if r.opts.OnChange != nil {
		r.opts.OnChange(svcs)
	}
	return nil
}

// Run expires stale registrations and picks up changes made by other
// instances sharing the store until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if r.opts.TTL > 0 {
			n, err := r.store.Expire(ctx, r.now().Add(-r.opts.TTL))
			if err != nil {
				r.log.WithError(err).Warn("registry expire failed")
			} else if n > 0 {
				r.log.WithField("count", n).Info("registrations expired")
			}
		}
		if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("registry sync failed")
		}
	}
}

func (r *Registry) Close() error { return r.store.Close() }

func group(es []Entry) []Service {
	var out []Service
	for _, e := range es {
		if n := len(out); n > 0 && out[n-1].Path == e.Path {
			out[n-1].Endpoints = append(out[n-1].Endpoints, e.Endpoint)
			continue
		}
		out = append(out, Service{Path: e.Path, Endpoints: []string{e.Endpoint}})
	}
	return out
}

func normalize(endpoint string, paths []string) (string, []string, error) {
	u, err := config.ParseEndpoint(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("%w %q: %v", ErrInvalidEndpoint, endpoint, err)
	}
	ps := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
		if len(p) > 1 {
			p = strings.TrimSuffix(p, "/")
		}
		ps = append(ps, p)
	}
	return u.String(), ps, nil
}

// Apply returns a copy of cfg with one service and one route per registered
// path. The routes come after the static ones so a static route wins a tie.
func Apply(cfg *config.Config, svcs []Service) *config.Config {
	if len(svcs) == 0 {
		return cfg
	}
	out := *cfg
	out.Services = make(map[string]config.Service, len(cfg.Services)+len(svcs))
	for k, v := range cfg.Services {
		out.Services[k] = v
	}
	out.Routes = slices.Clone(cfg.Routes)

	for _, s := range svcs {
		name := "reg:" + s.Path
		svc := config.Service{Name: name}
		for _, ep := range s.Endpoints {
			u, err := config.ParseEndpoint(ep)
			if err != nil {
				continue
			}
			svc.Endpoints = append(svc.Endpoints, config.Endpoint{URL: u, Weight: 1})
		}
		if len(svc.Endpoints) == 0 {
			continue
		}
		out.Services[name] = svc
		out.Routes = append(out.Routes, config.Route{
			Name:       name,
			PathPrefix: s.Path,
			Service:    name,
		})
	}
	return &out
}
