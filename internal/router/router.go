package router

import (
	"errors"
	"sync/atomic"
)

var (
	ErrRouteMiss           = errors.New("no route matched")
	ErrUpstreamUnavailable = errors.New("no healthy upstream")
)

// Router resolves requests against the current table. Reload swaps the
// table atomically; a request keeps the snapshot it started with.
type Router struct {
	table atomic.Pointer[Table]
}

func New(t *Table) *Router {
	if t == nil {
		t = NewTable(nil, nil)
	}
	r := &Router{}
	r.table.Store(t)
	return r
}

func (r *Router) Table() *Table { return r.table.Load() }

// Reload publishes t and returns the previous table.
func (r *Router) Reload(t *Table) *Table { return r.table.Swap(t) }

// Match selects the route for a request, using the fallback route when
// nothing matches and one is configured.
func (r *Router) Match(host, path, method string) (*Route, error) {
	t := r.table.Load()
	if rt, ok := t.Lookup(host, path, method); ok {
		return rt, nil
	}
	if fb := t.Fallback(); fb != nil {
		return fb, nil
	}
	return nil, ErrRouteMiss
}

// Select matches a route and picks an available target from it.
func (r *Router) Select(host, path, method string) (*Route, *Target, error) {
	rt, err := r.Match(host, path, method)
	if err != nil {
		return nil, nil, err
	}
	t, err := rt.Pick(nil)
	if err != nil {
		return rt, nil, err
	}
	return rt, t, nil
}
