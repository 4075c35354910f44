package upstream

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// poolKey is the comparable part of Options, pools are rebuilt when it changes.
type poolKey struct {
	maxConns, maxIdle, threshold int
	idle, dial, keepAlive, window time.Duration
}

func keyOf(o Options) poolKey {
	return poolKey{
		maxConns: o.MaxConns, maxIdle: o.MaxIdle, threshold: o.UnhealthyThreshold,
		idle: o.IdleTimeout, dial: o.DialTimeout, keepAlive: o.KeepAlive, window: o.FailureWindow,
	}
}

// Set holds one Pool per target address. The mutex only guards the map,
// pool state stays behind each pool's own lock.
type Set struct {
	mu    sync.RWMutex
	opts  Options
	pools map[string]*Pool
}

func NewSet(opts Options) *Set {
	return &Set{opts: opts.withDefaults(), pools: make(map[string]*Pool)}
}

// Get returns the pool for addr, creating it on first use.
func (s *Set) Get(addr string) *Pool {
	s.mu.RLock()
	p, ok := s.pools[addr]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[addr]; ok {
		return p
	}
	p = NewPool(addr, s.opts)
	s.pools[addr] = p
	return p
}

func (s *Set) Lookup(addr string) (*Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[addr]
	return p, ok
}

// Sync reconciles the set with the addresses of a new route table. Pools of
// removed targets are retired: they leave the set but keep serving requests
// that still hold the previous table. With renew, kept pools move to a new
// generation so connections opened under the previous table are not reused.
// Changed options replace every pool.
func (s *Set) Sync(opts Options, addrs []string, renew bool) error {
	opts = opts.withDefaults()
	want := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		want[a] = struct{}{}
	}

	var drop, keep []*Pool
	s.mu.Lock()
	rebuild := keyOf(opts) != keyOf(s.opts)
	s.opts = opts
	for addr, p := range s.pools {
		if _, ok := want[addr]; !ok || rebuild {
			drop = append(drop, p)
			delete(s.pools, addr)
			continue
		}
		keep = append(keep, p)
	}
	for addr := range want {
		if _, ok := s.pools[addr]; !ok {
			s.pools[addr] = NewPool(addr, opts)
		}
	}
	s.mu.Unlock()

	if renew {
		for _, p := range keep {
			p.Renew()
		}
	}
	var err error
	for _, p := range drop {
		err = multierr.Append(err, p.Retire())
	}
	return err
}

// Pools returns a snapshot ordered by address.
func (s *Set) Pools() []*Pool {
	s.mu.RLock()
	out := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func (s *Set) Sweep(now time.Time) int {
	n := 0
	for _, p := range s.Pools() {
		n += p.Sweep(now)
	}
	return n
}

// RunSweeper closes expired idle connections every interval until ctx is done.
func (s *Set) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Sweep(now); n > 0 {
				s.opts.Logger.WithField("closed", n).Debug("swept idle upstream connections")
			}
		}
	}
}

func (s *Set) Close() error {
	s.mu.Lock()
	pools := s.pools
	s.pools = make(map[string]*Pool)
	s.mu.Unlock()

	var err error
	for _, p := range pools {
		err = multierr.Append(err, p.Close())
	}
	return err
}
