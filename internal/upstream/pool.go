package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/fabian4/httpproxy/internal/log"
)

var (
	ErrConnect        = errors.New("upstream connect failed")
	ErrAcquireTimeout = errors.New("upstream connection slot not available")
	ErrPoolClosed     = errors.New("upstream pool closed")
)

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options tunes a Pool.
type Options struct {
	MaxConns    int // concurrent connections, idle ones included
	MaxIdle     int
	IdleTimeout time.Duration
	DialTimeout time.Duration
	KeepAlive   time.Duration

	UnhealthyThreshold int           // consecutive failures before Unhealthy
	FailureWindow      time.Duration // a streak older than this starts over

	Dial     DialFunc
	Observer Observer
	Logger   logrus.FieldLogger
}

func DefaultOptions() Options {
	return Options{
		MaxConns:           64,
		MaxIdle:            16,
		IdleTimeout:        90 * time.Second,
		DialTimeout:        3 * time.Second,
		KeepAlive:          60 * time.Second,
		UnhealthyThreshold: 3,
		FailureWindow:      10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConns <= 0 {
		o.MaxConns = d.MaxConns
	}
	if o.MaxIdle < 0 {
		o.MaxIdle = 0
	}
	if o.UnhealthyThreshold <= 0 {
		o.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if o.Dial == nil {
		dialer := &net.Dialer{KeepAlive: o.KeepAlive}
		o.Dial = dialer.DialContext
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = log.Discard()
	}
	return o
}

// Pool holds the reusable connections of a single target together with its
// health bookkeeping. All mutable state is guarded by the pool's own mutex.
type Pool struct {
	addr string
	opts Options
	sem  *semaphore.Weighted
	log  logrus.FieldLogger

	health atomic.Int32
	active atomic.Int64
	ids    atomic.Uint64

	mu       sync.Mutex
	idle     []*Conn // LIFO
	gen      uint64
	closed   bool
	retired  bool
	failures int
	since    time.Time // first failure of the current streak
}

func NewPool(addr string, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		addr: addr,
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.MaxConns)),
		log:  opts.Logger.WithField("target", addr),
	}
}

func (p *Pool) Address() string { return p.addr }
func (p *Pool) Health() Health  { return Health(p.health.Load()) }
func (p *Pool) Active() int64   { return p.active.Load() }

// Available reports whether the target may be selected.
func (p *Pool) Available() bool { return p.Health() != Unhealthy }

// Acquire returns an idle connection or dials a new one. It waits for a free
// slot while MaxConns connections are in use, until ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAcquireTimeout, p.addr, err)
	}
	c, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.opts.Observer.ConnsActive(p.addr, p.active.Add(1))
	return c, nil
}

func (p *Pool) take(ctx context.Context) (*Conn, error) {
	now := time.Now()
	var (
		c     *Conn
		stale []*Conn
	)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		cand := p.idle[n]
		p.idle[n] = nil
		p.idle = p.idle[:n]
		if cand.gen != p.gen || p.expired(cand, now) {
			stale = append(stale, cand)
			continue
		}
		c = cand
		break
	}
	gen := p.gen
	p.mu.Unlock()

	for _, s := range stale {
		_ = s.Conn.Close()
	}
	if c != nil {
		c.reused = true
		c.done = false
		return c, nil
	}
	return p.dial(ctx, gen)
}

func (p *Pool) dial(ctx context.Context, gen uint64) (*Conn, error) {
	dctx := ctx
	if p.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.opts.DialTimeout)
		defer cancel()
	}
	nc, err := p.opts.Dial(dctx, "tcp", p.addr)
	p.opts.Observer.ConnDialed(p.addr, err)
	if err != nil {
		// a caller giving up is not the target's fault
		if ctx.Err() == nil {
			p.MarkFailure()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, p.addr, err)
	}
	return &Conn{
		Conn: nc,
		br:   bufio.NewReaderSize(nc, 4<<10),
		pool: p,
		id:   p.ids.Add(1),
		gen:  gen,
	}, nil
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return p.opts.IdleTimeout > 0 && now.Sub(c.idleSince) > p.opts.IdleTimeout
}

// Release hands c back. A non-nil err means the exchange failed on the
// upstream side: the connection is closed and counts as a target failure.
func (p *Pool) Release(c *Conn, err error) {
	if !p.finish(c) {
		return
	}
	if err != nil {
		_ = c.Conn.Close()
		p.MarkFailure()
		return
	}
	p.MarkSuccess()
	if c.noReuse {
		_ = c.Conn.Close()
		return
	}
	_ = c.Conn.SetDeadline(time.Time{})
	c.idleSince = time.Now()

	p.mu.Lock()
	if p.closed || p.retired || c.gen != p.gen || len(p.idle) >= p.opts.MaxIdle {
		p.mu.Unlock()
		_ = c.Conn.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Discard closes c without affecting target health, e.g. when the client
// went away mid exchange.
func (p *Pool) Discard(c *Conn) {
	if !p.finish(c) {
		return
	}
	_ = c.Conn.Close()
}

func (p *Pool) finish(c *Conn) bool {
	if c == nil || c.pool != p || c.done {
		return false
	}
	c.done = true
	p.opts.Observer.ConnsActive(p.addr, p.active.Add(-1))
	p.sem.Release(1)
	return true
}

// MarkFailure records a failed attempt and trips the target to Unhealthy
// once UnhealthyThreshold consecutive failures fall inside FailureWindow.
func (p *Pool) MarkFailure() {
	now := time.Now()
	p.mu.Lock()
	if p.failures == 0 || (p.opts.FailureWindow > 0 && now.Sub(p.since) > p.opts.FailureWindow) {
		p.failures, p.since = 0, now
	}
	p.failures++
	trip := p.failures >= p.opts.UnhealthyThreshold
	p.mu.Unlock()

	if trip {
		p.setHealth(Unhealthy)
	}
}

// MarkSuccess resets the failure streak, one success is enough to recover.
func (p *Pool) MarkSuccess() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
	p.setHealth(Healthy)
}

func (p *Pool) setHealth(h Health) {
	if old := Health(p.health.Swap(int32(h))); old != h {
		p.opts.Observer.HealthChanged(p.addr, h)
		if h == Unhealthy {
			p.log.Warnf("target is %s (was %s)", h, old)
		} else {
			p.log.Infof("target is %s (was %s)", h, old)
		}
	}
}

// Probe dials the target once and closes the connection.
func (p *Pool) Probe(ctx context.Context) error {
	if p.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.DialTimeout)
		defer cancel()
	}
	nc, err := p.opts.Dial(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	return nc.Close()
}

// Renew makes all idle connections stale, new ones belong to the next generation.
func (p *Pool) Renew() {
	p.mu.Lock()
	p.gen++
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	closeAll(idle)
}

// Sweep closes idle connections past IdleTimeout and returns how many it closed.
func (p *Pool) Sweep(now time.Time) int {
	var expired []*Conn
	p.mu.Lock()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.expired(c, now) {
			expired = append(expired, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()

	closeAll(expired)
	return len(expired)
}

// Retire drains a pool that left the route table. Requests still holding
// the previous table keep acquiring from it, but no connection goes back to
// the idle set, so the pool holds no sockets once the last one is released.
func (p *Pool) Retire() error {
	p.mu.Lock()
	p.retired = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	return closeAll(idle)
}

func (p *Pool) Retired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retired
}

// Close closes idle connections, in-use ones are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	return closeAll(idle)
}

type Stats struct {
	Address    string `json:"address"`
	Health     string `json:"health"`
	Active     int64  `json:"active"`
	Idle       int    `json:"idle"`
	Generation uint64 `json:"generation"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle, gen := len(p.idle), p.gen
	p.mu.Unlock()
	return Stats{
		Address:    p.addr,
		Health:     p.Health().String(),
		Active:     p.Active(),
		Idle:       idle,
		Generation: gen,
	}
}

func closeAll(cs []*Conn) error {
	var err error
	for _, c := range cs {
		err = multierr.Append(err, c.Conn.Close())
	}
	return err
}

// Conn is a pooled upstream connection. It is owned by exactly one
// goroutine between Acquire and Release.
type Conn struct {
	net.Conn
	br   *bufio.Reader
	pool *Pool

	id        uint64
	gen       uint64
	idleSince time.Time
	reused    bool
	noReuse   bool
	done      bool
}

// Reader returns the buffered reader the response must be read from.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// ID is unique per pool, a reused connection keeps its ID.
func (c *Conn) ID() uint64   { return c.id }
func (c *Conn) Reused() bool { return c.reused }
func (c *Conn) Pool() *Pool  { return c.pool }
func (c *Conn) DoNotReuse()  { c.noReuse = true }
