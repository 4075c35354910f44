package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fabian4/httpproxy/internal/config"
	"github.com/fabian4/httpproxy/internal/event"
	"github.com/fabian4/httpproxy/internal/forward"
	"github.com/fabian4/httpproxy/internal/log"
	"github.com/fabian4/httpproxy/internal/ratelimit"
	"github.com/fabian4/httpproxy/internal/rewrite"
	"github.com/fabian4/httpproxy/internal/router"
	"github.com/fabian4/httpproxy/internal/upstream"
)

// Policy maps pipeline outcomes to responses. It is swapped on reload.
type Policy struct {
	RouteMiss         string // config.MissNotFound or config.MissBadGateway
	UnavailableStatus int
	RequestIDHeader   string
	Timeout           time.Duration // for routes without a timeout
}

func DefaultPolicy() Policy {
	return Policy{
		RouteMiss:         config.MissNotFound,
		UnavailableStatus: http.StatusServiceUnavailable,
		RequestIDHeader:   "X-Request-Id",
		Timeout:           30 * time.Second,
	}
}

// PolicyFrom extracts the pipeline policy from a config.
func PolicyFrom(cfg *config.Config) Policy {
	return Policy{
		RouteMiss:         cfg.Policy.RouteMiss,
		UnavailableStatus: cfg.Policy.UnavailableStatus,
		RequestIDHeader:   cfg.Policy.RequestIDHeader,
		Timeout:           cfg.Timeouts.Upstream,
	}
}

type Options struct {
	Policy  Policy
	Limiter *ratelimit.Limiter // nil disables rate limiting
	Events  event.Sink
	Logger  logrus.FieldLogger
}

// Proxy is the forwarding pipeline. Each request runs on the goroutine of
// its client connection, requests of one connection are served in order.
type Proxy struct {
	router  *router.Router
	limiter *ratelimit.Limiter
	events  event.Sink
	log     logrus.FieldLogger
	policy  atomic.Pointer[Policy]
}

var _ http.Handler = (*Proxy)(nil)

func New(rt *router.Router, opts Options) *Proxy {
	p := &Proxy{
		router:  rt,
		limiter: opts.Limiter,
		events:  opts.Events,
		log:     opts.Logger,
	}
	if p.events == nil {
		p.events = event.Nop()
	}
	if p.log == nil {
		p.log = log.Discard()
	}
	pol := opts.Policy
	if pol.RequestIDHeader == "" {
		pol = DefaultPolicy()
	}
	p.policy.Store(&pol)
	return p
}

func (p *Proxy) SetPolicy(pol Policy) { p.policy.Store(&pol) }

func (p *Proxy) Policy() Policy { return *p.policy.Load() }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := &exchange{
		proxy:  p,
		policy: p.policy.Load(),
		start:  time.Now(),
		state:  ReceivedHeaders,
		r:      r,
		w:      &responseWriter{ResponseWriter: w},
	}
	x.id = r.Header.Get(x.policy.RequestIDHeader)
	if x.id == "" {
		x.id = uuid.NewString()
		r.Header.Set(x.policy.RequestIDHeader, x.id)
	}

	route, err := p.router.Match(r.Host, r.URL.Path, r.Method)
	if err != nil {
		p.events.Emit(x.event(event.RouteMissed))
		code := http.StatusNotFound
		if x.policy.RouteMiss == config.MissBadGateway {
			code = http.StatusBadGateway
		}
		x.fail(code, event.ErrRouteMiss, err)
		return
	}
	x.route = route
	x.state = RouteSelected
	p.events.Emit(x.event(event.RouteMatched))

	if rl := route.RateLimit; rl != nil && p.limiter != nil && !p.limiter.Allow(route.Name, *rl) {
		x.fail(http.StatusTooManyRequests, event.ErrRateLimited, nil)
		return
	}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = x.policy.Timeout
	}
	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	x.rewrite()
	x.forward(ctx)
}

// exchange is the in-flight request context, owned by one goroutine.
type exchange struct {
	proxy  *Proxy
	policy *Policy
	id     string
	start  time.Time
	state  State

	r *http.Request
	w *responseWriter

	route    *router.Route
	target   *router.Target
	tried    []*router.Target
	attempts int
	lastErr  error

	header  http.Header
	path    string
	rawPath string
	body    *bodyTracker
}

// rewrite prepares everything of the upstream request that does not depend
// on the target.
func (x *exchange) rewrite() {
	h := cloneHeader(x.r.Header)
	dropHopByHop(h)
	addXFF(h, x.r.RemoteAddr)
	setXFHost(h, x.r.Host)
	setXFProto(h, x.r)
	x.route.Rewrite.ApplyRequest(h)
	if _, ok := h["User-Agent"]; !ok {
		// keep net/http from adding its own
		h["User-Agent"] = []string{""}
	}
	x.header = h

	x.path = x.route.Rewrite.RewritePath(x.r.URL.Path)
	if x.r.URL.RawPath != "" {
		x.rawPath = x.route.Rewrite.RewritePath(x.r.URL.RawPath)
	}
	if x.r.ContentLength != 0 && x.r.Body != nil && x.r.Body != http.NoBody {
		x.body = &bodyTracker{r: x.r.Body}
	}
}

// request builds the upstream request for target t.
func (x *exchange) request(ctx context.Context, t *router.Target) *http.Request {
	u := &url.URL{Path: x.path, RawPath: x.rawPath, RawQuery: x.r.URL.RawQuery}
	if t.BasePath != "" {
		u.Path = rewrite.JoinSlash(t.BasePath, u.Path)
		if u.RawPath != "" {
			u.RawPath = rewrite.JoinSlash(t.BasePath, u.RawPath)
		}
	}

	out := &http.Request{
		Method:        x.r.Method,
		URL:           u,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        x.header,
		ContentLength: x.r.ContentLength,
	}
	if x.body != nil {
		out.Body = x.body
		if out.ContentLength < 0 {
			out.Trailer = x.r.Trailer
		}
	} else {
		out.ContentLength = 0
	}

	switch {
	case x.route.HostRewrite != "":
		out.Host = x.route.HostRewrite
	case x.route.PreserveHost:
		out.Host = x.r.Host
	default:
		out.Host = t.Address()
	}
	return out.WithContext(ctx)
}

func (x *exchange) forward(ctx context.Context) {
	maxAttempts := max(x.route.MaxAttempts, 1)
	for {
		err := x.try(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, router.ErrUpstreamUnavailable) && x.lastErr != nil {
			err = x.lastErr
		} else if x.attempts < maxAttempts && x.retryable(ctx, err) {
			x.lastErr = err
			x.proxy.log.WithFields(logrus.Fields{
				"id":     x.id,
				"route":  x.route.Name,
				"target": x.target.Address(),
			}).Debugf("attempt %d failed: %v", x.attempts, err)
			continue
		}
		x.failUpstream(ctx, err)
		return
	}
}

// try runs one attempt against a target not tried before. It returns an
// error only when nothing has been written to the client.
func (x *exchange) try(ctx context.Context) error {
	t, err := x.route.Pick(x.tried)
	if err != nil {
		return err
	}
	if x.attempts > 0 {
		// a retry only counts once there is a target to run it on
		e := x.event(event.Retry)
		e.Err = x.lastErr
		x.proxy.events.Emit(e)
	}
	x.target = t
	x.tried = append(x.tried, t)
	x.attempts++
	x.state = RouteSelected
	x.proxy.events.Emit(x.event(event.UpstreamSelected))

	c, err := t.Acquire(ctx)
	if err != nil {
		return err
	}
	x.state = UpstreamAcquired

	req := x.request(ctx, t)
	ex := forward.Start(ctx, c)
	if err := ex.Write(req); err != nil {
		x.releaseFailed(c, err)
		return err
	}
	x.state = RequestSent

	resp, err := ex.ReadResponse(req)
	if err != nil {
		x.releaseFailed(c, err)
		return err
	}
	x.state = ResponseHeadersReceived
	x.relay(ctx, c, resp)
	return nil
}

// releaseFailed gives back a connection whose exchange failed. A client that
// went away and a reused connection the upstream had already closed are not
// the target's fault.
func (x *exchange) releaseFailed(c *upstream.Conn, err error) {
	if x.clientGone() {
		c.Pool().Discard(c)
		return
	}
	var fe *forward.Error
	if errors.As(err, &fe) && fe.Reused && !fe.Received && !fe.Timeout() {
		c.Pool().Discard(c)
		return
	}
	c.Pool().Release(c, err)
}

// retryable allows another attempt when the failed one can not have had an
// effect upstream and the request can be sent again.
func (x *exchange) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || x.body.consumed() {
		return false
	}
	if errors.Is(err, upstream.ErrConnect) {
		return true
	}
	var fe *forward.Error
	if !errors.As(err, &fe) {
		return false
	}
	if fe.Sent == 0 {
		return true
	}
	return fe.Untouched() && idempotent(x.r.Method)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func (x *exchange) failUpstream(ctx context.Context, err error) {
	switch {
	case x.clientGone():
		x.abort(event.ErrClientDisconnect, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		x.fail(http.StatusGatewayTimeout, event.ErrDeadline, err)
	case errors.Is(err, router.ErrUpstreamUnavailable):
		x.fail(x.policy.UnavailableStatus, event.ErrUnavailable, err)
	case errors.Is(err, upstream.ErrConnect):
		x.fail(x.policy.UnavailableStatus, event.ErrConnect, err)
	case errors.Is(err, upstream.ErrAcquireTimeout), errors.Is(err, upstream.ErrPoolClosed):
		x.fail(x.policy.UnavailableStatus, event.ErrAcquireTimeout, err)
	default:
		x.fail(http.StatusBadGateway, event.ErrUpstream, err)
	}
}

// relay streams the upstream response to the client and releases c.
func (x *exchange) relay(ctx context.Context, c *upstream.Conn, resp *http.Response) {
	dropHopByHop(resp.Header)
	x.route.Rewrite.ApplyResponse(resp.Header)

	h := x.w.Header()
	copyHeaders(h, resp.Header)
	if h.Get(x.policy.RequestIDHeader) == "" {
		h.Set(x.policy.RequestIDHeader, x.id)
	}
	announceTrailers(h, resp.Trailer)
	x.w.WriteHeader(resp.StatusCode)

	var rerr, werr error
	if bodyAllowed(x.r.Method, resp.StatusCode) {
		x.state = BodyRelaying
		rerr, werr = copyBody(x.w, resp.Body, resp.ContentLength < 0)
	}

	switch {
	case werr != nil || x.clientGone():
		c.Pool().Discard(c)
		_ = resp.Body.Close()
		x.abort(event.ErrClientDisconnect, errors.Join(werr, x.r.Context().Err()))
	case rerr != nil:
		c.Pool().Release(c, rerr)
		_ = resp.Body.Close()
		kind := event.ErrUpstream
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = event.ErrDeadline
		}
		x.abort(kind, rerr)
		// the client got a truncated response, close its connection
		panic(http.ErrAbortHandler)
	default:
		copyTrailers(h, resp.Trailer)
		err := resp.Body.Close()
		c.Pool().Release(c, err)
		x.state = Completed
		x.proxy.events.Emit(x.event(event.Completed))
	}
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return !(status >= 100 && status < 200 || status == http.StatusNoContent || status == http.StatusNotModified)
}

const copyBufferSize = 32 << 10

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// copyBody relays src to dst, flushing after each write when flush is set.
// It tells read errors from write errors.
func copyBody(dst *responseWriter, src io.Reader, flush bool) (rerr, werr error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr = dst.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			if flush {
				dst.Flush()
			}
		}
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return err, nil
		}
	}
}

func (x *exchange) clientGone() bool {
	return x.r.Context().Err() != nil
}

// fail ends the request with a local error response.
func (x *exchange) fail(code int, kind string, err error) {
	e := x.event(event.Failed)
	e.State = x.state.String()
	x.state = Aborted
	if !x.w.wroteHeader() && code != 0 {
		x.w.Header().Set(x.policy.RequestIDHeader, x.id)
		http.Error(x.w, http.StatusText(code), code)
	}
	e.Status = x.w.status
	e.ErrorKind = kind
	e.Err = err
	x.proxy.events.Emit(e)
}

// abort ends the request without writing anything more to the client.
func (x *exchange) abort(kind string, err error) {
	x.fail(0, kind, err)
}

func (x *exchange) event(kind event.Kind) event.Event {
	e := event.Event{
		Kind:       kind,
		Time:       time.Now(),
		RequestID:  x.id,
		Method:     x.r.Method,
		Host:       x.r.Host,
		Path:       x.r.URL.Path,
		RemoteAddr: x.r.RemoteAddr,
		Attempt:    x.attempts,
	}
	if x.route != nil {
		e.Route = x.route.Name
	}
	if x.target != nil {
		e.Target = x.target.Address()
	}
	if kind == event.Completed || kind == event.Failed {
		e.Status = x.w.status
		e.Latency = e.Time.Sub(x.start)
		e.BytesOut = x.w.bytes
	}
	return e
}

// bodyTracker counts the client body bytes handed to the upstream. Close is
// a no-op so a request that was not read from can be sent again, the server
// closes the client body.
type bodyTracker struct {
	r io.Reader
	n int64
}

func (b *bodyTracker) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *bodyTracker) Close() error { return nil }

func (b *bodyTracker) consumed() bool { return b != nil && b.n > 0 }
