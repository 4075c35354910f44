// Package forward runs one HTTP/1.1 exchange over a pooled upstream connection.
package forward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fabian4/httpproxy/internal/upstream"
)

// Op is the exchange step an Error happened in.
type Op string

const (
	OpWrite Op = "write"
	OpRead  Op = "read"
)

// Error describes a failed exchange precisely enough to decide on a retry.
type Error struct {
	Op       Op
	Sent     int64 // request bytes handed to the connection
	Received bool  // any response byte arrived
	Reused   bool  // the connection was taken from the idle set
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Timeout() bool { return errors.Is(e.Err, os.ErrDeadlineExceeded) }

// Untouched reports whether the upstream can not have seen the request: the
// write failed before any byte, or a reused connection closed before
// answering, which is what a server timing out an idle keep-alive does.
func (e *Error) Untouched() bool {
	if e.Sent == 0 {
		return true
	}
	return e.Op == OpRead && e.Reused && !e.Received && !e.Timeout()
}

// aLongTimeAgo is a non-zero time in the past, setting it as a deadline
// unblocks pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

const writeBufferSize = 4 << 10

var writerPool = sync.Pool{
	New: func() any { return bufio.NewWriterSize(nil, writeBufferSize) },
}

// Exchange is one request/response on a pooled connection. The connection
// deadline follows ctx: the deadline of ctx is applied to the socket and
// canceling ctx unblocks any pending I/O, also while the response body is
// read.
type Exchange struct {
	ctx  context.Context
	conn *upstream.Conn
	stop func() bool
	sent int64
}

func Start(ctx context.Context, c *upstream.Conn) *Exchange {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	return &Exchange{
		ctx:  ctx,
		conn: c,
		stop: context.AfterFunc(ctx, func() {
			_ = c.SetDeadline(aLongTimeAgo)
		}),
	}
}

// Write sends the request head and streams the body. The body is read in
// bounded chunks, a slow upstream slows down the read from the client.
func (e *Exchange) Write(req *http.Request) error {
	if err := e.ctx.Err(); err != nil {
		return e.fail(&Error{Op: OpWrite, Reused: e.conn.Reused(), Err: err})
	}
	cw := &countingWriter{w: e.conn.Conn}
	bw := writerPool.Get().(*bufio.Writer)
	bw.Reset(cw)
	defer func() {
		bw.Reset(nil)
		writerPool.Put(bw)
	}()

	err := req.Write(bw)
	if err == nil {
		err = bw.Flush()
	}
	e.sent = cw.n
	if err != nil {
		return e.fail(&Error{Op: OpWrite, Sent: e.sent, Reused: e.conn.Reused(), Err: err})
	}
	return nil
}

// ReadResponse reads the final response head, interim 1xx responses are
// skipped. The response body reads from the connection, it must be closed
// before the connection is released. Closing a body that was not read to EOF
// marks the connection as not reusable.
func (e *Exchange) ReadResponse(req *http.Request) (*http.Response, error) {
	br := e.conn.Reader()
	for {
		if _, err := br.Peek(1); err != nil {
			return nil, e.fail(&Error{Op: OpRead, Sent: e.sent, Reused: e.conn.Reused(), Err: err})
		}
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return nil, e.fail(&Error{Op: OpRead, Sent: e.sent, Received: true, Reused: e.conn.Reused(), Err: err})
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}

		b := &body{rc: resp.Body, conn: e.conn, stop: e.stop}
		if resp.Body == http.NoBody {
			b.eof = true
		}
		if resp.Close || req.Close {
			e.conn.DoNotReuse()
		}
		resp.Body = b
		return resp, nil
	}
}

func (e *Exchange) fail(fe *Error) error {
	e.stop()
	e.conn.DoNotReuse()
	return withContext(e.ctx, fe)
}

// Do runs a whole exchange up to the response head.
func Do(ctx context.Context, c *upstream.Conn, req *http.Request) (*http.Response, error) {
	e := Start(ctx, c)
	if err := e.Write(req); err != nil {
		return nil, err
	}
	return e.ReadResponse(req)
}

// withContext wraps the deadline error caused by ctx with the ctx error so
// callers can tell a deadline from a client cancellation.
func withContext(ctx context.Context, fe *Error) error {
	if ctx.Err() == nil {
		return fe
	}
	var ne net.Error
	if errors.Is(fe.Err, os.ErrDeadlineExceeded) || errors.As(fe.Err, &ne) && ne.Timeout() {
		fe.Err = fmt.Errorf("%w: %w", ctx.Err(), fe.Err)
	}
	return fe
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// body tracks whether the response was fully read, only then the
// connection may go back to the idle set.
type body struct {
	rc   io.ReadCloser
	conn *upstream.Conn
	stop func() bool
	eof  bool
	once sync.Once
}

func (b *body) Read(p []byte) (int, error) {
	if b.eof {
		return 0, io.EOF
	}
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.eof = true
	}
	return n, err
}

func (b *body) Close() error {
	var err error
	b.once.Do(func() {
		if !b.stop() {
			// the cancel func ran or is running and may still move the deadline
			b.conn.DoNotReuse()
		}
		if !b.eof {
			// Closing an unread body drains it, the connection is dropped instead.
			b.conn.DoNotReuse()
			return
		}
		err = b.rc.Close()
	})
	return err
}
