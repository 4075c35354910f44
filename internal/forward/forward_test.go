package forward

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fabian4/httpproxy/internal/upstream"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.RequestURI())
		w.Header().Set("X-UA", r.Header.Get("User-Agent"))
		_, _ = io.Copy(w, r.Body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPool(t *testing.T, addr string) *upstream.Pool {
	t.Helper()
	p := upstream.NewPool(addr, upstream.DefaultOptions())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newRequest(t *testing.T, method, uri string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, uri, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header["User-Agent"] = []string{""}
	return req
}

// roundTrip runs one exchange, reads the body and releases the connection.
func roundTrip(t *testing.T, p *upstream.Pool, req *http.Request) (*http.Response, []byte, uint64) {
	t.Helper()
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	resp, err := Do(context.Background(), c, req)
	if err != nil {
		p.Release(c, err)
		t.Fatalf("do: %v", err)
	}
	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	p.Release(c, err)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b, c.ID()
}

func TestDo_EchoAndReuse(t *testing.T) {
	srv := echoServer(t)
	p := newPool(t, srv.Listener.Addr().String())

	payload := bytes.Repeat([]byte("0123456789"), 4_000)
	req := newRequest(t, http.MethodPost, "http://upstream/echo?x=1", bytes.NewReader(payload))
	resp, got, id1 := roundTrip(t, p, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("body: got %d bytes, want %d identical bytes", len(got), len(payload))
	}
	if h := resp.Header.Get("X-Path"); h != "/echo?x=1" {
		t.Fatalf("path: got %q", h)
	}
	if h := resp.Header.Get("X-UA"); h != "" {
		t.Fatalf("user agent must not be added, got %q", h)
	}

	// unknown length goes out chunked
	req = newRequest(t, http.MethodPost, "http://upstream/echo", io.MultiReader(strings.NewReader("chunk"), strings.NewReader("ed")))
	req.ContentLength = -1
	_, got, id2 := roundTrip(t, p, req)
	if string(got) != "chunked" {
		t.Fatalf("chunked body: got %q", got)
	}
	if id1 != id2 {
		t.Fatalf("expected the pooled connection to be reused, got ids %d and %d", id1, id2)
	}
}

func TestDo_UnreadBodyIsNotReused(t *testing.T) {
	srv := echoServer(t)
	p := newPool(t, srv.Listener.Addr().String())

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := Do(context.Background(), c, newRequest(t, http.MethodPost, "http://upstream/", strings.NewReader("unread")))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	p.Release(c, nil)

	_, _, id := roundTrip(t, p, newRequest(t, http.MethodGet, "http://upstream/", nil))
	if id == c.ID() {
		t.Fatal("connection with an unread body must not be reused")
	}
}

func TestDo_DeadlineUnblocksRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	p := newPool(t, srv.Listener.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = Do(ctx, c, newRequest(t, http.MethodGet, "http://upstream/", nil))
	p.Discard(c)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline not applied, took %v", elapsed)
	}
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("got %T %v, want *Error", err, err)
	}
	if fe.Op != OpRead || !fe.Timeout() || fe.Untouched() {
		t.Fatalf("unexpected error details: %+v", fe)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error should wrap the context error: %v", err)
	}
}

func TestDo_CancelUnblocksRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	p := newPool(t, srv.Listener.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = Do(ctx, c, newRequest(t, http.MethodGet, "http://upstream/", nil))
	p.Discard(c)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

// oneShot answers a single request per connection and then closes it while
// announcing keep-alive, like a server whose idle timeout just fired.
func oneShot(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := make(chan struct{}, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			br := bufio.NewReader(conn)
			if req, err := http.ReadRequest(br); err == nil {
				_, _ = io.Copy(io.Discard, req.Body)
				_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			}
			_ = conn.Close()
			closed <- struct{}{}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return ln.Addr().String(), closed
}

func TestDo_StaleReusedConnection(t *testing.T) {
	addr, closed := oneShot(t)
	p := newPool(t, addr)

	roundTrip(t, p, newRequest(t, http.MethodGet, "http://upstream/", nil))
	<-closed
	time.Sleep(20 * time.Millisecond)

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !c.Reused() {
		t.Fatal("expected the idle connection")
	}
	_, err = Do(context.Background(), c, newRequest(t, http.MethodGet, "http://upstream/", nil))
	p.Discard(c)

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("got %v, want *Error", err)
	}
	if !fe.Untouched() {
		t.Fatalf("a reused connection closed before answering should be untouched: %+v", fe)
	}
}

func TestDo_SkipsInterimResponses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 100 Continue\r\n\r\n"+
			"HTTP/1.1 103 Early Hints\r\nLink: </a.css>\r\n\r\n"+
			"HTTP/1.1 201 Created\r\nContent-Length: 4\r\n\r\ndone")
		time.Sleep(50 * time.Millisecond)
	}()
	defer func() {
		_ = ln.Close()
		<-done
	}()

	p := newPool(t, ln.Addr().String())
	resp, b, _ := roundTrip(t, p, newRequest(t, http.MethodGet, "http://upstream/", nil))
	if resp.StatusCode != http.StatusCreated || string(b) != "done" {
		t.Fatalf("got %d %q", resp.StatusCode, b)
	}
}

func TestError_Untouched(t *testing.T) {
	tests := []struct {
		name string
		err  Error
		want bool
	}{
		{"nothing written", Error{Op: OpWrite, Err: io.ErrClosedPipe}, true},
		{"partial write", Error{Op: OpWrite, Sent: 10, Err: io.ErrClosedPipe}, false},
		{"fresh conn closed", Error{Op: OpRead, Sent: 10, Err: io.EOF}, false},
		{"reused conn closed", Error{Op: OpRead, Sent: 10, Reused: true, Err: io.EOF}, true},
		{"reused conn bad response", Error{Op: OpRead, Sent: 10, Reused: true, Received: true, Err: io.ErrUnexpectedEOF}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Untouched(); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
