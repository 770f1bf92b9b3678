package transport_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/WhileEndless/go-parallelhttp/internal/testutil"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/transport"
)

const okResponse = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"

func okServer(t *testing.T) *testutil.Server {
	return testutil.StartServer(t, testutil.KeepAlive(func(*testutil.Request) (string, bool) {
		return okResponse, false
	}))
}

func endpoint(s *testutil.Server) transport.Endpoint {
	return transport.Endpoint{Scheme: "http", Host: s.Host(), Port: s.Port()}
}

func newPool(t *testing.T, cfg transport.PoolConfig) *transport.Pool {
	p := transport.NewPool(cfg)
	t.Cleanup(func() { p.Close() })
	return p
}

// exchange drives one conn through the pool until done reports the
// collected input complete.
func exchange(t *testing.T, p *transport.Pool, c *transport.Conn, req string, done func(string) bool) string {
	t.Helper()
	if req != "" {
		c.Queue([]byte(req))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []byte
	for !done(string(got)) {
		var writes []transport.Handle
		if c.HasDataToWrite() {
			writes = append(writes, c.Handle())
		}
		r, err := p.Poll(ctx, []transport.Handle{c.Handle()}, writes, 0)
		if err != nil {
			t.Fatalf("poll: %v (got %q)", err, got)
		}
		if len(r.Writable) > 0 {
			if err := c.Write(); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		if len(r.Readable) == 0 {
			continue
		}
		if c.InTunnel() {
			if err := c.TunnelRead(); err != nil {
				t.Fatalf("tunnel: %v", err)
			}
			continue
		}
		for {
			b, err := c.Read(0)
			if err != nil {
				t.Fatalf("read: %v (got %q)", err, got)
			}
			if b == nil {
				break
			}
			got = append(got, b...)
		}
	}
	return string(got)
}

func hasSuffix(s string) func(string) bool {
	return func(got string) bool { return strings.HasSuffix(got, s) }
}

func TestAcquireBurstLimit(t *testing.T) {
	srv := okServer(t)
	p := newPool(t, transport.PoolConfig{MaxBurst: 2})
	ep := endpoint(srv)

	c1, err := p.Acquire(ep, "task-1")
	if err != nil || c1 == nil {
		t.Fatalf("Acquire 1: %v %v", c1, err)
	}
	c2, err := p.Acquire(ep, "task-2")
	if err != nil || c2 == nil {
		t.Fatalf("Acquire 2: %v %v", c2, err)
	}
	if c1.Handle() == c2.Handle() {
		t.Fatal("two owners share one conn")
	}

	c3, err := p.Acquire(ep, "task-3")
	if err != nil || c3 != nil {
		t.Fatalf("third Acquire should report busy, got %v %v", c3, err)
	}

	p.Release(c1, false)
	c3, err = p.Acquire(ep, "task-3")
	if err != nil || c3 == nil {
		t.Fatalf("Acquire after release: %v %v", c3, err)
	}
	if c3.Handle() != c1.Handle() {
		t.Errorf("released slot should be handed out again")
	}
	if c3.Owner() != "task-3" {
		t.Errorf("Owner = %v", c3.Owner())
	}

	if s := p.Stats(); s.Slots != 2 || s.Busy != 2 || s.Endpoints != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestRoundTripAndReuse(t *testing.T) {
	srv := okServer(t)
	p := newPool(t, transport.PoolConfig{})
	ep := endpoint(srv)

	c, _ := p.Acquire(ep, "a")
	if got := exchange(t, p, c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n", hasSuffix("ok")); got != okResponse {
		t.Fatalf("response = %q", got)
	}
	if c.Reused() {
		t.Error("first acquisition cannot be reused")
	}
	if !c.Flushed() {
		t.Error("request should be flushed")
	}
	p.Release(c, false)
	if c.State() != transport.StateIdle {
		t.Fatalf("State = %v, want idle", c.State())
	}

	c, _ = p.Acquire(ep, "b")
	if !c.Reused() {
		t.Fatal("second acquisition should reuse the open socket")
	}
	exchange(t, p, c, "GET /again HTTP/1.1\r\nHost: x\r\n\r\n", hasSuffix("ok"))
	p.Release(c, true)

	if n := srv.Accepted.Load(); n != 1 {
		t.Errorf("server accepted %d conns, want 1", n)
	}
	if s := p.Stats(); s.Reuses != 1 || s.Opened != 1 || s.Open != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestStaleReuseReopens(t *testing.T) {
	srv := testutil.StartServer(t, testutil.KeepAlive(func(*testutil.Request) (string, bool) {
		return okResponse, true
	}))
	p := newPool(t, transport.PoolConfig{})
	ep := endpoint(srv)

	c, _ := p.Acquire(ep, "a")
	exchange(t, p, c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n", hasSuffix("ok"))
	p.Release(c, false)

	// let the server close its side
	time.Sleep(50 * time.Millisecond)

	c, _ = p.Acquire(ep, "b")
	got := exchange(t, p, c, "GET /second HTTP/1.1\r\nHost: x\r\n\r\n", hasSuffix("ok"))
	if got != okResponse {
		t.Fatalf("response = %q", got)
	}
	if !c.Metadata().Retried {
		t.Error("stale socket should have been reopened")
	}
	if n := srv.Accepted.Load(); n != 2 {
		t.Errorf("server accepted %d conns, want 2", n)
	}
}

func TestRefusedConnection(t *testing.T) {
	port := testutil.ClosedPort(t)
	p := newPool(t, transport.PoolConfig{})
	ep := transport.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: port}

	c, err := p.Acquire(ep, "a")
	if err != nil || c == nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Queue([]byte("GET / HTTP/1.1\r\n\r\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := p.Poll(ctx, []transport.Handle{c.Handle()}, []transport.Handle{c.Handle()}, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if r.Empty() {
		t.Fatal("failed dial should make the conn ready")
	}
	if _, _, err := c.ReadLine(); !errors.IsType(err, errors.ErrorTypeConnection) {
		t.Fatalf("ReadLine err = %v, want connection error", err)
	}
	if p.LastError() == nil || !strings.Contains(p.LastError().Error(), errors.MsgUnableConnect) {
		t.Errorf("LastError = %v", p.LastError())
	}
}

func TestAcquireValidation(t *testing.T) {
	p := newPool(t, transport.PoolConfig{})
	tests := []transport.Endpoint{
		{Scheme: "http", Host: "", Port: 80},
		{Scheme: "http", Host: "example.com", Port: 0},
		{Scheme: "ftp", Host: "example.com", Port: 21},
	}
	for _, ep := range tests {
		t.Run(ep.String(), func(t *testing.T) {
			c, err := p.Acquire(ep, "x")
			if c != nil || !errors.IsType(err, errors.ErrorTypeConnection) {
				t.Fatalf("Acquire = %v, %v", c, err)
			}
			if p.LastError() != err {
				t.Errorf("LastError not recorded")
			}
		})
	}
}

func TestPollIdleTimeout(t *testing.T) {
	srv := testutil.StartServer(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})
	p := newPool(t, transport.PoolConfig{})
	c, _ := p.Acquire(endpoint(srv), "a")
	c.Queue([]byte("GET / HTTP/1.1\r\n\r\n"))

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var writes []transport.Handle
		if c.HasDataToWrite() {
			writes = []transport.Handle{c.Handle()}
		}
		r, err := p.Poll(ctx, []transport.Handle{c.Handle()}, writes, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if r.Idle {
			return
		}
		if len(r.Writable) > 0 {
			c.Write()
		}
	}
	t.Fatal("Poll never reported idle")
}

func TestPollContextCanceled(t *testing.T) {
	srv := testutil.StartServer(t, func(conn net.Conn) {
		time.Sleep(time.Second)
	})
	p := newPool(t, transport.PoolConfig{})
	c, _ := p.Acquire(endpoint(srv), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Poll(ctx, []transport.Handle{c.Handle()}, nil, 0); err != context.Canceled {
		t.Fatalf("Poll err = %v", err)
	}
}

func TestPollReadinessErrors(t *testing.T) {
	p := transport.NewPool(transport.PoolConfig{})
	if _, err := p.Poll(context.Background(), []transport.Handle{7}, nil, 0); !errors.IsType(err, errors.ErrorTypeReadiness) {
		t.Errorf("unknown handle err = %v", err)
	}
	p.Close()
	if _, err := p.Poll(context.Background(), nil, nil, 0); !errors.IsType(err, errors.ErrorTypeReadiness) {
		t.Errorf("closed pool err = %v", err)
	}
	if _, err := p.Acquire(transport.Endpoint{Scheme: "http", Host: "h", Port: 80}, "x"); err == nil {
		t.Error("Acquire on closed pool should fail")
	}
}

func TestDirectTLS(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "6")
		w.Write([]byte("secure"))
	}))
	ln := testutil.ListenTCP(t)
	ts.Listener = ln
	ts.StartTLS()
	defer ts.Close()

	addr := ln.Addr().(*net.TCPAddr)
	p := newPool(t, transport.PoolConfig{Dialer: transport.DialerConfig{InsecureTLS: true}})
	c, _ := p.Acquire(transport.Endpoint{Scheme: "https", Host: "127.0.0.1", Port: addr.Port}, "a")
	got := exchange(t, p, c, "GET / HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n", hasSuffix("secure"))
	if !strings.HasPrefix(got, "HTTP/1.1 200") {
		t.Fatalf("response = %q", got)
	}
	if c.Metadata().TLSVersion == 0 {
		t.Error("TLS version not recorded")
	}
	if c.Spans().TLS.Duration() <= 0 {
		t.Error("TLS span not measured")
	}
}

func TestEndpointString(t *testing.T) {
	ep := transport.Endpoint{Scheme: "https", Host: "example.com", Port: 443, Proxied: true}
	if got := ep.String(); got != "ssl://example.com:443+proxy" {
		t.Errorf("String = %q", got)
	}
	ep = transport.Endpoint{Scheme: "http", Host: "example.com", Port: 8080, Addr: "10.0.0.1"}
	if got := ep.String(); got != "tcp://example.com@10.0.0.1:8080" {
		t.Errorf("String = %q", got)
	}
	if ep.HostPort() != "example.com:"+strconv.Itoa(8080) {
		t.Errorf("HostPort = %q", ep.HostPort())
	}
}
