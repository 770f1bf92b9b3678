package transport_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/WhileEndless/go-parallelhttp/internal/testutil"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/transport"
)

func proxyFor(s *testutil.Server, typ transport.ProxyType, user, pass string) *transport.ProxyConfig {
	return &transport.ProxyConfig{Type: typ, Host: s.Host(), Port: s.Port(), Username: user, Password: pass}
}

func TestTunnels(t *testing.T) {
	tests := []struct {
		name  string
		proxy func(t *testing.T) *testutil.Server
		typ   transport.ProxyType
		user  string
		pass  string
	}{
		{
			name:  "socks5 no auth",
			proxy: func(t *testing.T) *testutil.Server { return testutil.StartSOCKS5Proxy(t, "", "") },
			typ:   transport.ProxySOCKS5,
		},
		{
			name:  "socks5 user pass",
			proxy: func(t *testing.T) *testutil.Server { return testutil.StartSOCKS5Proxy(t, "alice", "s3cret") },
			typ:   transport.ProxySOCKS5,
			user:  "alice",
			pass:  "s3cret",
		},
		{
			name:  "socks4",
			proxy: func(t *testing.T) *testutil.Server { return testutil.StartSOCKS4Proxy(t) },
			typ:   transport.ProxySOCKS4,
			user:  "bob",
		},
		{
			name:  "connect",
			proxy: func(t *testing.T) *testutil.Server { return testutil.StartConnectProxy(t, "", "", 0) },
			typ:   transport.ProxyHTTP,
		},
		{
			name:  "connect basic auth",
			proxy: func(t *testing.T) *testutil.Server { return testutil.StartConnectProxy(t, "carol", "pw", 0) },
			typ:   transport.ProxyHTTP,
			user:  "carol",
			pass:  "pw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := okServer(t)
			px := tt.proxy(t)
			p := newPool(t, transport.PoolConfig{Proxy: proxyFor(px, tt.typ, tt.user, tt.pass)})

			ep := endpoint(srv)
			ep.Proxied = true
			c, err := p.Acquire(ep, "a")
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if c.State() != transport.StateTunnel || c.TunnelStep() != 1 {
				t.Fatalf("State = %v step %d, want tunnel step 1", c.State(), c.TunnelStep())
			}

			got := exchange(t, p, c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n", hasSuffix("ok"))
			if got != okResponse {
				t.Fatalf("response = %q", got)
			}
			if c.State() != transport.StateBusy {
				t.Errorf("State = %v after tunnel", c.State())
			}
			md := c.Metadata()
			if !strings.HasPrefix(md.Proxy, string(tt.typ)+"://") {
				t.Errorf("Metadata.Proxy = %q", md.Proxy)
			}
			if strings.Contains(md.Proxy, "s3cret") {
				t.Error("proxy password leaked into metadata")
			}
			if c.Spans().Tunnel.Duration() <= 0 {
				t.Error("tunnel span not measured")
			}
			if n := px.Accepted.Load(); n != 1 {
				t.Errorf("proxy accepted %d conns", n)
			}
		})
	}
}

func tunnelError(t *testing.T, p *transport.Pool, c *transport.Conn) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var writes []transport.Handle
		if c.HasDataToWrite() {
			writes = []transport.Handle{c.Handle()}
		}
		r, err := p.Poll(ctx, []transport.Handle{c.Handle()}, writes, 0)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(r.Writable) > 0 {
			if err := c.Write(); err != nil {
				return err
			}
		}
		if len(r.Readable) > 0 {
			if err := c.TunnelRead(); err != nil {
				return err
			}
		}
	}
}

func TestConnectRejected(t *testing.T) {
	srv := okServer(t)
	px := testutil.StartConnectProxy(t, "", "", 403)
	p := newPool(t, transport.PoolConfig{Proxy: proxyFor(px, transport.ProxyHTTP, "", "")})

	ep := endpoint(srv)
	ep.Proxied = true
	c, _ := p.Acquire(ep, "a")
	err := tunnelError(t, p, c)
	if !errors.IsType(err, errors.ErrorTypeTunnel) {
		t.Fatalf("err = %v, want tunnel error", err)
	}
	if !strings.Contains(err.Error(), errors.MsgProxyResponse) {
		t.Errorf("err = %v", err)
	}
	if c.State() != transport.StateClosed {
		t.Errorf("State = %v", c.State())
	}
	if srv.Accepted.Load() != 0 {
		t.Error("target should never be reached")
	}
}

func TestSOCKS5AuthRequired(t *testing.T) {
	srv := okServer(t)
	px := testutil.StartSOCKS5Proxy(t, "alice", "s3cret")
	p := newPool(t, transport.PoolConfig{Proxy: proxyFor(px, transport.ProxySOCKS5, "", "")})

	ep := endpoint(srv)
	ep.Proxied = true
	c, _ := p.Acquire(ep, "a")
	if err := tunnelError(t, p, c); !errors.IsType(err, errors.ErrorTypeTunnel) {
		t.Fatalf("err = %v, want tunnel error", err)
	}
}

func TestProxiedIgnoredWithoutProxy(t *testing.T) {
	srv := okServer(t)
	p := newPool(t, transport.PoolConfig{})
	ep := endpoint(srv)
	ep.Proxied = true
	c, _ := p.Acquire(ep, "a")
	if c.Endpoint().Proxied {
		t.Error("endpoint should not be proxied when the pool has no proxy")
	}
	exchange(t, p, c, "GET / HTTP/1.1\r\n\r\n", hasSuffix("ok"))
}

func TestSetProxyClosesIdleProxiedSockets(t *testing.T) {
	srv := okServer(t)
	px := testutil.StartSOCKS5Proxy(t, "", "")
	p := newPool(t, transport.PoolConfig{Proxy: proxyFor(px, transport.ProxySOCKS5, "", "")})

	ep := endpoint(srv)
	ep.Proxied = true
	c, _ := p.Acquire(ep, "a")
	exchange(t, p, c, "GET / HTTP/1.1\r\n\r\n", hasSuffix("ok"))
	p.Release(c, false)
	if c.State() != transport.StateIdle {
		t.Fatalf("State = %v", c.State())
	}

	p.SetProxy(proxyFor(px, transport.ProxySOCKS5, "", ""))
	if c.State() != transport.StateClosed {
		t.Errorf("idle proxied conn should be closed, State = %v", c.State())
	}
}

func TestTLSOverConnect(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "8")
		w.Write([]byte("tunneled"))
	}))
	ln := testutil.ListenTCP(t)
	ts.Listener = ln
	ts.StartTLS()
	defer ts.Close()

	px := testutil.StartConnectProxy(t, "", "", 0)
	p := newPool(t, transport.PoolConfig{
		Proxy:  proxyFor(px, transport.ProxyHTTP, "", ""),
		Dialer: transport.DialerConfig{InsecureTLS: true},
	})

	ep := transport.Endpoint{Scheme: "https", Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Proxied: true}
	c, _ := p.Acquire(ep, "a")
	got := exchange(t, p, c, "GET / HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n", hasSuffix("tunneled"))
	if !strings.HasPrefix(got, "HTTP/1.1 200") {
		t.Fatalf("response = %q", got)
	}
	if c.Metadata().TLSVersion == 0 {
		t.Error("TLS version not recorded")
	}
}
