// Package testutil holds in-process servers and proxies shared by the
// package tests: raw HTTP/1.1 responders, SOCKS4, SOCKS5 and CONNECT
// proxies.
package testutil

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
)

// ListenTCP listens on a random loopback port, skipping the test when
// sockets are not permitted.
func ListenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if IsPerm(err) {
			t.Skip("network sockets not permitted in sandbox")
		}
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// IsPerm reports a sandbox permission error.
func IsPerm(err error) bool {
	if err == nil {
		return false
	}
	if op, ok := err.(*net.OpError); ok {
		if se, ok := op.Err.(*os.SyscallError); ok && se.Err == syscall.EPERM {
			return true
		}
	}
	return strings.Contains(err.Error(), "operation not permitted")
}

// ClosedPort returns a loopback port nothing listens on.
func ClosedPort(t *testing.T) int {
	t.Helper()
	ln := ListenTCP(t)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// Server is a raw TCP server running handle for every accepted conn.
type Server struct {
	Addr     *net.TCPAddr
	Accepted atomic.Int32
	Active   atomic.Int32
	MaxOpen  atomic.Int32

	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

// Host returns "127.0.0.1".
func (s *Server) Host() string { return s.Addr.IP.String() }

// Port returns the listening port.
func (s *Server) Port() int { return s.Addr.Port }

// URL returns "http://127.0.0.1:port" + path.
func (s *Server) URL(path string) string {
	return "http://" + s.Addr.String() + path
}

// StartServer starts a raw server closed at test cleanup.
func StartServer(t *testing.T, handle func(net.Conn)) *Server {
	t.Helper()
	ln := ListenTCP(t)
	s := &Server{Addr: ln.Addr().(*net.TCPAddr), ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.Accepted.Add(1)
			n := s.Active.Add(1)
			for {
				max := s.MaxOpen.Load()
				if n <= max || s.MaxOpen.CompareAndSwap(max, n) {
					break
				}
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go func() {
				defer s.Active.Add(-1)
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and drops every open conn.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
}

// Request is a request read by ReadRequest.
type Request struct {
	Method  string
	Target  string
	Headers map[string][]string
	Body    []byte
}

// Header returns the first value of a lower-case header name.
func (r *Request) Header(name string) string {
	if vs := r.Headers[strings.ToLower(name)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// ReadRequest reads one HTTP/1.1 request with an optional Content-Length
// body.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("bad request line %q", line)
	}
	req := &Request{Method: parts[0], Target: parts[1], Headers: make(map[string][]string)}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, _ := strings.Cut(line, ":")
		k = strings.ToLower(strings.TrimSpace(k))
		req.Headers[k] = append(req.Headers[k], strings.TrimSpace(v))
	}
	if cl := req.Header("content-length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, err
		}
		req.Body = make([]byte, n)
		if _, err := io.ReadFull(br, req.Body); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// KeepAlive serves requests on conn until the peer goes away. respond
// returns the raw response and whether to close afterwards.
func KeepAlive(respond func(*Request) (string, bool)) func(net.Conn) {
	return func(conn net.Conn) {
		br := bufio.NewReader(conn)
		for {
			req, err := ReadRequest(br)
			if err != nil {
				return
			}
			raw, closeAfter := respond(req)
			if _, err := io.WriteString(conn, raw); err != nil {
				return
			}
			if closeAfter {
				return
			}
		}
	}
}

// Fixed builds a keep-alive response with a Content-Length body.
func Fixed(status int, text, body string, headers ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.WriteString(body)
	return b.String()
}

func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
}

// StartSOCKS5Proxy runs a SOCKS5 proxy. Empty user disables authentication.
func StartSOCKS5Proxy(t *testing.T, user, pass string) *Server {
	return StartServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		greet := make([]byte, 3)
		if _, err := io.ReadFull(br, greet); err != nil || greet[0] != 0x05 {
			return
		}
		if user != "" {
			if greet[2] != 0x02 {
				conn.Write([]byte{0x05, 0xFF})
				return
			}
			conn.Write([]byte{0x05, 0x02})
			hdr := make([]byte, 2)
			if _, err := io.ReadFull(br, hdr); err != nil {
				return
			}
			u := make([]byte, hdr[1])
			io.ReadFull(br, u)
			plen, _ := br.ReadByte()
			p := make([]byte, plen)
			io.ReadFull(br, p)
			if string(u) != user || string(p) != pass {
				conn.Write([]byte{0x01, 0x01})
				return
			}
			conn.Write([]byte{0x01, 0x00})
		} else {
			conn.Write([]byte{0x05, 0x00})
		}

		req := make([]byte, 10)
		if _, err := io.ReadFull(br, req); err != nil || req[1] != 0x01 || req[3] != 0x01 {
			return
		}
		target := net.JoinHostPort(net.IP(req[4:8]).String(), strconv.Itoa(int(binary.BigEndian.Uint16(req[8:]))))
		up, err := net.Dial("tcp", target)
		if err != nil {
			conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
			return
		}
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		pipe(&bufferedConn{Conn: conn, r: br}, up)
	})
}

// StartSOCKS4Proxy runs a SOCKS4 proxy.
func StartSOCKS4Proxy(t *testing.T) *Server {
	return StartServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		req := make([]byte, 8)
		if _, err := io.ReadFull(br, req); err != nil || req[0] != 0x04 || req[1] != 0x01 {
			return
		}
		if _, err := br.ReadString(0x00); err != nil {
			return
		}
		target := net.JoinHostPort(net.IP(req[4:8]).String(), strconv.Itoa(int(binary.BigEndian.Uint16(req[2:4]))))
		up, err := net.Dial("tcp", target)
		if err != nil {
			conn.Write([]byte{0x00, 0x5B, 0, 0, 0, 0, 0, 0})
			return
		}
		conn.Write([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})
		pipe(&bufferedConn{Conn: conn, r: br}, up)
	})
}

// StartConnectProxy runs an HTTP CONNECT proxy. Empty user disables
// authentication; a non-zero reject status refuses every tunnel.
func StartConnectProxy(t *testing.T, user, pass string, reject int) *Server {
	want := ""
	if user != "" {
		want = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}
	return StartServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		req, err := ReadRequest(br)
		if err != nil || req.Method != "CONNECT" {
			return
		}
		if reject != 0 {
			fmt.Fprintf(conn, "HTTP/1.1 %d Rejected\r\nContent-Length: 0\r\n\r\n", reject)
			return
		}
		if want != "" && req.Header("proxy-authorization") != want {
			io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
			return
		}
		up, err := net.Dial("tcp", req.Target)
		if err != nil {
			io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 Connection established\r\nProxy-Agent: testutil\r\n\r\n")
		pipe(&bufferedConn{Conn: conn, r: br}, up)
	})
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
