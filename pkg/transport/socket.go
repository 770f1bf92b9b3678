package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/timing"
)

type eventKind int

const (
	evConnected eventKind = iota
	evRead
	evWritten
	evHandshake
)

// event is posted by socket goroutines to the pool. Only the poll loop
// applies events, so Conn state is never touched concurrently.
type event struct {
	handle Handle
	gen    uint64
	kind   eventKind

	data []byte
	n    int
	err  error

	dial    dialResult
	tlsConn *tls.Conn
	tlsSpan timing.Span
}

type opKind int

const (
	opRead opKind = iota
	opHandshake
)

type readOp struct {
	kind opKind
	size int
}

// socket wraps one net.Conn and the goroutines that perform its blocking
// calls. A Conn gets a fresh socket, with a new generation, every time it
// is (re)opened.
type socket struct {
	gen    uint64
	handle Handle
	ctx    context.Context
	cancel context.CancelFunc
	reads  chan readOp
	writes chan []byte

	mu     sync.Mutex
	nc     net.Conn
	closed bool
}

func (p *Pool) startSocket(c *Conn, proxy *ProxyConfig) *socket {
	p.gen++
	ctx, cancel := context.WithCancel(p.ctx)
	s := &socket{
		gen:    p.gen,
		handle: c.handle,
		ctx:    ctx,
		cancel: cancel,
		reads:  make(chan readOp, 2),
		writes: make(chan []byte, 1),
	}
	ep := c.ep

	go func() {
		res, err := p.dialer.dial(ctx, ep, proxy)
		if err == nil && !s.attach(res.conn) {
			return
		}
		p.post(s, event{kind: evConnected, dial: res, err: err})
		if err != nil {
			return
		}
		go s.writeLoop(p)
		s.readLoop(p, ep)
	}()
	return s
}

// attach installs nc unless the socket was closed meanwhile, in which case
// nc is closed and false is returned.
func (s *socket) attach(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		nc.Close()
		return false
	}
	s.nc = nc
	return true
}

func (s *socket) conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc
}

// interrupt makes a blocked Read return early.
func (s *socket) interrupt() {
	if nc := s.conn(); nc != nil {
		nc.SetReadDeadline(time.Now().Add(-time.Second))
	}
}

func (s *socket) close() {
	s.mu.Lock()
	s.closed = true
	if s.nc != nil {
		s.nc.Close()
	}
	s.mu.Unlock()
	s.cancel()
}

func (p *Pool) post(s *socket, ev event) bool {
	ev.handle = s.handle
	ev.gen = s.gen
	select {
	case p.events <- ev:
		return true
	case <-s.ctx.Done():
		if ev.tlsConn != nil {
			ev.tlsConn.Close()
		}
		return false
	}
}

func (s *socket) readLoop(p *Pool, ep Endpoint) {
	for {
		var op readOp
		select {
		case op = <-s.reads:
		case <-s.ctx.Done():
			return
		}

		switch op.kind {
		case opHandshake:
			raw := s.conn()
			raw.SetReadDeadline(time.Time{})
			var span timing.Span
			tlsConn, err := p.dialer.handshake(s.ctx, raw, ep, &span)
			if err == nil {
				s.mu.Lock()
				if s.closed {
					err = net.ErrClosed
				} else {
					s.nc = tlsConn
				}
				s.mu.Unlock()
			}
			if !p.post(s, event{kind: evHandshake, tlsConn: tlsConn, tlsSpan: span, err: err}) || err != nil {
				return
			}
		default:
			size := op.size
			if size <= 0 {
				size = constants.ReadChunkSize
			}
			buf := make([]byte, size)
			n, err := s.conn().Read(buf)
			if !p.post(s, event{kind: evRead, data: buf[:n], err: err}) {
				return
			}
		}
	}
}

func (s *socket) writeLoop(p *Pool) {
	for {
		var data []byte
		select {
		case data = <-s.writes:
		case <-s.ctx.Done():
			return
		}
		n, err := s.conn().Write(data)
		if !p.post(s, event{kind: evWritten, n: n, err: err}) {
			return
		}
	}
}
