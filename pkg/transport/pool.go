package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
)

// ErrPoolClosed is the cause reported once Close has been called.
var ErrPoolClosed = fmt.Errorf("connection pool is closed")

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxBurst caps simultaneous sockets per endpoint. Default 3.
	MaxBurst int
	Dialer   DialerConfig
	Proxy    *ProxyConfig
	Logger   *logrus.Entry
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Endpoints int
	Slots     int
	Open      int
	Busy      int
	Idle      int
	Opened    int // sockets opened
	Reopened  int // stale sockets reopened
	Closed    int // sockets closed
	Reuses    int // acquisitions served by an already open socket
}

type poolCounters struct {
	opened, reopened, closed, reuses int
}

// Pool owns every socket of one client: an arena of Conns addressed by
// Handle, the per-endpoint index, the proxy configuration and the last
// error slot. It is not safe for concurrent use; one goroutine acquires,
// polls and releases.
type Pool struct {
	conns      []*Conn
	byEndpoint map[Endpoint][]Handle
	maxBurst   int
	proxy      *ProxyConfig
	lastErr    error
	dialer     *Dialer
	log        *logrus.Entry
	events     chan event
	ctx        context.Context
	cancel     context.CancelFunc
	gen        uint64
	closed     bool
	stats      poolCounters
	now        func() time.Time
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxBurst <= 0 {
		cfg.MaxBurst = constants.DefaultMaxBurst
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		byEndpoint: make(map[Endpoint][]Handle),
		maxBurst:   cfg.MaxBurst,
		proxy:      cfg.Proxy,
		dialer:     NewDialer(cfg.Dialer, log),
		log:        log,
		events:     make(chan event, constants.EventQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// Dialer returns the pool's dialer.
func (p *Pool) Dialer() *Dialer { return p.dialer }

// MaxBurst returns the per-endpoint socket limit.
func (p *Pool) MaxBurst() int { return p.maxBurst }

// SetMaxBurst changes the per-endpoint socket limit for new slots.
func (p *Pool) SetMaxBurst(n int) {
	if n <= 0 {
		n = constants.DefaultMaxBurst
	}
	p.maxBurst = n
}

// SetProxy replaces the proxy; nil disables proxying. Idle proxied sockets
// are closed so that the next task tunnels through the new proxy.
func (p *Pool) SetProxy(proxy *ProxyConfig) {
	p.proxy = proxy
	for _, c := range p.conns {
		if c.owner == nil && c.ep.Proxied && c.sock != nil {
			c.closeSocket()
		}
	}
}

// Proxy returns the current proxy, nil when disabled.
func (p *Pool) Proxy() *ProxyConfig { return p.proxy }

// LastError returns the most recent failure recorded by any conn.
func (p *Pool) LastError() error { return p.lastErr }

// Conn returns the conn at h, or nil for an unknown handle.
func (p *Pool) Conn(h Handle) *Conn {
	if h < 0 || int(h) >= len(p.conns) {
		return nil
	}
	return p.conns[h]
}

// Acquire hands out a conn for ep to owner. An idle slot is preferred; a
// new slot is created while the endpoint has fewer than MaxBurst slots.
// (nil, nil) means every slot is busy and the caller should try again on a
// later iteration. Errors are terminal for the caller's task.
func (p *Pool) Acquire(ep Endpoint, owner any) (*Conn, error) {
	if p.closed {
		err := errors.NewConnectionError(ep.Host, ep.Port, ErrPoolClosed)
		p.lastErr = err
		return nil, err
	}
	if err := ep.validate(); err != nil {
		err := errors.NewConnectionError(ep.Host, ep.Port, err)
		p.lastErr = err
		return nil, err
	}
	if owner == nil {
		return nil, errors.NewValidationError("conn owner cannot be nil")
	}
	ep.Proxied = ep.Proxied && p.proxy != nil

	var c *Conn
	handles := p.byEndpoint[ep]
	for _, h := range handles {
		if p.conns[h].owner == nil {
			c = p.conns[h]
			break
		}
	}
	if c == nil {
		if len(handles) >= p.maxBurst {
			return nil, nil
		}
		c = &Conn{pool: p, handle: Handle(len(p.conns)), ep: ep, state: StateClosed}
		p.conns = append(p.conns, c)
		p.byEndpoint[ep] = append(handles, c.handle)
		p.log.WithFields(c.logFields()).Debug("create conn")
	}

	c.owner = owner
	c.out = nil
	c.outPos = 0
	c.lastErr = nil
	c.retried = false
	c.wasReused = false
	c.requests++

	if c.sock != nil && c.connected && !c.eof && c.readErr == nil && c.openErr == nil {
		c.in = c.in[:0]
		c.reused = true
		c.wasReused = true
		c.state = StateBusy
		p.stats.reuses++
		p.log.WithFields(c.logFields()).Debug("reuse conn")
		return c, nil
	}
	c.open()
	return c, nil
}

// Release detaches the conn from its owner. The socket stays open for the
// next task unless forceClose is set or the socket is no longer usable.
func (p *Pool) Release(c *Conn, forceClose bool) {
	if c == nil {
		return
	}
	c.owner = nil
	c.out = nil
	c.outPos = 0
	c.reused = false
	if forceClose || p.closed || c.sock == nil || !c.connected || c.InTunnel() ||
		c.eof || c.readErr != nil || c.openErr != nil || c.writeInFlight {
		p.log.WithFields(c.logFields()).Debug("close conn")
		c.closeSocket()
		return
	}
	p.log.WithFields(c.logFields()).Debug("free conn")
	c.state = StateIdle
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{
		Endpoints: len(p.byEndpoint),
		Slots:     len(p.conns),
		Opened:    p.stats.opened,
		Reopened:  p.stats.reopened,
		Closed:    p.stats.closed,
		Reuses:    p.stats.reuses,
	}
	for _, c := range p.conns {
		if c.sock != nil {
			s.Open++
		}
		if c.owner != nil {
			s.Busy++
		} else if c.sock != nil {
			s.Idle++
		}
	}
	return s
}

// OpenCount returns the number of open sockets for ep.
func (p *Pool) OpenCount(ep Endpoint) int {
	ep.Proxied = ep.Proxied && p.proxy != nil
	n := 0
	for _, h := range p.byEndpoint[ep] {
		if p.conns[h].sock != nil {
			n++
		}
	}
	return n
}

// Close shuts every socket. Further Acquire and Poll calls fail.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	for _, c := range p.conns {
		c.closeSocket()
	}
	p.cancel()
	return nil
}
