// Package transport implements the connection pool behind the parallel
// client: an arena of sockets keyed by endpoint, the proxy tunnel state
// machines, and the readiness poll that drives them from one goroutine.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/timing"
	"github.com/WhileEndless/go-parallelhttp/pkg/tlsconfig"
)

// DialerConfig holds socket opening configuration.
type DialerConfig struct {
	ConnTimeout    time.Duration
	DNSTimeout     time.Duration
	DNSCacheTTL    time.Duration
	MaxConcurrency int64
	Resolver       *net.Resolver
	InsecureTLS    bool
	TLSProfile     string
	TLSConfig      *tls.Config
}

// Dialer opens sockets: DNS (cached), TCP connect, and TLS for direct https
// endpoints. It is called from dial goroutines and is safe for concurrent
// use.
type Dialer struct {
	cfg      DialerConfig
	resolver *net.Resolver
	sem      *semaphore.Weighted
	group    singleflight.Group
	log      *logrus.Entry

	mu    sync.Mutex
	cache map[string]dnsEntry
}

type dnsEntry struct {
	ips     []net.IP
	expires time.Time
}

// dialResult is what a dial goroutine reports back to the poll loop.
type dialResult struct {
	conn       net.Conn
	targetIP   string
	remoteAddr string
	tlsVersion uint16
	spans      timing.ConnSpans
}

// NewDialer creates a Dialer, filling zero fields with defaults.
func NewDialer(cfg DialerConfig, log *logrus.Entry) *Dialer {
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = constants.DefaultConnTimeout
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = constants.DefaultDNSTimeout
	}
	if cfg.DNSCacheTTL == 0 {
		cfg.DNSCacheTTL = constants.DefaultDNSCacheTTL
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = constants.DefaultMaxDialConcurrency
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dialer{
		cfg:      cfg,
		resolver: resolver,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		log:      log,
		cache:    make(map[string]dnsEntry),
	}
}

// dial opens a socket for ep, through proxy when it is not nil. For a
// proxied https endpoint the TLS handshake is left to the caller since the
// tunnel must be negotiated first.
func (d *Dialer) dial(ctx context.Context, ep Endpoint, proxy *ProxyConfig) (dialResult, error) {
	var res dialResult

	if proxy != nil {
		if proxy.needsIPv4() {
			ip, err := d.targetIPv4(ctx, ep, &res.spans.DNS)
			if err != nil {
				return res, err
			}
			res.targetIP = ip
		}
		addr, err := d.resolveAddress(ctx, proxy.Host, "", proxy.Port, &res.spans.DNS)
		if err != nil {
			return res, err
		}
		conn, err := d.connectTCP(ctx, addr, &res.spans.TCP)
		if err != nil {
			return res, errors.NewConnectionError(proxy.Host, proxy.Port, err)
		}
		res.conn = conn
		res.remoteAddr = conn.RemoteAddr().String()
		return res, nil
	}

	addr, err := d.resolveAddress(ctx, ep.Host, ep.Addr, ep.Port, &res.spans.DNS)
	if err != nil {
		return res, err
	}
	conn, err := d.connectTCP(ctx, addr, &res.spans.TCP)
	if err != nil {
		return res, errors.NewConnectionError(ep.Host, ep.Port, err)
	}
	res.remoteAddr = conn.RemoteAddr().String()
	res.targetIP, _, _ = net.SplitHostPort(res.remoteAddr)

	if ep.TLS() {
		tlsConn, err := d.handshake(ctx, conn, ep, &res.spans.TLS)
		if err != nil {
			conn.Close()
			return res, err
		}
		res.conn = tlsConn
		res.tlsVersion = tlsConn.ConnectionState().Version
		return res, nil
	}
	res.conn = conn
	return res, nil
}

func (d *Dialer) targetIPv4(ctx context.Context, ep Endpoint, span *timing.Span) (string, error) {
	host := ep.Host
	if ep.Addr != "" {
		host = ep.Addr
	}
	ips, err := d.lookup(ctx, host, span)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.NewDNSError(host, fmt.Errorf("no IPv4 address for SOCKS request"))
}

func (d *Dialer) resolveAddress(ctx context.Context, host, override string, port int, span *timing.Span) (string, error) {
	if override != "" {
		return net.JoinHostPort(override, strconv.Itoa(port)), nil
	}
	ips, err := d.lookup(ctx, host, span)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ips[0].String(), strconv.Itoa(port)), nil
}

// lookup resolves host through the TTL cache. Concurrent lookups of the
// same host share one query.
func (d *Dialer) lookup(ctx context.Context, host string, span *timing.Span) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	d.mu.Lock()
	entry, ok := d.cache[host]
	d.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.ips, nil
	}

	if span.Start.IsZero() {
		span.Start = time.Now()
	}
	defer func() { span.End = time.Now() }()

	v, err, shared := d.group.Do(host, func() (any, error) {
		ctxLookup, cancel := context.WithTimeout(context.Background(), d.cfg.DNSTimeout)
		defer cancel()

		addrs, err := d.resolver.LookupIPAddr(ctxLookup, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no IP addresses found")
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
		if d.cfg.DNSCacheTTL > 0 {
			d.mu.Lock()
			d.cache[host] = dnsEntry{ips: ips, expires: time.Now().Add(d.cfg.DNSCacheTTL)}
			d.mu.Unlock()
		}
		return ips, nil
	})
	if err != nil {
		return nil, errors.NewDNSError(host, err)
	}
	if shared {
		d.log.WithField("host", host).Debug("dns lookup shared")
	}
	if ctx.Err() != nil {
		return nil, errors.NewDNSError(host, ctx.Err())
	}
	return v.([]net.IP), nil
}

// FlushDNSCache drops every cached lookup.
func (d *Dialer) FlushDNSCache() {
	d.mu.Lock()
	d.cache = make(map[string]dnsEntry)
	d.mu.Unlock()
}

func (d *Dialer) connectTCP(ctx context.Context, addr string, span *timing.Span) (net.Conn, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	span.Start = time.Now()
	defer func() { span.End = time.Now() }()

	dialer := &net.Dialer{Timeout: d.cfg.ConnTimeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (d *Dialer) tlsConfig(ep Endpoint) (*tls.Config, error) {
	return tlsconfig.Build(ep.Host, d.cfg.InsecureTLS, d.cfg.TLSProfile, d.cfg.TLSConfig)
}

// handshake runs a client TLS handshake over conn, which may be a direct
// socket or an established proxy tunnel.
func (d *Dialer) handshake(ctx context.Context, conn net.Conn, ep Endpoint, span *timing.Span) (*tls.Conn, error) {
	cfg, err := d.tlsConfig(ep)
	if err != nil {
		return nil, errors.NewTLSError(ep.Host, ep.Port, err)
	}

	span.Start = time.Now()
	defer func() { span.End = time.Now() }()

	tlsCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnTimeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, errors.NewTLSError(ep.Host, ep.Port, err)
	}
	return tlsConn, nil
}
