// Package client provides the parallel HTTP/1.1 engine: requests are turned
// into tasks that share one connection pool and are multiplexed by a single
// event loop.
package client

import (
	"context"
	"net/url"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-parallelhttp/pkg/cookie"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/header"
	"github.com/WhileEndless/go-parallelhttp/pkg/transport"
)

// Version is reported in the default User-Agent.
const Version = "1.0.0"

// ParseFunc is called once per finished task with the batch key. It may
// call res.Redirect to have the engine follow another URL.
type ParseFunc func(res *Response, req *Request, key string)

// Client runs requests. Calls to Do and DoBatch are serialized; each one
// runs its own event loop over the shared pool. The setters may be called
// from a ParseFunc but not concurrently with a running Do from another
// goroutine.
type Client struct {
	mu         sync.Mutex
	opts       Options
	pool       *transport.Pool
	header     *header.Header
	jar        *cookie.Jar
	parser     ParseFunc
	timeout    time.Duration
	cookieFile string
	log        *logrus.Entry
}

// New creates a Client. Zero option fields take their defaults. A cookie
// file that cannot be read is logged and ignored.
func New(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxBurst <= 0 {
		opts.MaxBurst = def.MaxBurst
	}
	if opts.BodyMemLimit <= 0 {
		opts.BodyMemLimit = def.BodyMemLimit
	}
	log := opts.Logger
	if log == nil {
		log = defaultLogger()
	}
	log = log.WithField("component", "parallelhttp")

	c := &Client{
		opts:    opts,
		header:  header.New(),
		jar:     cookie.NewJar(),
		timeout: opts.Timeout,
		log:     log,
	}
	c.pool = transport.NewPool(transport.PoolConfig{
		MaxBurst: opts.MaxBurst,
		Dialer: transport.DialerConfig{
			ConnTimeout:    opts.ConnTimeout,
			DNSTimeout:     opts.DNSTimeout,
			DNSCacheTTL:    opts.DNSCacheTTL,
			MaxConcurrency: opts.MaxDialConcurrency,
			Resolver:       opts.Resolver,
			InsecureTLS:    opts.InsecureTLS,
			TLSProfile:     opts.TLSProfile,
			TLSConfig:      opts.TLSConfig,
		},
		Logger: log,
	})
	c.applyDefaultHeader()
	if opts.ProxyURL != "" {
		c.SetProxy(opts.ProxyURL)
	}
	if opts.CookieFile != "" {
		if err := c.SetCookieFile(opts.CookieFile); err != nil {
			log.WithError(err).Warn("cookie file not loaded")
		}
	}
	return c
}

func (c *Client) defaultAgent() string {
	if c.opts.UserAgent != "" {
		return c.opts.UserAgent
	}
	return "Mozilla/5.0 (Compatible; go-parallelhttp/" + Version + ") " +
		runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH
}

func (c *Client) applyDefaultHeader() {
	c.header.Set("accept", "*/*")
	c.header.Set("accept-language", "en-us,en")
	c.header.Set("connection", "Keep-Alive")
	c.header.Set("user-agent", c.defaultAgent())
}

// Header returns the default headers sent with every request.
func (c *Client) Header() *header.Header { return c.header }

// SetHeader sets a default header; an empty value removes it.
func (c *Client) SetHeader(name, value string) {
	if value == "" {
		c.header.Del(name)
		return
	}
	c.header.Set(name, value)
}

// ClearHeader drops custom default headers and restores the built-in ones.
func (c *Client) ClearHeader() {
	c.header.Clear()
	c.applyDefaultHeader()
}

// Jar returns the client's cookie jar. Cookies received by any task are
// stored here and sent back on matching requests.
func (c *Client) Jar() *cookie.Jar { return c.jar }

// SetCookie stores a session cookie sent with every request.
func (c *Client) SetCookie(name, value string) { c.jar.Set(name, value) }

// SetTimeout sets the idle deadline of the event loop. 0 disables it.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SetParser installs the callback run when a task finishes. nil removes it.
func (c *Client) SetParser(fn ParseFunc) {
	c.parser = fn
}

func (c *Client) runParser(res *Response, req *Request, key string) {
	if c.parser == nil {
		return
	}
	c.log.WithField("url", req.RawURL()).Debug("run parser")
	c.parser(res, req, key)
}

// SetProxy routes requests through proxyURL, e.g. "socks5://u:p@host:1080".
// An empty string disables proxying. An invalid URL is logged and also
// disables proxying.
func (c *Client) SetProxy(proxyURL string) {
	if proxyURL == "" {
		c.pool.SetProxy(nil)
		return
	}
	p, err := ParseProxyURL(proxyURL)
	if err != nil {
		c.log.WithError(err).Warn("invalid proxy, proxying disabled")
		c.pool.SetProxy(nil)
		return
	}
	c.log.WithField("proxy", p.String()).Debug("proxy set")
	c.pool.SetProxy(p)
}

// Proxy returns the active proxy, nil when disabled.
func (c *Client) Proxy() *transport.ProxyConfig { return c.pool.Proxy() }

// SetCookieFile loads cookies from path and saves them back on Close.
func (c *Client) SetCookieFile(path string) error {
	c.cookieFile = path
	return c.jar.Load(path)
}

// Stats returns a snapshot of the connection pool.
func (c *Client) Stats() transport.PoolStats {
	return c.pool.Stats()
}

// Close saves the cookie file, if any, and closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.cookieFile != "" {
		err = c.jar.Save(c.cookieFile)
	}
	c.pool.Close()
	return err
}

// Do runs one request. Per-request failures are reported on the response;
// the returned error is set only when the event loop itself stopped.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.NewValidationError("request cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p := newProcessor(c, req, "")
	err := c.exec(ctx, []*processor{p})
	return p.res, err
}

// DoBatch runs requests in parallel. The result holds one response per key.
// Tasks are started in key order. Every request must be a distinct value.
func (c *Client) DoBatch(ctx context.Context, reqs map[string]*Request) (map[string]*Response, error) {
	keys := make([]string, 0, len(reqs))
	for k, r := range reqs {
		if r != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	c.mu.Lock()
	defer c.mu.Unlock()

	procs := make([]*processor, len(keys))
	for i, k := range keys {
		procs[i] = newProcessor(c, reqs[k], k)
	}
	err := c.exec(ctx, procs)

	out := make(map[string]*Response, len(procs))
	for _, p := range procs {
		out[p.key] = p.res
	}
	return out, err
}

// exec is the event loop. Each iteration acquires connections, polls the
// pool, then runs every write step before every read step.
func (c *Client) exec(ctx context.Context, procs []*processor) error {
	for {
		var reads, writes []transport.Handle
		var tracked []*processor
		for _, p := range procs {
			if p.finished() {
				continue
			}
			conn := p.getConn()
			if conn == nil {
				continue
			}
			if c.timeout > 0 {
				tracked = append(tracked, p)
			}
			reads = append(reads, conn.Handle())
			if conn.HasDataToWrite() {
				writes = append(writes, conn.Handle())
			}
		}
		if len(reads) == 0 {
			return nil
		}

		ready, err := c.pool.Poll(ctx, reads, writes, c.timeout)
		if err != nil {
			c.abort(procs, err)
			return err
		}
		if ready.Idle {
			c.log.WithField("tasks", len(tracked)).Debug("idle timeout")
			for _, p := range tracked {
				if !p.finished() && p.conn != nil {
					p.finish(finishTimeout, nil)
				}
			}
			continue
		}

		for _, h := range ready.Writable {
			if p := c.owner(h); p != nil {
				p.send()
			}
		}
		for _, h := range ready.Readable {
			if p := c.owner(h); p != nil {
				p.recv()
			}
		}
	}
}

func (c *Client) owner(h transport.Handle) *processor {
	conn := c.pool.Conn(h)
	if conn == nil {
		return nil
	}
	p, ok := conn.Owner().(*processor)
	if !ok || p.conn != conn || p.finished() {
		return nil
	}
	return p
}

// abort finishes every unfinished task after the loop failed. Redirects are
// not followed.
func (c *Client) abort(procs []*processor, cause error) {
	c.log.WithError(cause).Warn("event loop stopped")
	for _, p := range procs {
		if p.finished() {
			continue
		}
		p.final = true
		if errors.IsContextCanceled(cause) || errors.IsContextTimeout(cause) {
			p.finish(finishTimeout, cause)
		} else {
			p.finish(finishBroken, cause)
		}
	}
}

// resolveReference resolves a Location header against the URL it was
// received for.
func resolveReference(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}
