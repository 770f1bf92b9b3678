package transport

import (
	"bytes"
	stderrors "errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/timing"
)

// State is the lifecycle state of a Conn.
type State int

const (
	// StateIdle: socket open, no owner.
	StateIdle State = iota
	// StateBusy: owned and ready for HTTP bytes.
	StateBusy
	// StateTunnel: owned, proxy handshake or TLS upgrade in progress.
	StateTunnel
	// StateClosed: no socket. The slot can be reopened by Acquire.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateTunnel:
		return "tunnel"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metadata describes the socket behind a Conn.
type Metadata struct {
	Handle     Handle
	Endpoint   string
	Proxy      string
	Reused     bool // socket was kept from a previous task when acquired
	Retried    bool // socket was reopened after a stale reuse
	Requests   int  // tasks served by this slot
	RemoteAddr string
	TargetIP   string
	TLSVersion uint16
	OpenedAt   time.Time
}

// Conn is one pooled socket slot. All methods must be called from the
// goroutine that polls the pool.
type Conn struct {
	pool   *Pool
	handle Handle
	ep     Endpoint
	state  State
	owner  any

	proxy          *ProxyConfig
	tunnelStep     int
	tunnelStatusOK bool

	// reused is the one-shot stale-socket flag: set when an open socket is
	// handed to a new task, cleared once the socket produces data.
	reused     bool
	wasReused  bool
	retried    bool
	fresh      bool
	requests   int
	sock       *socket
	connected  bool
	upgrading  bool
	openErr    error
	lastErr    error
	targetIP   string
	remoteAddr string
	tlsVersion uint16
	openedAt   time.Time
	spans      timing.ConnSpans

	out           []byte
	outPos        int
	writeInFlight bool
	tunnelWrite   bool
	writeErr      error

	in              []byte
	readInFlight    bool
	readInterrupted bool
	readable        bool
	eof             bool
	readErr         error
}

// Handle returns the pool slot of the conn.
func (c *Conn) Handle() Handle { return c.handle }

// Endpoint returns the key the conn is pooled under.
func (c *Conn) Endpoint() Endpoint { return c.ep }

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.state }

// Owner returns the task holding the conn, nil when idle.
func (c *Conn) Owner() any { return c.owner }

// Reused reports whether the socket was kept from a previous task when it
// was acquired.
func (c *Conn) Reused() bool { return c.wasReused }

// TunnelStep returns the proxy handshake step, 0 when done or not needed.
func (c *Conn) TunnelStep() int { return c.tunnelStep }

// Spans returns the timings measured when the socket was opened.
func (c *Conn) Spans() timing.ConnSpans { return c.spans }

// Err returns the last failure recorded on this conn.
func (c *Conn) Err() error { return c.lastErr }

// Metadata describes the conn for logs and responses.
func (c *Conn) Metadata() Metadata {
	return Metadata{
		Handle:     c.handle,
		Endpoint:   c.ep.String(),
		Proxy:      c.proxy.String(),
		Reused:     c.wasReused,
		Retried:    c.retried,
		Requests:   c.requests,
		RemoteAddr: c.remoteAddr,
		TargetIP:   c.targetIP,
		TLSVersion: c.tlsVersion,
		OpenedAt:   c.openedAt,
	}
}

func (c *Conn) logFields() logrus.Fields {
	return logrus.Fields{"conn": int(c.handle), "endpoint": c.ep.String()}
}

// InTunnel reports whether the proxy handshake or TLS upgrade is still in
// progress.
func (c *Conn) InTunnel() bool {
	return c.sock != nil && (c.tunnelStep > 0 || c.upgrading)
}

// Queue appends data to the pending output.
func (c *Conn) Queue(data []byte) {
	c.out = append(c.out, data...)
}

// HasDataToWrite reports a pending tunnel write step or unsent output. A
// failure waiting to be reported also counts so that the owner is called.
// Output queued behind a TLS upgrade counts too; Poll reports the handle
// once the handshake is done.
func (c *Conn) HasDataToWrite() bool {
	if c.sock == nil {
		return false
	}
	if c.openErr != nil || c.writeErr != nil {
		return true
	}
	if c.tunnelStep > 0 {
		return c.tunnelStep%2 == 1
	}
	return c.outPos < len(c.out)
}

// Flushed reports whether every queued byte reached the socket.
func (c *Conn) Flushed() bool {
	return c.sock != nil && c.connected && c.tunnelStep == 0 && !c.upgrading &&
		!c.writeInFlight && c.outPos >= len(c.out)
}

func (c *Conn) writable() bool {
	if c.sock == nil {
		return false
	}
	if c.openErr != nil || c.writeErr != nil {
		return true
	}
	if !c.connected || c.upgrading || c.writeInFlight {
		return false
	}
	if c.tunnelStep > 0 {
		return c.tunnelStep%2 == 1
	}
	return c.outPos < len(c.out)
}

// Write hands the next chunk to the socket: the current tunnel write step,
// or the unsent output. It never blocks. A nil error with nothing written
// means the socket is not ready yet or a stale socket was reopened.
func (c *Conn) Write() error {
	if c.sock == nil {
		return c.closedErr()
	}
	if c.openErr != nil {
		return c.openErr
	}
	if c.writeErr != nil {
		err := c.writeErr
		c.writeErr = nil
		return c.ioFailure(err)
	}
	if !c.connected || c.upgrading || c.writeInFlight {
		return nil
	}

	if c.tunnelStep > 0 {
		if c.tunnelStep%2 == 0 {
			return nil
		}
		payload, next, err := c.tunnelPayload()
		if err != nil {
			return c.tunnelFail(err)
		}
		c.pool.log.WithFields(c.logFields()).WithField("step", c.tunnelStep).Debug("proxy write")
		c.tunnelStep = next
		c.tunnelWrite = true
		c.writeInFlight = true
		c.sock.writes <- payload
		return nil
	}

	if c.outPos >= len(c.out) {
		return nil
	}
	chunk := append([]byte(nil), c.out[c.outPos:]...)
	c.tunnelWrite = false
	c.writeInFlight = true
	c.sock.writes <- chunk
	return nil
}

// nextLine pops one LF-terminated line from the input, CR stripped. At EOF
// an unterminated remainder is returned as the last line.
func (c *Conn) nextLine() (string, bool, error) {
	if i := bytes.IndexByte(c.in, '\n'); i >= 0 {
		if i > constants.MaxLineLength {
			return "", false, errors.NewProtocolError("line too long", nil)
		}
		line := string(bytes.TrimSuffix(c.in[:i], []byte{'\r'}))
		c.in = c.in[i+1:]
		return line, true, nil
	}
	if len(c.in) > constants.MaxLineLength {
		return "", false, errors.NewProtocolError("line too long", nil)
	}
	if c.eof && len(c.in) > 0 {
		line := string(bytes.TrimSuffix(c.in, []byte{'\r'}))
		c.in = c.in[:0]
		return line, true, nil
	}
	return "", false, nil
}

// ReadLine returns the next buffered line without its line ending. ok is
// false when no complete line is available yet. An error means the socket
// failed; a stale reused socket is reopened instead and reported as not
// ready.
func (c *Conn) ReadLine() (line string, ok bool, err error) {
	if c.sock == nil {
		return "", false, c.closedErr()
	}
	if c.openErr != nil {
		return "", false, c.openErr
	}
	line, ok, err = c.nextLine()
	if err != nil {
		c.fail(err)
		return "", false, err
	}
	if ok {
		return line, true, nil
	}
	if c.eof || c.readErr != nil {
		return "", false, c.ioFailure(c.inputError())
	}
	return "", false, nil
}

// Read returns up to max buffered bytes. (nil, nil) means no data yet.
func (c *Conn) Read(max int) ([]byte, error) {
	if c.sock == nil {
		return nil, c.closedErr()
	}
	if c.openErr != nil {
		return nil, c.openErr
	}
	if len(c.in) > 0 {
		if max <= 0 || max > len(c.in) {
			max = len(c.in)
		}
		out := append([]byte(nil), c.in[:max]...)
		c.in = c.in[max:]
		return out, nil
	}
	if c.eof || c.readErr != nil {
		return nil, c.ioFailure(c.inputError())
	}
	return nil, nil
}

// Buffered returns the number of unread input bytes.
func (c *Conn) Buffered() int { return len(c.in) }

// AtEOF reports whether the peer closed its side and all input was read.
func (c *Conn) AtEOF() bool { return c.eof && len(c.in) == 0 }

func (c *Conn) inputError() error {
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}

func (c *Conn) closedErr() error {
	if c.lastErr != nil {
		return c.lastErr
	}
	return errors.NewBrokenError(c.ep.Host, c.ep.Port, net.ErrClosed)
}

// ioFailure handles an I/O failure with no data to deliver. A socket handed
// over from a previous task gets one transparent reopen; otherwise the
// failure is recorded and returned.
func (c *Conn) ioFailure(cause error) error {
	if c.reused && !c.retried {
		c.pool.log.WithFields(c.logFields()).WithError(cause).Debug("reopen stale conn")
		c.reopen()
		return nil
	}
	var err error
	if c.fresh {
		err = errors.NewConnectionError(c.ep.Host, c.ep.Port, cause)
	} else {
		err = errors.NewBrokenError(c.ep.Host, c.ep.Port, cause)
	}
	c.fail(err)
	return err
}

// fail records err and shuts the socket. The conn keeps its owner until
// released.
func (c *Conn) fail(err error) {
	c.lastErr = err
	c.pool.lastErr = err
	if c.openErr == nil {
		c.openErr = err
	}
	c.closeSocket()
}

func (c *Conn) closeSocket() {
	if c.sock != nil {
		c.sock.close()
		c.sock = nil
		c.pool.stats.closed++
	}
	c.connected = false
	c.upgrading = false
	c.readInFlight = false
	c.readInterrupted = false
	c.writeInFlight = false
	c.readable = false
	c.state = StateClosed
}

// open starts a new socket for the slot. The dial runs in the background.
func (c *Conn) open() {
	c.closeSocket()
	c.proxy = nil
	if c.ep.Proxied {
		c.proxy = c.pool.proxy
	}
	c.tunnelStep = tunnelDone
	c.tunnelStatusOK = false
	c.state = StateBusy
	if c.proxy != nil {
		c.tunnelStep = 1
		c.state = StateTunnel
	}
	c.fresh = true
	c.reused = false
	c.openErr = nil
	c.targetIP = ""
	c.remoteAddr = ""
	c.tlsVersion = 0
	c.spans = timing.ConnSpans{}
	c.openedAt = c.pool.now()
	c.in = c.in[:0]
	c.eof = false
	c.readErr = nil
	c.writeErr = nil
	c.outPos = 0
	c.sock = c.pool.startSocket(c, c.proxy)
	c.pool.stats.opened++
}

// reopen replaces a stale socket, keeping the queued output so the whole
// request is sent again.
func (c *Conn) reopen() {
	c.open()
	c.retried = true
	c.pool.stats.reopened++
}

// armRead issues a background read when the conn can take more input.
func (c *Conn) armRead() {
	if c.sock == nil || !c.connected || c.upgrading || c.readInFlight || c.readable ||
		c.eof || c.readErr != nil || c.openErr != nil || len(c.in) >= constants.MaxInboundBuffer {
		return
	}
	c.readInFlight = true
	c.sock.reads <- readOp{kind: opRead, size: constants.ReadChunkSize}
}

// apply folds one socket event into the conn state.
func (c *Conn) apply(ev event) {
	switch ev.kind {
	case evConnected:
		if ev.err != nil {
			c.pool.log.WithFields(c.logFields()).WithError(ev.err).Debug("open failed")
			c.openErr = ev.err
			c.lastErr = ev.err
			c.pool.lastErr = ev.err
			c.readable = true
			return
		}
		c.connected = true
		c.targetIP = ev.dial.targetIP
		c.remoteAddr = ev.dial.remoteAddr
		c.tlsVersion = ev.dial.tlsVersion
		c.spans = ev.dial.spans
		if c.tunnelStep > 0 {
			c.spans.Tunnel.Start = c.pool.now()
		}
		c.pool.log.WithFields(c.logFields()).WithField("remote", c.remoteAddr).Debug("open success")

	case evRead:
		c.readInFlight = false
		err := ev.err
		if c.readInterrupted {
			c.readInterrupted = false
			if err != nil && stderrors.Is(err, os.ErrDeadlineExceeded) {
				err = nil
			}
		}
		if len(ev.data) > 0 {
			c.in = append(c.in, ev.data...)
			c.fresh = false
			c.reused = false
			c.readable = true
		}
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				c.eof = true
			} else {
				c.readErr = err
			}
			c.readable = true
		}

	case evWritten:
		c.writeInFlight = false
		if ev.err != nil {
			c.writeErr = ev.err
			return
		}
		if !c.tunnelWrite {
			c.outPos += ev.n
			if ev.n > 0 {
				c.fresh = false
			}
		}
		c.tunnelWrite = false

	case evHandshake:
		c.upgrading = false
		if ev.err != nil {
			c.openErr = ev.err
			c.lastErr = ev.err
			c.pool.lastErr = ev.err
			c.readable = true
			return
		}
		c.spans.TLS = ev.tlsSpan
		c.tlsVersion = ev.tlsConn.ConnectionState().Version
		c.state = StateBusy
	}
}
