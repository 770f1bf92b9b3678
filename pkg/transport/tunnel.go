package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
)

// Tunnel steps. Odd steps write, even steps read; 0 means the tunnel is
// established or not needed.
//
//	HTTP:   1 CONNECT request, 2 status line and headers
//	SOCKS4: 1 connect request, 2 8-byte reply
//	SOCKS5: 1 greeting, 2 method selection, 3 user/pass, 4 auth reply,
//	        5 connect request, 6 10-byte reply
const tunnelDone = 0

var (
	socks4Granted = []byte{0x00, 0x5A}
	socks5NoAuth  = []byte{0x05, 0x00}
	socks5UserPwd = []byte{0x05, 0x02}
	socks5AuthOK  = []byte{0x01, 0x00}
	socks5Success = []byte{0x05, 0x00, 0x00, 0x01}
)

// tunnelPayload returns the bytes for the current write step and the step
// that follows once they are queued.
func (c *Conn) tunnelPayload() ([]byte, int, error) {
	p := c.proxy
	switch p.Type {
	case ProxyHTTP:
		if c.tunnelStep != 1 {
			break
		}
		var b strings.Builder
		hp := c.ep.HostPort()
		b.WriteString("CONNECT " + hp + " HTTP/1.1\r\n")
		b.WriteString("Host: " + hp + "\r\n")
		b.WriteString("Proxy-Connection: Keep-Alive\r\n")
		if p.HasAuth() {
			cred := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
			b.WriteString("Proxy-Authorization: Basic " + cred + "\r\n")
		}
		b.WriteString("\r\n")
		return []byte(b.String()), 2, nil

	case ProxySOCKS4:
		if c.tunnelStep != 1 {
			break
		}
		ip, port, err := c.targetAddr()
		if err != nil {
			return nil, 0, err
		}
		buf := []byte{0x04, 0x01}
		buf = binary.BigEndian.AppendUint16(buf, port)
		buf = append(buf, ip...)
		buf = append(buf, p.Username...)
		buf = append(buf, 0x00)
		return buf, 2, nil

	case ProxySOCKS5:
		switch c.tunnelStep {
		case 1:
			if p.HasAuth() {
				return []byte{0x05, 0x01, 0x02}, 2, nil
			}
			return []byte{0x05, 0x01, 0x00}, 2, nil
		case 3:
			if !p.HasAuth() {
				return nil, 0, fmt.Errorf("proxy requires authentication")
			}
			if len(p.Username) > 255 || len(p.Password) > 255 {
				return nil, 0, fmt.Errorf("proxy credentials too long")
			}
			buf := []byte{0x01, byte(len(p.Username))}
			buf = append(buf, p.Username...)
			buf = append(buf, byte(len(p.Password)))
			buf = append(buf, p.Password...)
			return buf, 4, nil
		case 5:
			ip, port, err := c.targetAddr()
			if err != nil {
				return nil, 0, err
			}
			buf := []byte{0x05, 0x01, 0x00, 0x01}
			buf = append(buf, ip...)
			buf = binary.BigEndian.AppendUint16(buf, port)
			return buf, 6, nil
		}
	}
	return nil, 0, fmt.Errorf("no write at tunnel step %d", c.tunnelStep)
}

func (c *Conn) targetAddr() (net.IP, uint16, error) {
	ip := net.ParseIP(c.targetIP).To4()
	if ip == nil {
		return nil, 0, fmt.Errorf("target %s has no IPv4 address", c.ep.Host)
	}
	return ip, uint16(c.ep.Port), nil
}

// TunnelRead consumes the proxy reply for the current read step. It returns
// nil when more input is needed or the step advanced.
func (c *Conn) TunnelRead() error {
	if c.openErr != nil {
		return c.openErr
	}
	for c.tunnelStep > 0 && c.tunnelStep%2 == 0 {
		advanced, err := c.tunnelReadStep()
		if err != nil {
			return c.tunnelFail(err)
		}
		if !advanced {
			if c.eof || c.readErr != nil {
				return c.tunnelFail(c.inputError())
			}
			return nil
		}
	}
	if c.tunnelStep == tunnelDone {
		c.finishTunnel()
	}
	return nil
}

// tunnelReadStep reports whether the step advanced.
func (c *Conn) tunnelReadStep() (bool, error) {
	switch c.proxy.Type {
	case ProxyHTTP:
		for {
			line, ok, err := c.nextLine()
			if err != nil || !ok {
				return false, err
			}
			if !c.tunnelStatusOK {
				fields := strings.Fields(line)
				if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") || fields[1] != "200" {
					return false, fmt.Errorf("unexpected CONNECT response %q", line)
				}
				c.tunnelStatusOK = true
				continue
			}
			if line == "" {
				c.tunnelStep = tunnelDone
				return true, nil
			}
		}

	case ProxySOCKS4:
		reply, ok := c.take(8)
		if !ok {
			return false, nil
		}
		if !bytes.Equal(reply[:2], socks4Granted) {
			return false, fmt.Errorf("socks4 request rejected (% x)", reply[:2])
		}
		c.tunnelStep = tunnelDone
		return true, nil

	case ProxySOCKS5:
		switch c.tunnelStep {
		case 2:
			reply, ok := c.take(2)
			if !ok {
				return false, nil
			}
			switch {
			case bytes.Equal(reply, socks5NoAuth):
				c.tunnelStep = 5
			case bytes.Equal(reply, socks5UserPwd) && c.proxy.HasAuth():
				c.tunnelStep = 3
			default:
				return false, fmt.Errorf("socks5 method selection failed (% x)", reply)
			}
			return true, nil
		case 4:
			reply, ok := c.take(2)
			if !ok {
				return false, nil
			}
			if !bytes.Equal(reply, socks5AuthOK) {
				return false, fmt.Errorf("socks5 authentication failed (% x)", reply)
			}
			c.tunnelStep = 5
			return true, nil
		case 6:
			reply, ok := c.take(10)
			if !ok {
				return false, nil
			}
			if !bytes.Equal(reply[:4], socks5Success) {
				return false, fmt.Errorf("socks5 connect failed (% x)", reply[:4])
			}
			c.tunnelStep = tunnelDone
			return true, nil
		}
	}
	return false, fmt.Errorf("no read at tunnel step %d", c.tunnelStep)
}

// take consumes exactly n buffered bytes, or nothing.
func (c *Conn) take(n int) ([]byte, bool) {
	if len(c.in) < n {
		return nil, false
	}
	out := append([]byte(nil), c.in[:n]...)
	c.in = c.in[n:]
	return out, true
}

func (c *Conn) tunnelFail(cause error) error {
	err := errors.NewTunnelError(string(c.proxy.Type), c.tunnelStep, cause)
	c.pool.log.WithFields(c.logFields()).WithError(cause).Debug("proxy tunnel failed")
	c.fail(err)
	return err
}

// finishTunnel moves to TLS or to the busy state.
func (c *Conn) finishTunnel() {
	c.spans.Tunnel.End = c.pool.now()
	if c.ep.TLS() {
		c.startUpgrade()
		return
	}
	c.state = StateBusy
}

func (c *Conn) startUpgrade() {
	c.upgrading = true
	if c.readInFlight {
		c.readInterrupted = true
		c.sock.interrupt()
	}
	c.sock.reads <- readOp{kind: opHandshake}
}
