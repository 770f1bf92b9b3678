package transport

import (
	"net"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
)

// Handle is the stable arena index of a Conn. Handles are never reused for
// another endpoint while the pool lives.
type Handle int

// Endpoint identifies a pooled connection target.
type Endpoint struct {
	// Scheme is "http" or "https".
	Scheme string
	// Host is the target host name, already IDNA-normalized. It is used for
	// SNI and in the CONNECT request.
	Host string
	Port int
	// Addr overrides DNS resolution of Host when set (X-Server-Ip).
	Addr string
	// Proxied asks for the pool's proxy. Ignored when no proxy is configured.
	Proxied bool
}

// TLS reports whether the endpoint needs a TLS handshake.
func (e Endpoint) TLS() bool {
	return strings.EqualFold(e.Scheme, "https")
}

// HostPort returns "host:port" using Host.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String renders the endpoint as "tcp://host:port" or "ssl://host:port".
func (e Endpoint) String() string {
	prefix := "tcp://"
	if e.TLS() {
		prefix = "ssl://"
	}
	host := e.Host
	if e.Addr != "" {
		host = e.Host + "@" + e.Addr
	}
	s := prefix + net.JoinHostPort(host, strconv.Itoa(e.Port))
	if e.Proxied {
		s += "+proxy"
	}
	return s
}

func (e Endpoint) validate() error {
	if e.Host == "" {
		return errors.NewValidationError("host cannot be empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535")
	}
	if !strings.EqualFold(e.Scheme, "http") && !e.TLS() {
		return errors.NewValidationError("scheme must be http or https")
	}
	return nil
}
