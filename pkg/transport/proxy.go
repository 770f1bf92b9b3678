package transport

import (
	"net"
	"strconv"
)

// ProxyType selects the tunnel protocol.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "http"
	ProxySOCKS4 ProxyType = "socks4"
	ProxySOCKS5 ProxyType = "socks5"
)

// ProxyConfig is the upstream proxy applied to every proxied socket the
// pool opens.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// HasAuth reports whether credentials are configured.
func (p *ProxyConfig) HasAuth() bool {
	return p.Username != "" || p.Password != ""
}

// Addr returns "host:port" of the proxy.
func (p *ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String renders the proxy URL without the password.
func (p *ProxyConfig) String() string {
	if p == nil {
		return "none"
	}
	user := ""
	if p.Username != "" {
		user = p.Username + "@"
	}
	return string(p.Type) + "://" + user + p.Addr()
}

// needsIPv4 reports whether the tunnel request carries the target as an
// IPv4 address.
func (p *ProxyConfig) needsIPv4() bool {
	return p.Type == ProxySOCKS4 || p.Type == ProxySOCKS5
}
