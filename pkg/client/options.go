package client

import (
	"crypto/tls"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
)

// Options controls how a Client opens connections and reads responses.
type Options struct {
	// Timeout is the idle deadline of the event loop. When no socket shows
	// any activity for this long, every task still in flight is finished
	// with a timeout error. 0 waits indefinitely.
	Timeout time.Duration

	// MaxBurst caps simultaneous sockets per endpoint.
	MaxBurst int

	ConnTimeout        time.Duration
	DNSTimeout         time.Duration
	DNSCacheTTL        time.Duration // negative disables the cache
	MaxDialConcurrency int64
	Resolver           *net.Resolver

	InsecureTLS bool
	TLSProfile  string // "modern", "secure" or "compatible"

	// TLSConfig allows direct passthrough of crypto/tls.Config. When set,
	// InsecureTLS and TLSProfile are ignored.
	TLSConfig *tls.Config `json:"-"`

	// BodyMemLimit is the body size kept in memory before spilling to a
	// temporary file.
	BodyMemLimit int64

	// ProxyURL is applied with SetProxy at construction.
	ProxyURL string

	// CookieFile is loaded at construction and saved by Close.
	CookieFile string

	// UserAgent replaces the default User-Agent header.
	UserAgent string

	Logger *logrus.Entry `json:"-"`
}

// DefaultOptions returns the options used by New.
func DefaultOptions() Options {
	return Options{
		MaxBurst:           constants.DefaultMaxBurst,
		ConnTimeout:        constants.DefaultConnTimeout,
		DNSTimeout:         constants.DefaultDNSTimeout,
		DNSCacheTTL:        constants.DefaultDNSCacheTTL,
		MaxDialConcurrency: constants.DefaultMaxDialConcurrency,
		BodyMemLimit:       constants.DefaultBodyMemLimit,
	}
}

func defaultLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}
