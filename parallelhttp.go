// Package parallelhttp is a parallel HTTP/1.1 client. Many requests run in
// one event loop over a shared keep-alive connection pool with per-endpoint
// burst limits, proxy tunnels, cookies and redirects.
package parallelhttp

import (
	"github.com/WhileEndless/go-parallelhttp/pkg/buffer"
	"github.com/WhileEndless/go-parallelhttp/pkg/client"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/timing"
	"github.com/WhileEndless/go-parallelhttp/pkg/transport"
)

// Version is the current version of the library.
const Version = client.Version

// GetVersion returns the current version of the library.
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Options controls how a Client opens connections and reads responses.
	Options = client.Options

	// Client runs requests over a shared connection pool.
	Client = client.Client

	// Request is one HTTP request.
	Request = client.Request

	// Response is the result of one request.
	Response = client.Response

	// ParseFunc is called for every finished request.
	ParseFunc = client.ParseFunc

	// ProxyConfig describes an upstream proxy.
	ProxyConfig = transport.ProxyConfig

	// PoolStats is a snapshot of the connection pool.
	PoolStats = transport.PoolStats

	// Buffer provides memory-efficient storage with disk spilling.
	Buffer = buffer.Buffer

	// Metrics captures detailed timing information for a request.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error
)

// Re-export error types for convenience
const (
	ErrorTypeDNS        = errors.ErrorTypeDNS
	ErrorTypeConnection = errors.ErrorTypeConnection
	ErrorTypeTunnel     = errors.ErrorTypeTunnel
	ErrorTypeTLS        = errors.ErrorTypeTLS
	ErrorTypeBroken     = errors.ErrorTypeBroken
	ErrorTypeTimeout    = errors.ErrorTypeTimeout
	ErrorTypeReadiness  = errors.ErrorTypeReadiness
	ErrorTypeProtocol   = errors.ErrorTypeProtocol
	ErrorTypeIO         = errors.ErrorTypeIO
	ErrorTypeValidation = errors.ErrorTypeValidation
)

// NewClient returns a Client. Zero option fields take their defaults.
func NewClient(opts Options) *Client {
	return client.New(opts)
}

// NewRequest creates a request. An empty method means GET.
func NewRequest(url, method string) *Request {
	return client.NewRequest(url, method)
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return client.DefaultOptions()
}

// ParseProxyURL parses "scheme://[user[:pass]@]host[:port]".
func ParseProxyURL(proxyURL string) (*ProxyConfig, error) {
	return client.ParseProxyURL(proxyURL)
}

// NewBuffer creates a new buffer with the specified memory limit.
func NewBuffer(limit int64) *Buffer {
	return buffer.New(limit)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.IsContextCanceled(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}
