// Package constants defines magic numbers and default values used throughout go-parallelhttp
package constants

import "time"

// Pool and engine defaults
const (
	DefaultMaxBurst           = 3 // simultaneous sockets per endpoint
	DefaultMaxRedirect        = 5
	DefaultMaxDialConcurrency = 64
	DefaultConnTimeout        = 10 * time.Second
	DefaultDNSTimeout         = 5 * time.Second
	DefaultDNSCacheTTL        = 5 * time.Minute
)

// Socket I/O
const (
	ReadChunkSize    = 8192
	MaxLineLength    = 16 * 1024 // longest accepted header, status or chunk-size line
	MaxInboundBuffer = 256 * 1024 // stop arming reads above this many unconsumed bytes
	EventQueueSize   = 256
)

// HTTP limits
const (
	MaxHeaderBytes   = 64 * 1024
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
	CRLF             = "\r\n"
)

// Proxy defaults
const (
	DefaultHTTPProxyPort  = 8080
	DefaultSocksProxyPort = 1080
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB
)

// Response sentinel used before a status line is parsed.
const (
	UnsetStatus     = 400
	UnsetStatusText = "Bad Request"
)
