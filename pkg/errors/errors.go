// Package errors provides structured error types for the parallelhttp library.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeDNS represents DNS resolution errors
	ErrorTypeDNS ErrorType = "dns"
	// ErrorTypeConnection represents sockets that could not be opened
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTunnel represents proxy handshake failures
	ErrorTypeTunnel ErrorType = "tunnel"
	// ErrorTypeTLS represents TLS handshake errors
	ErrorTypeTLS ErrorType = "tls"
	// ErrorTypeBroken represents I/O failures in the middle of a transfer
	ErrorTypeBroken ErrorType = "broken"
	// ErrorTypeTimeout represents tasks forced to finish by the engine deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeReadiness represents failures of the readiness poll itself.
	// It aborts a whole batch.
	ErrorTypeReadiness ErrorType = "readiness"
	// ErrorTypeProtocol represents malformed HTTP responses
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeIO represents local I/O errors, such as body spill files
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeValidation represents invalid requests or configuration
	ErrorTypeValidation ErrorType = "validation"
)

// Messages surfaced on a response error slot.
const (
	MsgBroken        = "Broken"
	MsgTimeout       = "Timeout"
	MsgUnableConnect = "Unable to connect"
	MsgResetByPeer   = "Reset by peer"
	MsgProxyResponse = "Proxy response error"
)

// Error represents a structured error with context information.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

// NewDNSError creates a DNS resolution error.
func NewDNSError(host string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeDNS,
		Message:   fmt.Sprintf("DNS lookup failed for host %s", host),
		Cause:     cause,
		Host:      host,
		Timestamp: time.Now(),
	}
}

// NewConnectionError creates an error for a socket that could not be opened
// or that never produced a byte.
func NewConnectionError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeConnection,
		Message:   MsgUnableConnect,
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewTunnelError creates a proxy handshake error. step is the tunnel state
// that failed.
func NewTunnelError(proxy string, step int, cause error) *Error {
	msg := MsgProxyResponse
	if step > 0 {
		msg = fmt.Sprintf("%s (%s, step %d)", MsgProxyResponse, proxy, step)
	}
	return &Error{
		Type:      ErrorTypeTunnel,
		Message:   msg,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewTLSError creates a TLS handshake error.
func NewTLSError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeTLS,
		Message:   fmt.Sprintf("TLS handshake failed for %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewBrokenError creates an error for a transfer interrupted by the peer.
func NewBrokenError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeBroken,
		Message:   MsgResetByPeer,
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(cause error) *Error {
	return &Error{
		Type:      ErrorTypeTimeout,
		Message:   MsgTimeout,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewReadinessError creates an error for a failed readiness poll.
func NewReadinessError(cause error) *Error {
	return &Error{
		Type:      ErrorTypeReadiness,
		Message:   "readiness poll failed",
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewIOError creates an I/O error.
func NewIOError(operation string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeIO,
		Message:   fmt.Sprintf("I/O error during %s", operation),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{
		Type:      ErrorTypeValidation,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsType reports whether err is a structured error of the given type.
func IsType(err error, t ErrorType) bool {
	return GetErrorType(err) == t
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsContextTimeout checks if an error is due to context deadline exceeded.
func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
