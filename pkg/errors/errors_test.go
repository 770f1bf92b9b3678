package errors_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
)

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		name         string
		err          *errors.Error
		expectedType errors.ErrorType
		contains     string
	}{
		{
			name:         "DNS Error",
			err:          errors.NewDNSError("example.com", fmt.Errorf("lookup failed")),
			expectedType: errors.ErrorTypeDNS,
			contains:     "example.com",
		},
		{
			name:         "Connection Error",
			err:          errors.NewConnectionError("example.com", 443, fmt.Errorf("connection refused")),
			expectedType: errors.ErrorTypeConnection,
			contains:     errors.MsgUnableConnect,
		},
		{
			name:         "Tunnel Error",
			err:          errors.NewTunnelError("socks5", 6, nil),
			expectedType: errors.ErrorTypeTunnel,
			contains:     errors.MsgProxyResponse,
		},
		{
			name:         "TLS Error",
			err:          errors.NewTLSError("example.com", 443, fmt.Errorf("handshake failed")),
			expectedType: errors.ErrorTypeTLS,
			contains:     "TLS handshake failed",
		},
		{
			name:         "Broken Error",
			err:          errors.NewBrokenError("example.com", 80, fmt.Errorf("broken pipe")),
			expectedType: errors.ErrorTypeBroken,
			contains:     errors.MsgResetByPeer,
		},
		{
			name:         "Timeout Error",
			err:          errors.NewTimeoutError(nil),
			expectedType: errors.ErrorTypeTimeout,
			contains:     errors.MsgTimeout,
		},
		{
			name:         "Readiness Error",
			err:          errors.NewReadinessError(fmt.Errorf("pool closed")),
			expectedType: errors.ErrorTypeReadiness,
			contains:     "pool closed",
		},
		{
			name:         "Protocol Error",
			err:          errors.NewProtocolError("invalid chunk size", fmt.Errorf("parse error")),
			expectedType: errors.ErrorTypeProtocol,
			contains:     "invalid chunk size",
		},
		{
			name:         "IO Error",
			err:          errors.NewIOError("creating body spill file", fmt.Errorf("no such directory")),
			expectedType: errors.ErrorTypeIO,
			contains:     "I/O error during creating body spill file",
		},
		{
			name:         "Validation Error",
			err:          errors.NewValidationError("host cannot be empty"),
			expectedType: errors.ErrorTypeValidation,
			contains:     "host cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.expectedType {
				t.Errorf("expected type %v, got %v", tt.expectedType, tt.err.Type)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("error %q should contain %q", tt.err.Error(), tt.contains)
			}
			if tt.err.Timestamp.IsZero() {
				t.Error("timestamp should be set")
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := errors.NewBrokenError("example.com", 80, cause)

	if err.Unwrap() != cause {
		t.Errorf("expected unwrapped error to be %v, got %v", cause, err.Unwrap())
	}
}

func TestErrorIs(t *testing.T) {
	err1 := errors.NewTunnelError("http", 2, nil)
	err2 := &errors.Error{Type: errors.ErrorTypeTunnel}

	if !err1.Is(err2) {
		t.Error("errors with same type should match")
	}

	err3 := &errors.Error{Type: errors.ErrorTypeConnection}
	if err1.Is(err3) {
		t.Error("errors with different types should not match")
	}
}

func TestIsTimeoutError(t *testing.T) {
	if !errors.IsTimeoutError(errors.NewTimeoutError(nil)) {
		t.Error("should identify timeout error")
	}
	if !errors.IsTimeoutError(context.DeadlineExceeded) {
		t.Error("should identify context deadline as timeout")
	}
	if errors.IsTimeoutError(errors.NewDNSError("example.com", fmt.Errorf("lookup failed"))) {
		t.Error("should not identify DNS error as timeout")
	}

	wrapped := fmt.Errorf("batch: %w", errors.NewTimeoutError(context.Canceled))
	if !errors.IsTimeoutError(wrapped) {
		t.Error("should see through wrapping")
	}
	if !errors.IsContextCanceled(wrapped) {
		t.Error("cause should stay reachable")
	}
}

func TestGetErrorType(t *testing.T) {
	err := errors.NewValidationError("test")
	if errType := errors.GetErrorType(err); errType != errors.ErrorTypeValidation {
		t.Errorf("expected %v, got %v", errors.ErrorTypeValidation, errType)
	}
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Error("IsType should match")
	}

	if errType := errors.GetErrorType(fmt.Errorf("regular error")); errType != "" {
		t.Errorf("expected empty type for regular error, got %v", errType)
	}
}
