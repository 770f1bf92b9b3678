// Package timing provides performance measurement utilities for requests
// driven by the event loop.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures detailed timing information for a request.
type Metrics struct {
	// QueueWait is the time spent waiting for a free pool slot
	QueueWait time.Duration `json:"queue_wait"`

	// DNSLookup is the time spent performing DNS resolution
	DNSLookup time.Duration `json:"dns_lookup"`

	// TCPConnect is the time spent establishing the TCP connection
	TCPConnect time.Duration `json:"tcp_connect"`

	// ProxyTunnel is the time spent in the proxy handshake (0 without proxy)
	ProxyTunnel time.Duration `json:"proxy_tunnel"`

	// TLSHandshake is the time spent performing TLS handshake (0 for HTTP)
	TLSHandshake time.Duration `json:"tls_handshake"`

	// TTFB is the time between the request being flushed and the first
	// response byte
	TTFB time.Duration `json:"ttfb"`

	// TotalTime is the total end-to-end time, redirects included
	TotalTime time.Duration `json:"total_time"`
}

// Span is a measured interval. Zero values mean "not measured".
type Span struct {
	Start time.Time
	End   time.Time
}

// Duration returns the span length, or 0 when either end is missing.
func (s Span) Duration() time.Duration {
	if s.Start.IsZero() || s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// ConnSpans are the phases measured while a socket is being opened. They
// belong to the connection and are copied onto the task that opened it.
type ConnSpans struct {
	DNS    Span
	TCP    Span
	Tunnel Span
	TLS    Span
}

// Timer helps measure request timings.
type Timer struct {
	start     time.Time
	queue     Span
	conn      ConnSpans
	ttfbStart time.Time
	ttfbEnd   time.Time
}

// NewTimer creates a new timing measurement session.
func NewTimer() *Timer {
	return &Timer{
		start: time.Now(),
	}
}

// StartQueue marks the task entering the connecting state.
func (t *Timer) StartQueue() {
	if t.queue.Start.IsZero() {
		t.queue.Start = time.Now()
	}
}

// EndQueue marks the task obtaining a connection.
func (t *Timer) EndQueue() {
	if t.queue.End.IsZero() {
		t.queue.End = time.Now()
	}
}

// SetConnSpans records the connection phases of a freshly opened socket.
func (t *Timer) SetConnSpans(cs ConnSpans) {
	t.conn = cs
}

// StartTTFB marks when the request has been fully written.
func (t *Timer) StartTTFB() {
	if t.ttfbStart.IsZero() {
		t.ttfbStart = time.Now()
	}
}

// EndTTFB marks when we receive the first response byte.
func (t *Timer) EndTTFB() {
	if !t.ttfbStart.IsZero() && t.ttfbEnd.IsZero() {
		t.ttfbEnd = time.Now()
	}
}

// ResetHop clears per-hop marks before a redirect is followed. The overall
// start time is kept.
func (t *Timer) ResetHop() {
	t.queue = Span{}
	t.conn = ConnSpans{}
	t.ttfbStart = time.Time{}
	t.ttfbEnd = time.Time{}
}

// Elapsed returns the time since the timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// GetMetrics returns the calculated timing metrics.
func (t *Timer) GetMetrics() Metrics {
	m := Metrics{
		QueueWait:    t.queue.Duration(),
		DNSLookup:    t.conn.DNS.Duration(),
		TCPConnect:   t.conn.TCP.Duration(),
		ProxyTunnel:  t.conn.Tunnel.Duration(),
		TLSHandshake: t.conn.TLS.Duration(),
		TotalTime:    time.Since(t.start),
	}
	if !t.ttfbStart.IsZero() && !t.ttfbEnd.IsZero() {
		m.TTFB = t.ttfbEnd.Sub(t.ttfbStart)
	}
	return m
}

// GetConnectionTime returns the total connection establishment time.
func (m Metrics) GetConnectionTime() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.ProxyTunnel + m.TLSHandshake
}

// GetServerTime returns the server processing time.
func (m Metrics) GetServerTime() time.Duration {
	return m.TTFB
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("Queue: %v, DNSLookup: %v, TCPConnect: %v, ProxyTunnel: %v, TLSHandshake: %v, TTFB: %v, TotalTime: %v",
		m.QueueWait, m.DNSLookup, m.TCPConnect, m.ProxyTunnel, m.TLSHandshake, m.TTFB, m.TotalTime)
}
