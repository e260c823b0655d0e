// Package httputil builds the pooled HTTP transports the outbound adapters
// share. Per-attempt deadlines stay with the callers; only connection
// pooling and handshake limits live here.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// TransportConfig holds connection pool settings.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration

	KeepAliveInterval time.Duration
}

// DefaultTransportConfig returns general-purpose defaults.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// EndpointTransportConfig tunes the pool for completion calls: moderate
// concurrency, long header timeout because the model streams nothing back
// until the completion finishes.
func EndpointTransportConfig() *TransportConfig {
	return &TransportConfig{
		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     120 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewTransport creates a pooled transport from the config.
func NewTransport(cfg *TransportConfig) *http.Transport {
	if cfg == nil {
		cfg = DefaultTransportConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}
}

var endpointTransport = NewTransport(EndpointTransportConfig())

// EndpointTransport returns the shared transport for completion calls. All
// endpoint clients reuse one pool so connection reuse survives reconnects.
func EndpointTransport() *http.Transport {
	return endpointTransport
}
