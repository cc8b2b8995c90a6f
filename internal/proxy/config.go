package proxy

import (
	"net/url"
	"time"
)

const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) MediaGate/1.0 Safari/537.36"

// Config configures the outbound side of the proxy.
type Config struct {
	// Scheme is the gateway's own URL scheme; targets using it are refused.
	Scheme string
	// SelfHosts lists host[:port] values the gateway listens on.
	SelfHosts []string
	// UserAgent is sent when the caller did not provide one.
	UserAgent string

	ProxyURL            *url.URL
	MaxIdleConns        int
	MaxConnsPerHost     int
	MaxRedirects        int
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	IdleConnTimeout     time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheme:              "mediagate",
		UserAgent:           DefaultUserAgent,
		MaxIdleConns:        100,
		MaxConnsPerHost:     16,
		MaxRedirects:        10,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}
}
