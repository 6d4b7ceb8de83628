// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultMaxRedirects          = 5

	// Image downloads fan out over a handful of hosts at most.
	DefaultMaxIdleConns        = 16
	DefaultMaxIdleConnsPerHost = 4
	DefaultIdleConnTimeout     = 30 * time.Second
)

// ClientConfig holds the settings for the image download client.
type ClientConfig struct {
	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// MaxRedirects caps followed redirects. Zero disables following.
	MaxRedirects int
	ForceHTTP2   bool

	// ProxyURL routes downloads through a proxy. Empty uses the environment.
	ProxyURL string
	// UserAgent is sent with every request when set.
	UserAgent string

	Logger *zap.Logger
}

// NewDefaultClientConfig returns the settings used when staging has no
// overrides.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:        DefaultRequestTimeout,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxRedirects:          DefaultMaxRedirects,
		ForceHTTP2:            true,
		Logger:                zap.NewNop(),
	}
}

// NewHTTPTransport builds the transport for config.
func NewHTTPTransport(config *ClientConfig) (*http.Transport, error) {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: DefaultKeepAliveInterval}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     config.ForceHTTP2,
		Proxy:                 http.ProxyFromEnvironment,
	}

	if p := strings.TrimSpace(config.ProxyURL); p != "" {
		u, err := url.Parse(p)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", p)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	if config.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else {
		transport.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return transport, nil
}

// NewClient returns an http.Client over NewHTTPTransport. The caller closes
// response bodies.
func NewClient(config *ClientConfig) (*http.Client, error) {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	transport, err := NewHTTPTransport(config)
	if err != nil {
		return nil, err
	}

	var rt http.RoundTripper = transport
	if config.UserAgent != "" {
		rt = userAgentTransport{agent: config.UserAgent, next: transport}
	}

	maxRedirects := config.MaxRedirects
	return &http.Client{
		Transport: rt,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}, nil
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.next.RoundTrip(req)
}
