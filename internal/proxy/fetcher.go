// Package proxy forwards gateway requests to remote origins.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

// forwardedHeaders is the subset of inbound headers copied to the origin.
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"Cookie",
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"Origin",
	"Range",
	"Referer",
	"User-Agent",
}

// hopHeaders are connection-scoped and never copied back.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Result is a received origin response. Body must be closed by the caller.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Fetcher issues outbound requests on behalf of the gateway.
type Fetcher struct {
	client *http.Client
	config Config
	self   map[string]struct{}
}

// NewFetcher creates a Fetcher. A nil config uses DefaultConfig.
func NewFetcher(config *Config) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.DialTimeout,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		// bodies are piped through untouched, including their encoding
		DisableCompression: true,
	}
	if config.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(config.ProxyURL)
	}

	f := &Fetcher{
		config: *config,
		self:   make(map[string]struct{}),
	}
	for _, h := range config.SelfHosts {
		f.AddSelfHost(h)
	}

	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("%w (max: %d)", ErrTooManyRedirects, config.MaxRedirects)
			}
			return f.checkTarget(req.URL)
		},
	}

	logger.Debugf("Proxy fetcher created: scheme=%s, maxConnsPerHost=%d", config.Scheme, config.MaxConnsPerHost)
	return f
}

// AddSelfHost registers a host[:port] the gateway is reachable on.
func (f *Fetcher) AddSelfHost(host string) {
	if host == "" {
		return
	}
	f.self[strings.ToLower(host)] = struct{}{}
}

// Proxy forwards inbound to target and returns the origin response as received.
// Loops and non-http targets are refused before any outbound request is made.
func (f *Fetcher) Proxy(ctx context.Context, target string, inbound *http.Request) (*Result, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, gwerrors.Forbidden("proxy", fmt.Errorf("%w: %q", ErrInvalidTarget, target))
	}
	if err := f.checkTarget(u); err != nil {
		logger.Warnf("Refusing proxy target %s: %v", target, err)
		return nil, err
	}
	if u.Host == "" {
		return nil, gwerrors.Forbidden("proxy", fmt.Errorf("%w: %q has no host", ErrInvalidTarget, target))
	}

	method := http.MethodGet
	var body io.Reader = http.NoBody
	if inbound != nil {
		method = inbound.Method
		if inbound.Body != nil && method != http.MethodGet && method != http.MethodHead {
			body = inbound.Body
		}
	}
	forwardBody := body != http.NoBody

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, gwerrors.Forbidden("proxy", fmt.Errorf("%w: %v", ErrInvalidTarget, err))
	}
	if inbound != nil {
		copyRequestHeaders(req.Header, inbound.Header)
		if forwardBody {
			req.ContentLength = inbound.ContentLength
		}
	}
	if req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", u.String())
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent())
	}

	logger.Debugf("Proxying %s %s", method, u.Redacted())
	resp, err := f.client.Do(req)
	if err != nil {
		logger.Errorf("Proxy request to %s failed: %v", u.Redacted(), err)
		if gwerrors.KindOf(err) == gwerrors.KindForbidden {
			return nil, err
		}
		return nil, gwerrors.Upstream("proxy", err)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	logger.Debugf("Proxy response from %s: status=%d, length=%d", u.Redacted(), resp.StatusCode, resp.ContentLength)
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}, nil
}

// checkTarget refuses targets that would re-enter the gateway.
func (f *Fetcher) checkTarget(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if f.config.Scheme != "" && scheme == strings.ToLower(f.config.Scheme) {
		return gwerrors.Forbidden("proxy", ErrProxyLoop)
	}
	if scheme != "http" && scheme != "https" {
		return gwerrors.Forbidden("proxy", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}
	if _, ok := f.self[strings.ToLower(u.Host)]; ok {
		return gwerrors.Forbidden("proxy", ErrProxyLoop)
	}
	return nil
}

func (f *Fetcher) userAgent() string {
	if f.config.UserAgent != "" {
		return f.config.UserAgent
	}
	return DefaultUserAgent
}

func copyRequestHeaders(dst, src http.Header) {
	for _, name := range forwardedHeaders {
		if values := src.Values(name); len(values) > 0 {
			dst[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
}
