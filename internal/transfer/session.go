// Package transfer is the host runtime that performs downloads and reports
// byte-level progress to the download coordinator.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/mediagate/internal/common"
	"github.com/NamanBalaji/mediagate/internal/engine"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

const (
	defaultUserAgent        = "MediaGate/1.0"
	defaultMaxConcurrent    = 3
	defaultStallTimeout     = 30 * time.Second
	defaultProgressInterval = 250 * time.Millisecond
	defaultProbeTimeout     = 30 * time.Second

	priorityNew    = 0
	priorityResume = 1
)

var (
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	ErrNoSource          = errors.New("record has no source URL")
	ErrSessionClosed     = errors.New("session is closed")
)

// Listener is told about every transfer the session starts.
type Listener interface {
	Register(ctx context.Context, t engine.Transfer) (string, error)
}

// Config holds the transfer runtime settings. Retry policy is the user's:
// an interrupted transfer is never restarted automatically.
type Config struct {
	UserAgent        string
	MaxConcurrent    int
	StallTimeout     time.Duration
	ProgressInterval time.Duration
	ProbeTimeout     time.Duration
	Client           *http.Client
}

func DefaultConfig() *Config {
	return &Config{
		UserAgent:        defaultUserAgent,
		MaxConcurrent:    defaultMaxConcurrent,
		StallTimeout:     defaultStallTimeout,
		ProgressInterval: defaultProgressInterval,
		ProbeTimeout:     defaultProbeTimeout,
	}
}

// Session starts HTTP transfers, hands them to its listener and runs them
// through a bounded queue.
type Session struct {
	config   *Config
	client   *http.Client
	listener Listener
	queue    *QueueProcessor

	mu        sync.Mutex
	transfers map[uuid.UUID]*HTTPTransfer

	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	closeOnce sync.Once
}

func NewSession(config *Config, listener Listener) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = defaults.ProgressInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}

	client := config.Client
	if client == nil {
		client = newClient()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		config:    config,
		client:    client,
		listener:  listener,
		transfers: make(map[uuid.UUID]*HTTPTransfer),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
	s.queue = NewQueueProcessor(config.MaxConcurrent, s.runTransfer, s.stopCh)

	logger.Debugf("Transfer session created: maxConcurrent=%d, stallTimeout=%v",
		config.MaxConcurrent, config.StallTimeout)
	return s
}

func newClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    true,
			MaxConnsPerHost:       16,
		},
	}
}

// Start probes rawURL, reports the new transfer to the listener and queues it.
// It returns the id the listener assigned.
func (s *Session) Start(ctx context.Context, rawURL, name string) (string, error) {
	if s.closed() {
		return "", ErrSessionClosed
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	info, err := s.probe(ctx, u.String())
	if err != nil {
		return "", err
	}
	if name != "" {
		info.SuggestedName = name
	}

	t := newHTTPTransfer(s, info, stateQueued)
	s.track(t)

	id, err := s.listener.Register(ctx, t)
	if err != nil {
		s.forget(t)
		return "", fmt.Errorf("failed to register transfer: %w", err)
	}

	s.enqueue(t, priorityNew)
	logger.Infof("Started transfer %s for %s", t.id, rawURL)
	return id, nil
}

// Restore rebuilds an interrupted transfer from a persisted record. The size
// of the partial file on disk becomes the resume offset.
func (s *Session) Restore(rec *common.Record) (engine.Transfer, error) {
	if rec.URL() == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, rec.ID)
	}

	var offset int64
	if fi, err := os.Stat(rec.Path); err == nil && fi.Mode().IsRegular() {
		offset = fi.Size()
	}
	if rec.Length > 0 && offset > rec.Length {
		offset = 0
	}

	t := newHTTPTransfer(s, common.TransferInfo{
		URLChain:     append([]string(nil), rec.URLChain...),
		MimeType:     rec.MimeType,
		Length:       rec.Length,
		Offset:       offset,
		LastModified: rec.LastModified,
		ETag:         rec.ETag,
		StartTime:    rec.StartTime,
		SavePath:     rec.Path,
	}, stateInterrupted)
	s.track(t)

	logger.Debugf("Restored transfer %s for %s at %d bytes", t.id, rec.Path, offset)
	return t, nil
}

// Close stops the queue and pauses every running transfer.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		transfers := make([]*HTTPTransfer, 0, len(s.transfers))
		for _, t := range s.transfers {
			transfers = append(transfers, t)
		}
		s.mu.Unlock()

		for _, t := range transfers {
			_ = t.Pause()
		}
		s.cancel()
		logger.Infof("Transfer session closed")
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) probe(ctx context.Context, rawURL string) (common.TransferInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()

	resp, err := s.request(ctx, http.MethodHead, rawURL, "")
	if err == nil && resp.StatusCode < http.StatusBadRequest {
		resp.Body.Close()
		length := resp.ContentLength
		if length < 0 {
			length = 0
		}
		return remoteInfo(resp, length), nil
	}
	if err == nil {
		resp.Body.Close()
		logger.Debugf("HEAD %s returned %d, falling back to a range GET", rawURL, resp.StatusCode)
	} else {
		logger.Debugf("HEAD %s failed: %v, falling back to a range GET", rawURL, err)
	}

	resp, err = s.request(ctx, http.MethodGet, rawURL, "bytes=0-0")
	if err != nil {
		return common.TransferInfo{}, fmt.Errorf("failed to probe %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	var length int64
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		length = max(totalFromContentRange(resp.Header.Get("Content-Range")), 0)
	case resp.StatusCode < http.StatusBadRequest:
		length = max(resp.ContentLength, 0)
	default:
		return common.TransferInfo{}, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, rawURL)
	}
	return remoteInfo(resp, length), nil
}

func (s *Session) request(ctx context.Context, method, rawURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return s.client.Do(req)
}

func (s *Session) track(t *HTTPTransfer) {
	s.mu.Lock()
	s.transfers[t.id] = t
	s.mu.Unlock()
}

func (s *Session) forget(t *HTTPTransfer) {
	s.mu.Lock()
	delete(s.transfers, t.id)
	s.mu.Unlock()
}

func (s *Session) lookup(id uuid.UUID) (*HTTPTransfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	return t, ok
}

func (s *Session) enqueue(t *HTTPTransfer, priority int) {
	s.track(t)
	s.queue.Enqueue(t.id, priority)
}

func (s *Session) runTransfer(id uuid.UUID) error {
	t, ok := s.lookup(id)
	if !ok {
		return nil
	}
	return t.run(s.ctx)
}

// Len returns the number of transfers the session still tracks.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}
