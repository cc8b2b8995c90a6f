package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/NamanBalaji/mediagate/internal/api"
	"github.com/NamanBalaji/mediagate/internal/assets"
	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
	"github.com/NamanBalaji/mediagate/internal/events"
	"github.com/NamanBalaji/mediagate/internal/proxy"
	"github.com/NamanBalaji/mediagate/internal/stream"
)

var (
	ErrInvalidPath = errors.New("invalid path")
)

// FileHandler streams local files. The remainder is the percent-encoded
// absolute path of the file.
type FileHandler struct {
	Streamer *stream.Streamer
}

func (h *FileHandler) Handle(req *Request) (Response, error) {
	p, err := decodeFilePath(req.Rest)
	if err != nil {
		return nil, err
	}

	content, err := h.Streamer.Stream(p, req.Header.Get("Range"))
	if err != nil {
		return nil, err
	}
	if content.Partial() {
		return PartialContent{
			ContentType: content.ContentType,
			ModTime:     content.ModTime,
			Range:       *content.Range,
			Body:        content.Body,
		}, nil
	}
	return FullContent{
		ContentType:   content.ContentType,
		ContentLength: content.ContentLength,
		ModTime:       content.ModTime,
		Body:          content.Body,
	}, nil
}

func decodeFilePath(rest string) (string, error) {
	p, err := url.PathUnescape(rest)
	if err != nil {
		return "", gwerrors.Forbidden("file", fmt.Errorf("%w: %v", ErrInvalidPath, err))
	}
	if p == "" {
		return "", gwerrors.NotFound("file", fmt.Errorf("%w: empty", ErrInvalidPath))
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", gwerrors.Forbidden("file", fmt.Errorf("%w: %q walks up", ErrInvalidPath, p))
		}
	}
	if !filepath.IsAbs(p) {
		p = "/" + p
	}
	return filepath.Clean(p), nil
}

// StaticHandler serves the bundled UI assets, under /static and as the
// fallback for everything no route claims.
type StaticHandler struct {
	Assets *assets.Store
}

func (h *StaticHandler) Handle(req *Request) (Response, error) {
	p, err := url.PathUnescape(req.Rest)
	if err != nil {
		return nil, gwerrors.Forbidden("static", fmt.Errorf("%w: %v", ErrInvalidPath, err))
	}

	a, err := h.Assets.Get(req.Context(), p, req.Header.Get("Range"))
	if err != nil {
		return nil, err
	}
	if a.Range != nil {
		return PartialContent{ContentType: a.ContentType, ModTime: a.ModTime, Range: *a.Range, Body: a.Body}, nil
	}
	return FullContent{ContentType: a.ContentType, ContentLength: a.ContentLength, ModTime: a.ModTime, Body: a.Body}, nil
}

// ProxyHandler forwards to the percent-encoded absolute URL in the
// remainder. The inbound query string belongs to the target.
type ProxyHandler struct {
	Fetcher *proxy.Fetcher
}

func (h *ProxyHandler) Handle(req *Request) (Response, error) {
	target, err := url.PathUnescape(req.Rest)
	if err != nil {
		return nil, gwerrors.Forbidden("proxy", fmt.Errorf("%w: %v", proxy.ErrInvalidTarget, err))
	}
	if q := req.HTTP.URL.RawQuery; q != "" {
		target += "?" + q
	}

	res, err := h.Fetcher.Proxy(req.Context(), target, req.HTTP)
	if err != nil {
		return nil, err
	}
	return Passthrough{StatusCode: res.StatusCode, Header: res.Header, Body: res.Body}, nil
}

// APIHandler runs a named data source operation and answers with JSON.
// Parameters come from the query string and, for POST, the form body.
type APIHandler struct {
	Dispatcher *api.Dispatcher
}

func (h *APIHandler) Handle(req *Request) (Response, error) {
	p, err := url.PathUnescape(req.Rest)
	if err != nil {
		return nil, gwerrors.Forbidden("api", fmt.Errorf("%w: %v", ErrInvalidPath, err))
	}

	params := req.Query
	if req.Method == http.MethodPost {
		if err := req.HTTP.ParseForm(); err != nil {
			return nil, gwerrors.Forbidden("api", fmt.Errorf("%w: %v", api.ErrInvalidParams, err))
		}
		params = req.HTTP.Form
	}

	v, err := h.Dispatcher.Dispatch(req.Context(), p, params)
	if err != nil {
		return nil, err
	}
	return JSON{Status: http.StatusOK, Value: v}, nil
}

// Subscriber is a source of push events.
type Subscriber interface {
	Subscribe(buffer int) events.Subscription
	Unsubscribe(h events.Handle)
}

// EventsHandler streams download events to the UI.
type EventsHandler struct {
	Source Subscriber
	Buffer int
}

func (h *EventsHandler) Handle(req *Request) (Response, error) {
	if req.Method != http.MethodGet {
		return nil, gwerrors.NotFound("events", fmt.Errorf("method %s", req.Method))
	}
	sub := h.Source.Subscribe(h.Buffer)
	return EventStream{
		Events: sub.C,
		Cancel: func() { h.Source.Unsubscribe(sub.Handle) },
	}, nil
}
