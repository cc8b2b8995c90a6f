package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/NamanBalaji/mediagate/internal/common"
	"github.com/NamanBalaji/mediagate/internal/stream"
)

// Kind tags the variant of a Response.
type Kind int

const (
	KindFullContent Kind = iota
	KindPartialContent
	KindPassthrough
	KindJSON
	KindEventStream
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFullContent:
		return "full-content"
	case KindPartialContent:
		return "partial-content"
	case KindPassthrough:
		return "passthrough"
	case KindJSON:
		return "json"
	case KindEventStream:
		return "event-stream"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Response is what a handler answers with. The router writes it and then
// always calls Close, whatever happened while writing.
type Response interface {
	Kind() Kind
	Close() error
	write(w http.ResponseWriter, r *http.Request) error
}

// FullContent is a 200 reply carrying a whole file.
type FullContent struct {
	ContentType   string
	ContentLength int64
	ModTime       time.Time
	Body          io.ReadCloser
}

func (FullContent) Kind() Kind { return KindFullContent }

func (c FullContent) Close() error { return closeBody(c.Body) }

func (c FullContent) write(w http.ResponseWriter, r *http.Request) error {
	setContentHeaders(w.Header(), c.ContentType, c.ContentLength, c.ModTime)
	w.WriteHeader(http.StatusOK)
	return copyBody(w, r, c.Body)
}

// PartialContent is a 206 reply carrying exactly the requested range.
type PartialContent struct {
	ContentType string
	ModTime     time.Time
	Range       stream.RangeRequest
	Body        io.ReadCloser
}

func (PartialContent) Kind() Kind { return KindPartialContent }

func (c PartialContent) Close() error { return closeBody(c.Body) }

func (c PartialContent) write(w http.ResponseWriter, r *http.Request) error {
	h := w.Header()
	setContentHeaders(h, c.ContentType, c.Range.Length(), c.ModTime)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Range", c.Range.ContentRange())
	w.WriteHeader(http.StatusPartialContent)
	return copyBody(w, r, c.Body)
}

// Passthrough relays a proxied origin response as received.
type Passthrough struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

func (Passthrough) Kind() Kind { return KindPassthrough }

func (p Passthrough) Close() error { return closeBody(p.Body) }

func (p Passthrough) write(w http.ResponseWriter, r *http.Request) error {
	h := w.Header()
	for k, vv := range p.Header {
		h[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(p.StatusCode)
	return copyBody(w, r, p.Body)
}

// JSON is an API reply.
type JSON struct {
	Status int
	Value  any
}

func (JSON) Kind() Kind { return KindJSON }

func (JSON) Close() error { return nil }

func (j JSON) write(w http.ResponseWriter, _ *http.Request) error {
	status := j.Status
	if status == 0 {
		status = http.StatusOK
	}
	body, err := json.Marshal(j.Value)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return fmt.Errorf("failed to encode response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(append(body, '\n'))
	return err
}

// EventStream pushes events as Server-Sent Events until the client leaves.
type EventStream struct {
	Events <-chan common.Event
	Cancel func()
}

func (EventStream) Kind() Kind { return KindEventStream }

func (s EventStream) Close() error {
	if s.Cancel != nil {
		s.Cancel()
	}
	return nil
}

func (s EventStream) write(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported by %T", w)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case ev, ok := <-s.Events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// ErrorResponse is the reply for a failed request. An empty Message means an
// empty body; JSON selects {"error": Message} over plain text.
type ErrorResponse struct {
	Status  int
	Message string
	JSON    bool
}

func (ErrorResponse) Kind() Kind { return KindError }

func (ErrorResponse) Close() error { return nil }

func (e ErrorResponse) write(w http.ResponseWriter, _ *http.Request) error {
	if e.Message == "" {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(e.Status)
		return nil
	}
	if !e.JSON {
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(e.Status)
		_, err := fmt.Fprintln(w, e.Message)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	return json.NewEncoder(w).Encode(map[string]string{"error": e.Message})
}

func setContentHeaders(h http.Header, contentType string, length int64, modTime time.Time) {
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	if !modTime.IsZero() {
		h.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	}
}

func copyBody(w io.Writer, r *http.Request, body io.Reader) error {
	if body == nil || r.Method == http.MethodHead {
		return nil
	}
	_, err := io.Copy(w, body)
	return err
}

func closeBody(body io.Closer) error {
	if body == nil {
		return nil
	}
	return body.Close()
}
