// Package gateway is the embedded HTTP server of the player. It routes each
// request by its first path segment to a handler and writes the handler's
// Response.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

const headerRequestID = "X-Request-Id"

// Route keys of the gateway.
const (
	RouteStatic = "/static"
	RouteFile   = "/file"
	RouteProxy  = "/proxy"
	RouteAPI    = "/api"
	RouteEvents = "/events"
)

// Request is the routed view of an inbound request.
type Request struct {
	ID     string
	Method string
	// Route is the matched key, empty for the fallback.
	Route string
	// Rest is the still escaped path after the route key and its slash.
	Rest   string
	Query  url.Values
	Header http.Header
	HTTP   *http.Request
}

func (r *Request) Context() context.Context {
	return r.HTTP.Context()
}

// Handler answers a routed request.
type Handler interface {
	Handle(req *Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) (Response, error)

func (f HandlerFunc) Handle(req *Request) (Response, error) {
	return f(req)
}

// Router dispatches on the path segment before the second slash. Requests no
// route claims go to the fallback with the whole path, or get a 404.
type Router struct {
	routes   map[string]Handler
	fallback Handler
}

func NewRouter(routes map[string]Handler, fallback Handler) *Router {
	rt := &Router{routes: make(map[string]Handler, len(routes)), fallback: fallback}
	for k, h := range routes {
		rt.routes[k] = h
	}
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := rt.route(r)
	w.Header().Set(headerRequestID, req.ID)

	resp := rt.dispatch(req)
	defer func() {
		if err := resp.Close(); err != nil {
			logger.Debugf("Request %s: failed to close %s response: %v", req.ID, resp.Kind(), err)
		}
	}()

	rt.respond(w, r, req, resp)

	log := logger.With("gateway")
	log.Debug().
		Str("request", req.ID).
		Str("method", r.Method).
		Str("path", r.URL.EscapedPath()).
		Str("response", resp.Kind().String()).
		Dur("elapsed", time.Since(start)).
		Msg("request served")
}

// respond writes resp. A panic before the header is sent becomes a 500;
// after that the reply is cut short.
func (rt *Router) respond(w http.ResponseWriter, r *http.Request, req *Request, resp Response) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("Request %s: panic writing %s response: %v\n%s", req.ID, resp.Kind(), p, debug.Stack())
			w.WriteHeader(http.StatusInternalServerError)
		}
	}()

	if err := resp.write(w, r); err != nil {
		logger.Debugf("Request %s: writing %s response aborted: %v", req.ID, resp.Kind(), err)
	}
}

// route splits the escaped path into route key and remainder.
func (rt *Router) route(r *http.Request) *Request {
	escaped := r.URL.EscapedPath()
	req := &Request{
		ID:     uuid.NewString(),
		Method: r.Method,
		Query:  r.URL.Query(),
		Header: r.Header,
		HTTP:   r,
	}

	key, rest := splitRoute(escaped)
	if _, ok := rt.routes[key]; ok {
		req.Route = key
		req.Rest = rest
		return req
	}
	req.Rest = strings.TrimPrefix(escaped, "/")
	return req
}

func splitRoute(escaped string) (string, string) {
	if !strings.HasPrefix(escaped, "/") {
		return "", escaped
	}
	if i := strings.IndexByte(escaped[1:], '/'); i >= 0 {
		return escaped[:i+1], escaped[i+2:]
	}
	return escaped, ""
}

func (rt *Router) dispatch(req *Request) (resp Response) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("Request %s: handler panic: %v\n%s", req.ID, p, debug.Stack())
			resp = ErrorResponse{Status: http.StatusInternalServerError}
		}
	}()

	h := rt.fallback
	if req.Route != "" {
		h = rt.routes[req.Route]
	}
	if h == nil {
		return ErrorResponse{Status: http.StatusNotFound}
	}

	resp, err := h.Handle(req)
	if err != nil {
		if resp != nil {
			_ = resp.Close()
		}
		return rt.errorResponse(req, err)
	}
	if resp == nil {
		return rt.errorResponse(req, gwerrors.Internal("gateway", fmt.Errorf("handler for %q returned no response", req.Route)))
	}
	return resp
}

func (rt *Router) errorResponse(req *Request, err error) Response {
	status := gwerrors.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("Request %s %s failed: %v", req.ID, req.HTTP.URL.EscapedPath(), err)
	} else {
		logger.Debugf("Request %s %s refused: %v", req.ID, req.HTTP.URL.EscapedPath(), err)
	}

	resp := ErrorResponse{Status: status}
	switch {
	case req.Route == RouteAPI:
		resp.Message, resp.JSON = err.Error(), true
	case gwerrors.KindOf(err) == gwerrors.KindForbidden:
		resp.Message = err.Error()
	}
	return resp
}
