package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/NamanBalaji/mediagate/internal/api"
	"github.com/NamanBalaji/mediagate/internal/assets"
	"github.com/NamanBalaji/mediagate/internal/logger"
	"github.com/NamanBalaji/mediagate/internal/proxy"
	"github.com/NamanBalaji/mediagate/internal/stream"
)

const defaultListen = "127.0.0.1:0"

// Options names the components behind each route. A nil component leaves
// its route unregistered.
type Options struct {
	Listen      string
	Streamer    *stream.Streamer
	Fetcher     *proxy.Fetcher
	Dispatcher  *api.Dispatcher
	Assets      *assets.Store
	Events      Subscriber
	EventBuffer int
}

// NewHandler builds the router for opts.
func NewHandler(opts Options) *Router {
	routes := make(map[string]Handler)
	if opts.Streamer != nil {
		routes[RouteFile] = &FileHandler{Streamer: opts.Streamer}
	}
	if opts.Fetcher != nil {
		routes[RouteProxy] = &ProxyHandler{Fetcher: opts.Fetcher}
	}
	if opts.Dispatcher != nil {
		routes[RouteAPI] = &APIHandler{Dispatcher: opts.Dispatcher}
	}
	if opts.Events != nil {
		routes[RouteEvents] = &EventsHandler{Source: opts.Events, Buffer: opts.EventBuffer}
	}

	var fallback Handler
	if opts.Assets != nil {
		fallback = &StaticHandler{Assets: opts.Assets}
		routes[RouteStatic] = fallback
	}
	return NewRouter(routes, fallback)
}

// Server owns the listener and the http.Server of the gateway.
type Server struct {
	opts     Options
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

func NewServer(opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = defaultListen
	}

	// request contexts are cancelled on shutdown so event streams end
	base, cancel := context.WithCancel(context.Background())
	s := &Server{opts: opts, cancel: cancel}
	s.srv = &http.Server{
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.srv.RegisterOnShutdown(cancel)
	return s
}

// Listen binds the address and registers it with the proxy loop guard.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	s.listener = ln

	if s.opts.Fetcher != nil {
		for _, h := range selfHosts(ln.Addr()) {
			s.opts.Fetcher.AddSelfHost(h)
		}
	}
	logger.Infof("Gateway listening on %s", ln.Addr())
	return nil
}

// Addr is the bound address, empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve blocks until the server is shut down.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down gateway: %w", err)
	}
	logger.Infof("Gateway stopped")
	return nil
}

func selfHosts(addr net.Addr) []string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return []string{addr.String()}
	}
	port := strconv.Itoa(tcp.Port)
	hosts := []string{
		net.JoinHostPort(tcp.IP.String(), port),
		net.JoinHostPort("localhost", port),
		net.JoinHostPort("127.0.0.1", port),
		net.JoinHostPort("::1", port),
	}
	if tcp.IP.IsUnspecified() {
		if names, err := net.InterfaceAddrs(); err == nil {
			for _, a := range names {
				if ipnet, ok := a.(*net.IPNet); ok {
					hosts = append(hosts, net.JoinHostPort(ipnet.IP.String(), port))
				}
			}
		}
	}
	return hosts
}
