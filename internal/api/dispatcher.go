// Package api maps logical operation names onto pluggable data sources.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

var (
	ErrUnknownSource    = errors.New("unknown data source")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidParams    = errors.New("invalid parameters")
)

// DataSource answers operations for one provider, e.g. "download" or a music service.
type DataSource interface {
	Call(ctx context.Context, op string, params url.Values) (any, error)
}

// SourceFunc adapts a function to DataSource.
type SourceFunc func(ctx context.Context, op string, params url.Values) (any, error)

func (f SourceFunc) Call(ctx context.Context, op string, params url.Values) (any, error) {
	return f(ctx, op, params)
}

// Dispatcher routes "<source>/<operation>" to the registered DataSource.
type Dispatcher struct {
	mu      sync.RWMutex
	sources map[string]DataSource
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{sources: make(map[string]DataSource)}
}

// Register binds name to src, replacing any previous source with that name.
func (d *Dispatcher) Register(name string, src DataSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources[name] = src
	logger.Debugf("Registered data source %q", name)
}

// Sources returns the registered source names in order.
func (d *Dispatcher) Sources() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.sources))
	for name := range d.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch calls the operation named by p ("source/op/...") with params.
func (d *Dispatcher) Dispatch(ctx context.Context, p string, params url.Values) (any, error) {
	name, op, _ := strings.Cut(strings.Trim(p, "/"), "/")
	if name == "" {
		return nil, gwerrors.NotFound("api", ErrUnknownSource)
	}

	d.mu.RLock()
	src, ok := d.sources[name]
	d.mu.RUnlock()
	if !ok {
		return nil, gwerrors.NotFound("api", fmt.Errorf("%w: %s", ErrUnknownSource, name))
	}

	result, err := src.Call(ctx, op, params)
	if err != nil {
		return nil, classify(name, op, err)
	}
	return result, nil
}

func classify(name, op string, err error) error {
	var gwErr *gwerrors.Error
	if errors.As(err, &gwErr) {
		return err
	}

	operation := "api " + name + "/" + op
	switch {
	case errors.Is(err, ErrUnknownOperation):
		return gwerrors.NotFound(operation, err)
	case errors.Is(err, ErrInvalidParams):
		return gwerrors.Forbidden(operation, err)
	default:
		logger.Errorf("Data source %s failed on %q: %v", name, op, err)
		return gwerrors.Internal(operation, err)
	}
}
