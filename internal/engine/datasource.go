package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/NamanBalaji/mediagate/internal/api"
	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
)

// SourceName is the name the download operations are registered under.
const SourceName = "download"

// DataSource exposes the coordinator to the API dispatcher.
type DataSource struct {
	coordinator *Coordinator
	starter     Starter
}

func NewDataSource(c *Coordinator, starter Starter) *DataSource {
	return &DataSource{coordinator: c, starter: starter}
}

type idResult struct {
	ID string `json:"id"`
}

type clearResult struct {
	Removed int `json:"removed"`
}

func (d *DataSource) Call(ctx context.Context, op string, params url.Values) (any, error) {
	switch op {
	case "list", "":
		return d.coordinator.List(ctx)
	case "history":
		return d.coordinator.History(ctx)
	case "start":
		return d.start(ctx, params)
	case "pause":
		return d.byID(ctx, params, d.coordinator.Pause)
	case "resume":
		return d.byID(ctx, params, d.coordinator.Resume)
	case "cancel":
		return d.byID(ctx, params, d.coordinator.Cancel)
	case "clear":
		if params.Get("id") == "" {
			n, err := d.coordinator.ClearHistory(ctx)
			if err != nil {
				return nil, err
			}
			return clearResult{Removed: n}, nil
		}
		return d.byID(ctx, params, d.coordinator.Clear)
	default:
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownOperation, op)
	}
}

func (d *DataSource) start(ctx context.Context, params url.Values) (any, error) {
	if d.starter == nil {
		return nil, fmt.Errorf("no transfer runtime configured: %w", api.ErrUnknownOperation)
	}

	target := params.Get("url")
	if target == "" {
		return nil, fmt.Errorf("url is required: %w", api.ErrInvalidParams)
	}

	id, err := d.starter.Start(ctx, target, params.Get("name"))
	if err != nil {
		return nil, err
	}
	return idResult{ID: id}, nil
}

func (d *DataSource) byID(ctx context.Context, params url.Values, fn func(context.Context, string) error) (any, error) {
	id := params.Get("id")
	if id == "" {
		return nil, fmt.Errorf("id is required: %w", api.ErrInvalidParams)
	}

	if err := fn(ctx, id); err != nil {
		switch {
		case errors.Is(err, ErrDownloadNotFound):
			return nil, gwerrors.NotFound("download", err)
		case errors.Is(err, ErrDownloadActive):
			return nil, gwerrors.Forbidden("download", err)
		}
		return nil, err
	}
	return idResult{ID: id}, nil
}
