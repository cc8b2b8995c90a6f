package engine

import (
	"context"

	"github.com/NamanBalaji/mediagate/internal/common"
)

// Transfer is the host runtime's handle on one byte transfer.
// Its methods must not block on the coordinator.
type Transfer interface {
	Info() common.TransferInfo
	// SetSavePath places a transfer that was reported without a destination.
	SetSavePath(path string)
	// Updates delivers progress until the transfer completes or is cancelled,
	// then the channel is closed.
	Updates() <-chan common.TransferUpdate
	Pause() error
	Resume() error
	Cancel() error
	CanResume() bool
}

// Store persists item snapshots.
type Store interface {
	Save(rec *common.Record) error
	FindAll() ([]*common.Record, error)
	Delete(id string) error
}

// Restorer rebuilds a transfer for an item recovered from the store.
type Restorer interface {
	Restore(rec *common.Record) (Transfer, error)
}

// Starter begins a new transfer for a URL and returns the id of its item.
type Starter interface {
	Start(ctx context.Context, rawURL, name string) (string, error)
}
