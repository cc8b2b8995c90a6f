package downloader

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/NamanBalaji/mediagate/internal/common"
)

// Item is the in-memory state machine of one download.
// It is not safe for concurrent use; the coordinator goroutine owns every Item.
type Item struct {
	ID           string
	Path         string
	Name         string
	URLChain     []string
	MimeType     string
	Length       int64
	Offset       int64
	State        common.State
	StartTime    time.Time
	LastModified string
	ETag         string

	speed *SpeedCalculator
}

// NewItem creates a pending item stored at path. The path is the item's id.
func NewItem(path string, info common.TransferInfo) *Item {
	start := info.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	it := &Item{
		ID:           path,
		Path:         path,
		Name:         baseName(path),
		URLChain:     append([]string(nil), info.URLChain...),
		MimeType:     info.MimeType,
		Length:       info.Length,
		State:        common.StatePending,
		StartTime:    start,
		LastModified: info.LastModified,
		ETag:         info.ETag,
		speed:        NewSpeedCalculator(defaultSpeedWindow),
	}
	it.SetOffset(info.Offset)
	return it
}

// FromRecord rebuilds an item from its persisted snapshot.
func FromRecord(rec *common.Record) *Item {
	it := &Item{
		ID:           rec.ID,
		Path:         rec.Path,
		Name:         rec.Name,
		URLChain:     append([]string(nil), rec.URLChain...),
		MimeType:     rec.MimeType,
		Length:       rec.Length,
		State:        rec.State,
		StartTime:    rec.StartTime,
		LastModified: rec.LastModified,
		ETag:         rec.ETag,
		speed:        NewSpeedCalculator(defaultSpeedWindow),
	}
	if it.ID == "" {
		it.ID = rec.Path
	}
	if it.Name == "" {
		it.Name = baseName(it.Path)
	}
	it.SetOffset(rec.Offset)
	return it
}

// SetOffset stores offset clamped into [0, Length] when the length is known.
func (it *Item) SetOffset(offset int64) {
	if offset < 0 {
		offset = 0
	}
	if it.Length > 0 && offset > it.Length {
		offset = it.Length
	}
	it.Offset = offset
}

// Progress records a byte count reported by the transfer and returns whether the
// state changed. Only a pending item is promoted to progressing here.
func (it *Item) Progress(received, total int64, at time.Time) bool {
	if it.State.IsTerminal() {
		return false
	}
	if total > 0 {
		it.Length = total
	}
	it.SetOffset(received)
	it.speed.Observe(it.Offset, at)

	if it.State == common.StatePending {
		it.State = common.StateProgressing
		return true
	}
	return false
}

// Pause moves a progressing item to interrupted. Any other state is left alone.
func (it *Item) Pause() bool {
	if it.State != common.StateProgressing {
		return false
	}
	it.State = common.StateInterrupted
	it.speed.Reset()
	return true
}

// Resume moves an interrupted item back to progressing.
func (it *Item) Resume() bool {
	if it.State != common.StateInterrupted {
		return false
	}
	it.State = common.StateProgressing
	it.speed.Reset()
	return true
}

// Interrupt marks a pending or progressing item as interrupted after a failure.
func (it *Item) Interrupt() bool {
	if it.State != common.StatePending && it.State != common.StateProgressing {
		return false
	}
	it.State = common.StateInterrupted
	it.speed.Reset()
	return true
}

// Complete moves the item to the completed terminal state.
func (it *Item) Complete() bool {
	if it.State.IsTerminal() {
		return false
	}
	if it.Length > 0 {
		it.Offset = it.Length
	} else {
		it.Length = it.Offset
	}
	it.State = common.StateCompleted
	it.speed.Reset()
	return true
}

// Cancel moves the item to the cancelled terminal state.
func (it *Item) Cancel() bool {
	if it.State.IsTerminal() {
		return false
	}
	it.State = common.StateCancelled
	it.speed.Reset()
	return true
}

// Speed returns the current transfer rate in bytes per second.
func (it *Item) Speed() int64 {
	if it.State != common.StateProgressing {
		return 0
	}
	return it.speed.Speed()
}

// Percent returns the completed share in [0, 100], 0 when the length is unknown.
func (it *Item) Percent() float64 {
	if it.State == common.StateCompleted {
		return 100
	}
	if it.Length <= 0 {
		return 0
	}
	return float64(it.Offset) / float64(it.Length) * 100
}

// Snapshot returns the persisted form of the item including display fields.
func (it *Item) Snapshot() *common.Record {
	rec := &common.Record{
		ID:           it.ID,
		Path:         it.Path,
		Name:         it.Name,
		URLChain:     append([]string(nil), it.URLChain...),
		MimeType:     it.MimeType,
		Length:       it.Length,
		Offset:       it.Offset,
		State:        it.State,
		StartTime:    it.StartTime,
		LastModified: it.LastModified,
		ETag:         it.ETag,
		Speed:        it.Speed(),
		Percent:      it.Percent(),
		Received:     humanize.Bytes(uint64(it.Offset)),
	}
	if it.Length > 0 {
		rec.Size = humanize.Bytes(uint64(it.Length))
	}
	return rec
}

// NewItemEvent announces the item to the UI layer. A freshly announced item is
// reported as interrupted until its first progress update arrives.
func (it *Item) NewItemEvent() common.Event {
	return common.Event{
		Type: common.EventNew,
		Item: &common.NewItem{
			ID:           it.ID,
			Path:         it.Path,
			Name:         it.Name,
			URLChain:     append([]string(nil), it.URLChain...),
			MimeType:     it.MimeType,
			Offset:       0,
			Length:       it.Length,
			LastModified: it.LastModified,
			ETag:         it.ETag,
			StartTime:    it.StartTime,
			State:        common.StateInterrupted,
		},
	}
}

// UpdateEvent carries the live fields of the item.
func (it *Item) UpdateEvent() common.Event {
	return common.Event{
		Type: common.EventUpdate,
		Update: &common.Update{
			ID:      it.ID,
			Path:    it.Path,
			Offset:  it.Offset,
			State:   it.State,
			Speed:   it.Speed(),
			Percent: it.Percent(),
		},
	}
}
