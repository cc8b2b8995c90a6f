package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/NamanBalaji/mediagate/internal/common"
	"github.com/NamanBalaji/mediagate/internal/downloader"
	"github.com/NamanBalaji/mediagate/internal/events"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

var (
	// ErrDownloadNotFound is returned when no active item has the given id.
	ErrDownloadNotFound = errors.New("download not found")

	// ErrDownloadActive is returned when purging an item that is still active.
	ErrDownloadActive = errors.New("download is still active")

	// ErrEngineNotRunning is returned when an operation requires the coordinator loop.
	ErrEngineNotRunning = errors.New("engine is not running")
)

// Config holds what the coordinator needs to place and persist downloads.
type Config struct {
	DownloadDir  string
	SaveInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		DownloadDir:  "download",
		SaveInterval: 2 * time.Second,
	}
}

type entry struct {
	item     *downloader.Item
	transfer Transfer
	persist  *rate.Sometimes
}

// Coordinator owns the lifecycle of every active download. A single goroutine
// owns the active map; every other method sends it a message.
type Coordinator struct {
	config *Config
	store  Store
	hub    *events.Hub

	items map[string]*entry
	msgs  chan func()
	quit  chan struct{}
	done  chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	now       func() time.Time
}

// New creates a coordinator. Start must be called before it accepts messages.
func New(config *Config, store Store, hub *events.Hub) (*Coordinator, error) {
	logger.Infof("Creating download coordinator")

	if config == nil {
		logger.Debugf("No config provided, using default config")
		config = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if hub == nil {
		hub = events.NewHub()
	}

	if err := os.MkdirAll(config.DownloadDir, 0o755); err != nil {
		logger.Errorf("Failed to create download directory %s: %v", config.DownloadDir, err)
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	return &Coordinator{
		config: config,
		store:  store,
		hub:    hub,
		items:  make(map[string]*entry),
		msgs:   make(chan func()),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Start recovers persisted items and starts the coordinator loop. Every
// non-terminal record is marked interrupted and, when restorer is not nil,
// given a transfer the user can resume.
func (c *Coordinator) Start(restorer Restorer) error {
	var err error
	c.startOnce.Do(func() {
		err = c.recover(restorer)
		c.started.Store(true)
		go c.loop()
	})
	return err
}

func (c *Coordinator) recover(restorer Restorer) error {
	logger.Debugf("Loading downloads from repository")

	records, err := c.store.FindAll()
	if err != nil {
		logger.Errorf("Failed to load downloads: %v", err)
		return fmt.Errorf("failed to load downloads: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if rec.State.IsTerminal() {
			continue
		}

		item := downloader.FromRecord(rec)
		item.State = common.StateInterrupted

		e := &entry{item: item, persist: c.newPersistLimiter()}
		if restorer != nil {
			t, err := restorer.Restore(item.Snapshot())
			if err != nil {
				logger.Warnf("Failed to restore transfer for %s: %v", item.ID, err)
			} else {
				e.transfer = t
				item.SetOffset(t.Info().Offset)
				go c.watch(item.ID, t)
			}
		}

		c.items[item.ID] = e
		c.save(item)
		restored++
		logger.Infof("Recovered download %s at %d bytes", item.ID, item.Offset)
	}

	logger.Debugf("Recovered %d interrupted downloads", restored)
	return nil
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.msgs:
			fn()
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the coordinator goroutine and waits for it. ctx only bounds
// the hand-off: once the loop has taken fn, do returns after fn has run.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	if !c.started.Load() {
		return ErrEngineNotRunning
	}

	finished := make(chan struct{})
	msg := func() {
		defer close(finished)
		fn()
	}

	select {
	case c.msgs <- msg:
	case <-c.quit:
		return ErrEngineNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	return nil
}

// send queues fn without waiting for it to run.
func (c *Coordinator) send(fn func()) bool {
	select {
	case c.msgs <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// watch translates the updates of t into coordinator messages.
func (c *Coordinator) watch(id string, t Transfer) {
	// keeps draining after shutdown so the transfer never blocks on a stopped loop
	for u := range t.Updates() {
		update := u
		c.send(func() { c.updateProgress(id, t, update) })
	}
}

// Register adopts a transfer reported by the host runtime and returns the id
// of its item. A transfer without a save path gets a fresh deduplicated path.
func (c *Coordinator) Register(ctx context.Context, t Transfer) (string, error) {
	var id string
	err := c.do(ctx, func() {
		id = c.register(t)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Coordinator) register(t Transfer) string {
	info := t.Info()

	if info.SavePath == "" {
		path := downloader.ResolvePath(c.config.DownloadDir, info.SuggestedName, c.isActive, c.now())
		t.SetSavePath(path)

		item := downloader.NewItem(path, info)
		c.items[item.ID] = &entry{item: item, transfer: t, persist: c.newPersistLimiter()}
		go c.watch(item.ID, t)

		c.save(item)
		c.hub.Publish(item.NewItemEvent())
		logger.Infof("Registered new download %s from %s", item.ID, info.URL())
		return item.ID
	}

	path := info.SavePath
	if e, ok := c.items[path]; ok {
		if e.transfer != nil && e.transfer != t {
			if err := e.transfer.Pause(); err != nil {
				logger.Warnf("Failed to pause replaced transfer for %s: %v", path, err)
			}
		}
		e.transfer = t
		go c.watch(path, t)

		if len(info.URLChain) > 0 {
			e.item.URLChain = append([]string(nil), info.URLChain...)
		}
		if e.item.Resume() {
			c.save(e.item)
			c.hub.Publish(e.item.UpdateEvent())
		}
		logger.Infof("Download %s adopted a resumed transfer", path)
		return path
	}

	item := downloader.NewItem(path, info)
	c.items[item.ID] = &entry{item: item, transfer: t, persist: c.newPersistLimiter()}
	go c.watch(item.ID, t)

	c.save(item)
	c.hub.Publish(item.NewItemEvent())
	logger.Infof("Registered download %s at its previous path", item.ID)
	return item.ID
}

func (c *Coordinator) updateProgress(id string, t Transfer, u common.TransferUpdate) {
	e, ok := c.items[id]
	if !ok || e.transfer != t {
		return
	}
	item := e.item

	switch u.Kind {
	case common.UpdateProgress:
		if item.State == common.StateInterrupted {
			// final count of a paused transfer
			if u.Total > 0 {
				item.Length = u.Total
			}
			item.SetOffset(u.Received)
			c.save(item)
			c.hub.Publish(item.UpdateEvent())
			return
		}
		at := u.Timestamp
		if at.IsZero() {
			at = c.now()
		}
		if item.Progress(u.Received, u.Total, at) {
			c.save(item)
		} else {
			e.persist.Do(func() { c.save(item) })
		}
		c.hub.Publish(item.UpdateEvent())

	case common.UpdateInterrupted:
		if u.Received > 0 {
			item.Progress(u.Received, u.Total, c.now())
		}
		if !item.Interrupt() {
			return
		}
		logger.Warnf("Download %s interrupted at %d bytes: %v", id, item.Offset, u.Err)
		c.save(item)
		c.hub.Publish(item.UpdateEvent())

	case common.UpdateCompleted:
		if u.Received > 0 {
			item.Progress(u.Received, u.Total, c.now())
		}
		c.finalize(id, common.StateCompleted)

	case common.UpdateCancelled:
		c.finalize(id, common.StateCancelled)
	}
}

// finalize evicts id and persists its terminal snapshot.
func (c *Coordinator) finalize(id string, state common.State) {
	e, ok := c.items[id]
	if !ok {
		return
	}
	delete(c.items, id)

	changed := e.item.Complete
	if state == common.StateCancelled {
		changed = e.item.Cancel
	}
	if !changed() {
		return
	}

	c.save(e.item)
	c.hub.Publish(e.item.UpdateEvent())
	logger.Infof("Download %s %s", id, state)
}

// Pause interrupts a progressing download. Any other state is a no-op.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	var opErr error
	err := c.do(ctx, func() {
		e, ok := c.items[id]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
			return
		}
		if !e.item.Pause() {
			logger.Debugf("Ignoring pause of %s in state %s", id, e.item.State)
			return
		}
		if e.transfer != nil {
			if err := e.transfer.Pause(); err != nil {
				logger.Warnf("Transfer for %s failed to pause: %v", id, err)
			}
		}
		c.save(e.item)
		c.hub.Publish(e.item.UpdateEvent())
		logger.Infof("Download %s paused at %d bytes", id, e.item.Offset)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Resume restarts an interrupted download whose transfer is resumable.
// Any other situation is a no-op and the item keeps its state.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	var opErr error
	err := c.do(ctx, func() {
		e, ok := c.items[id]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
			return
		}
		if e.item.State != common.StateInterrupted {
			logger.Debugf("Ignoring resume of %s in state %s", id, e.item.State)
			return
		}
		if e.transfer == nil || !e.transfer.CanResume() {
			logger.Debugf("Transfer for %s cannot be resumed", id)
			return
		}
		if err := e.transfer.Resume(); err != nil {
			logger.Warnf("Transfer for %s failed to resume: %v", id, err)
			return
		}
		e.item.Resume()
		c.save(e.item)
		c.hub.Publish(e.item.UpdateEvent())
		logger.Infof("Download %s resumed from %d bytes", id, e.item.Offset)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Cancel aborts a download and evicts it.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	var opErr error
	err := c.do(ctx, func() {
		e, ok := c.items[id]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
			return
		}
		delete(c.items, id)

		if e.transfer != nil {
			if err := e.transfer.Cancel(); err != nil {
				logger.Warnf("Transfer for %s failed to cancel: %v", id, err)
			}
		}
		e.item.Cancel()
		c.save(e.item)
		c.hub.Publish(e.item.UpdateEvent())
		logger.Infof("Download %s cancelled", id)
	})
	if err != nil {
		return err
	}
	return opErr
}

// List returns snapshots of the active downloads, oldest first.
func (c *Coordinator) List(ctx context.Context) ([]*common.Record, error) {
	var out []*common.Record
	err := c.do(ctx, func() {
		out = make([]*common.Record, 0, len(c.items))
		for _, e := range c.items {
			out = append(out, e.item.Snapshot())
		}
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

// History returns every stored snapshot, with live state for active items.
func (c *Coordinator) History(ctx context.Context) ([]*common.Record, error) {
	var (
		out     []*common.Record
		loadErr error
	)
	err := c.do(ctx, func() {
		records, err := c.store.FindAll()
		if err != nil {
			loadErr = fmt.Errorf("failed to load downloads: %w", err)
			return
		}

		seen := make(map[string]bool, len(records))
		for _, rec := range records {
			if e, ok := c.items[rec.ID]; ok {
				rec = e.item.Snapshot()
			}
			seen[rec.ID] = true
			out = append(out, rec)
		}
		for id, e := range c.items {
			if !seen[id] {
				out = append(out, e.item.Snapshot())
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if loadErr != nil {
		return nil, loadErr
	}
	sortRecords(out)
	return out, nil
}

// Clear purges the stored snapshot of a finished download.
func (c *Coordinator) Clear(ctx context.Context, id string) error {
	var opErr error
	err := c.do(ctx, func() {
		if c.isActive(id) {
			opErr = fmt.Errorf("%w: %s", ErrDownloadActive, id)
			return
		}
		if err := c.store.Delete(id); err != nil {
			opErr = fmt.Errorf("failed to delete download %s: %w", id, err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// ClearHistory purges every terminal snapshot and returns how many were removed.
func (c *Coordinator) ClearHistory(ctx context.Context) (int, error) {
	var (
		removed int
		opErr   error
	)
	err := c.do(ctx, func() {
		records, err := c.store.FindAll()
		if err != nil {
			opErr = fmt.Errorf("failed to load downloads: %w", err)
			return
		}
		for _, rec := range records {
			if !rec.State.IsTerminal() || c.isActive(rec.ID) {
				continue
			}
			if err := c.store.Delete(rec.ID); err != nil {
				logger.Errorf("Failed to delete download %s: %v", rec.ID, err)
				continue
			}
			removed++
		}
	})
	if err != nil {
		return 0, err
	}
	return removed, opErr
}

// Subscribe registers a UI listener; pass the handle back to Unsubscribe.
func (c *Coordinator) Subscribe(buffer int) events.Subscription {
	return c.hub.Subscribe(buffer)
}

func (c *Coordinator) Unsubscribe(h events.Handle) {
	c.hub.Unsubscribe(h)
}

// Shutdown pauses every progressing download, persists it and stops the loop.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	logger.Infof("Starting coordinator shutdown...")

	err := c.do(ctx, func() {
		paused := 0
		for id, e := range c.items {
			if !e.item.Pause() {
				c.save(e.item)
				continue
			}
			if e.transfer != nil {
				if err := e.transfer.Pause(); err != nil {
					logger.Errorf("Error pausing download %s: %v", id, err)
				}
			}
			c.save(e.item)
			c.hub.Publish(e.item.UpdateEvent())
			paused++
		}
		logger.Infof("Paused %d active downloads", paused)
	})
	if err != nil && !errors.Is(err, ErrEngineNotRunning) {
		return err
	}

	c.stopOnce.Do(func() { close(c.quit) })

	select {
	case <-c.done:
	case <-ctx.Done():
		logger.Warnf("Shutdown timed out waiting for the coordinator loop")
		return ctx.Err()
	}

	logger.Infof("Coordinator shutdown complete")
	return nil
}

func (c *Coordinator) isActive(path string) bool {
	_, ok := c.items[path]
	return ok
}

// save persists a snapshot. Failures are logged; memory stays authoritative.
func (c *Coordinator) save(item *downloader.Item) {
	if err := c.store.Save(item.Snapshot()); err != nil {
		logger.Errorf("Failed to save download %s: %v", item.ID, err)
	}
}

func (c *Coordinator) newPersistLimiter() *rate.Sometimes {
	if c.config.SaveInterval <= 0 {
		return &rate.Sometimes{Every: 1}
	}
	return &rate.Sometimes{Interval: c.config.SaveInterval}
}

func sortRecords(recs []*common.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].StartTime.Equal(recs[j].StartTime) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].StartTime.Before(recs[j].StartTime)
	})
}
