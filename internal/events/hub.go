// Package events fans download notifications out to UI subscribers.
package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/NamanBalaji/mediagate/internal/common"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

const defaultBuffer = 64

// Handle identifies a subscription; pass it back to Unsubscribe.
type Handle uuid.UUID

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// Subscription is a receive-only view on the hub.
type Subscription struct {
	Handle Handle
	C      <-chan common.Event
}

// Hub is a push-only event channel. Publish never blocks; a subscriber that
// does not keep up loses events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[Handle]chan common.Event
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[Handle]chan common.Event)}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	ch := make(chan common.Event, buffer)
	handle := Handle(uuid.New())

	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[handle] = ch
	}
	h.mu.Unlock()

	logger.Debugf("Subscriber %s registered", handle)
	return Subscription{Handle: handle, C: ch}
}

// Unsubscribe removes the subscriber and closes its channel. Unknown handles are ignored.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subs[handle]
	if !ok {
		return
	}
	delete(h.subs, handle)
	close(ch)
	logger.Debugf("Subscriber %s removed", handle)
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(ev common.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for handle, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.Debugf("Subscriber %s is full, dropping %s event", handle, ev.Type)
		}
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel; later subscriptions receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for handle, ch := range h.subs {
		close(ch)
		delete(h.subs, handle)
	}
}
