// Package notify carries the process-wide unread counters and the
// conversation/unread change fan-out. The hub is an explicitly constructed
// value, never package state, so tests can run isolated instances.
package notify

import (
	"sync"
	"time"
)

// EventKind selects one of the two independent fan-out channels.
type EventKind int

const (
	EventConversationChanged EventKind = iota
	EventUnreadChanged
)

// CountStore persists the unread count map. Reads may report absence as an
// empty map; writes must surface failures, a silently lost persist drifts
// state.
type CountStore interface {
	Load() (map[string]int, error)
	Save(map[string]int) error
}

type subscriber struct {
	id int
	fn func(peerID string)
}

// Hub is the process-wide unread/presence state. Fan-out is synchronous, in
// subscriber registration order, on the goroutine that triggered the change.
type Hub struct {
	mu         sync.Mutex
	store      CountStore
	counts     map[string]int
	activePeer string
	lastSeen   map[string]time.Time
	nextSub    int
	subs       map[EventKind][]subscriber
	now        func() time.Time
}

// NewHub loads persisted counts from the store. A nil store keeps counts
// volatile, which tests use.
func NewHub(store CountStore) (*Hub, error) {
	h := &Hub{
		store:    store,
		counts:   make(map[string]int),
		lastSeen: make(map[string]time.Time),
		subs:     make(map[EventKind][]subscriber),
		now:      time.Now,
	}
	if store != nil {
		counts, err := store.Load()
		if err != nil {
			return nil, err
		}
		if counts != nil {
			h.counts = counts
		}
	}
	return h, nil
}

// Subscribe registers a callback on one channel and returns its
// unsubscribe function.
func (h *Hub) Subscribe(kind EventKind, fn func(peerID string)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[kind] = append(h.subs[kind], subscriber{id: id, fn: fn})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[kind]
		for i := range list {
			if list[i].id == id {
				h.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// NotifyIncoming records one unread message from a peer. When the user is
// actively viewing that peer's thread the call is a complete no-op: no count
// change, no persist, no fan-out.
func (h *Hub) NotifyIncoming(peerID string) error {
	h.mu.Lock()
	if peerID == h.activePeer && h.activePeer != "" {
		h.mu.Unlock()
		return nil
	}
	h.counts[peerID]++
	if err := h.persistLocked(); err != nil {
		h.counts[peerID]--
		h.mu.Unlock()
		return err
	}
	conv, unread := h.snapshotSubsLocked()
	h.mu.Unlock()

	fanOut(conv, peerID)
	fanOut(unread, peerID)
	return nil
}

// ClearUnread resets a peer's count. It notifies even when the count was
// already zero: idempotent on state, not on notification.
func (h *Hub) ClearUnread(peerID string) error {
	h.mu.Lock()
	h.counts[peerID] = 0
	h.lastSeen[peerID] = h.now().UTC()
	if err := h.persistLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	conv, unread := h.snapshotSubsLocked()
	h.mu.Unlock()

	fanOut(conv, peerID)
	fanOut(unread, peerID)
	return nil
}

// SetActivePeer marks the thread the user is viewing; empty string means
// none. Pure in-memory assignment, no fan-out.
func (h *Hub) SetActivePeer(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activePeer = peerID
}

func (h *Hub) ActivePeer() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activePeer
}

func (h *Hub) Count(peerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[peerID]
}

// Counts returns a copy of the unread map.
func (h *Hub) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// LastSeenAt reports when a peer's thread was last cleared this process
// lifetime.
func (h *Hub) LastSeenAt(peerID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	at, ok := h.lastSeen[peerID]
	return at, ok
}

func (h *Hub) persistLocked() error {
	if h.store == nil {
		return nil
	}
	out := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return h.store.Save(out)
}

func (h *Hub) snapshotSubsLocked() (conv, unread []func(string)) {
	for _, s := range h.subs[EventConversationChanged] {
		conv = append(conv, s.fn)
	}
	for _, s := range h.subs[EventUnreadChanged] {
		unread = append(unread, s.fn)
	}
	return conv, unread
}

func fanOut(fns []func(string), peerID string) {
	for _, fn := range fns {
		fn(peerID)
	}
}
