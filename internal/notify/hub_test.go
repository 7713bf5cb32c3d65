package notify

import (
	"errors"
	"path/filepath"
	"testing"
)

type countingStore struct {
	counts map[string]int
	saves  int
	fail   bool
}

func (s *countingStore) Load() (map[string]int, error) {
	return s.counts, nil
}

func (s *countingStore) Save(counts map[string]int) error {
	if s.fail {
		return errors.New("store unavailable")
	}
	s.saves++
	s.counts = counts
	return nil
}

func TestNotifyIncomingIncrementsAndFansOut(t *testing.T) {
	store := &countingStore{}
	h, err := NewHub(store)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	var convPeers, unreadPeers []string
	h.Subscribe(EventConversationChanged, func(p string) { convPeers = append(convPeers, p) })
	h.Subscribe(EventUnreadChanged, func(p string) { unreadPeers = append(unreadPeers, p) })

	if err := h.NotifyIncoming("dana"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if h.Count("dana") != 1 {
		t.Fatalf("count = %d, want 1", h.Count("dana"))
	}
	if store.saves != 1 {
		t.Fatalf("saves = %d, want 1", store.saves)
	}
	if len(convPeers) != 1 || convPeers[0] != "dana" {
		t.Fatalf("conversation fan-out = %v", convPeers)
	}
	if len(unreadPeers) != 1 || unreadPeers[0] != "dana" {
		t.Fatalf("unread fan-out = %v", unreadPeers)
	}
}

func TestActivePeerSuppressionIsCompleteNoOp(t *testing.T) {
	store := &countingStore{}
	h, err := NewHub(store)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	fired := 0
	h.Subscribe(EventConversationChanged, func(string) { fired++ })
	h.Subscribe(EventUnreadChanged, func(string) { fired++ })

	h.SetActivePeer("dana")
	if err := h.NotifyIncoming("dana"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if h.Count("dana") != 0 {
		t.Fatalf("count for active peer must stay 0, got %d", h.Count("dana"))
	}
	if store.saves != 0 {
		t.Fatalf("suppressed notify must not persist, saves = %d", store.saves)
	}
	if fired != 0 {
		t.Fatalf("suppressed notify must not fan out, fired = %d", fired)
	}

	// Other peers are unaffected by the active marker.
	if err := h.NotifyIncoming("eli"); err != nil {
		t.Fatalf("notify other: %v", err)
	}
	if h.Count("eli") != 1 || fired != 2 {
		t.Fatalf("non-active peer must count and fan out: count=%d fired=%d", h.Count("eli"), fired)
	}
}

func TestClearUnreadNotifiesEvenWhenAlreadyZero(t *testing.T) {
	h, err := NewHub(nil)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	fired := 0
	h.Subscribe(EventUnreadChanged, func(string) { fired++ })

	if err := h.ClearUnread("dana"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if fired != 1 {
		t.Fatalf("clear on zero count must still notify, fired = %d", fired)
	}
	if _, ok := h.LastSeenAt("dana"); !ok {
		t.Fatal("clear must record last-seen time")
	}
}

func TestFanOutFollowsRegistrationOrder(t *testing.T) {
	h, err := NewHub(nil)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	var order []int
	h.Subscribe(EventUnreadChanged, func(string) { order = append(order, 1) })
	h.Subscribe(EventUnreadChanged, func(string) { order = append(order, 2) })
	h.Subscribe(EventUnreadChanged, func(string) { order = append(order, 3) })

	if err := h.NotifyIncoming("dana"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fan-out order = %v", order)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h, err := NewHub(nil)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	fired := 0
	unsub := h.Subscribe(EventUnreadChanged, func(string) { fired++ })
	if err := h.NotifyIncoming("dana"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	unsub()
	if err := h.NotifyIncoming("dana"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestPersistFailureSurfacesAndRollsBack(t *testing.T) {
	store := &countingStore{fail: true}
	h, err := NewHub(store)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	fired := 0
	h.Subscribe(EventUnreadChanged, func(string) { fired++ })

	if err := h.NotifyIncoming("dana"); err == nil {
		t.Fatal("persist failure must surface")
	}
	if h.Count("dana") != 0 {
		t.Fatalf("failed persist must roll the count back, got %d", h.Count("dana"))
	}
	if fired != 0 {
		t.Fatal("failed persist must not fan out")
	}
}

func TestCountsSurviveHubRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unread.enc")
	store := NewFileCountStore(path, "secret")

	h, err := NewHub(store)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	if err := h.NotifyIncoming("dana"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := h.NotifyIncoming("dana"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	h2, err := NewHub(NewFileCountStore(path, "secret"))
	if err != nil {
		t.Fatalf("reopen hub: %v", err)
	}
	if h2.Count("dana") != 2 {
		t.Fatalf("count after restart = %d, want 2", h2.Count("dana"))
	}
	// Active peer and last-seen are volatile by design.
	if _, ok := h2.LastSeenAt("dana"); ok {
		t.Fatal("last-seen must not survive restart")
	}
}
