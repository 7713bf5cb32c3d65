package conversations

import (
	"context"
	"errors"
	"testing"
	"time"

	"campus-chat/go-e2ee/internal/keystore"
	"campus-chat/go-e2ee/internal/msgstore"
	"campus-chat/go-e2ee/pkg/models"
)

type fakeDirectory struct {
	summaries []models.ConversationSummary
	friends   []models.Friend
	err       error
}

func (d *fakeDirectory) Conversations(context.Context) ([]models.ConversationSummary, error) {
	return d.summaries, d.err
}

func (d *fakeDirectory) Friends(context.Context) ([]models.Friend, error) {
	return d.friends, d.err
}

type stubCounter map[string]int

func (c stubCounter) Count(peerID string) int { return c[peerID] }

func testStore(t *testing.T) *msgstore.Store {
	t.Helper()
	keys := keystore.NewDeviceStore(keystore.NewMemoryKV(), "acct", "dev")
	store, err := msgstore.Open(msgstore.NewMemoryBulkKV(), keys)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestColdStartTwoPhases(t *testing.T) {
	lastAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	dir := &fakeDirectory{
		summaries: []models.ConversationSummary{
			{PeerUserID: "dana-id", LastMessage: &models.SummaryMessage{CreatedAt: lastAt}},
		},
	}
	agg := NewAggregator(testStore(t), dir, stubCounter{}, nil)

	var published [][]models.ConversationPreview
	agg.Subscribe(func(rows []models.ConversationPreview) {
		published = append(published, rows)
	})

	if err := agg.LoadFromCache(); err != nil {
		t.Fatalf("load cache: %v", err)
	}
	if agg.Phase() != PhaseCacheLoaded {
		t.Fatalf("phase = %v, want CacheLoaded", agg.Phase())
	}
	if len(published) != 1 || len(published[0]) != 0 {
		t.Fatalf("phase one should publish an empty list, got %+v", published)
	}

	if err := agg.RefreshFromServer(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if agg.Phase() != PhaseRefreshed {
		t.Fatalf("phase = %v, want Refreshed", agg.Phase())
	}
	if len(published) != 2 {
		t.Fatalf("want exactly one publish per phase, got %d", len(published))
	}
	rows := published[1]
	if len(rows) != 1 {
		t.Fatalf("want one row, got %+v", rows)
	}
	row := rows[0]
	if row.PeerUserID != "dana-id" || row.PeerName != "Friend" || !row.LastAt.Equal(lastAt) || row.UnreadCount != 0 {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestMergePrecedence(t *testing.T) {
	store := testStore(t)
	cachedAt := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	err := store.Upsert(models.StoredMessage{
		ID:         msgstore.LocalMessageID(),
		PeerUserID: "dana-id",
		CreatedAt:  cachedAt,
		FromUserID: "dana-id",
		Body:       []byte("see you at the library"),
		Status:     models.MessageStatusReceived,
	})
	if err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	dir := &fakeDirectory{
		summaries: []models.ConversationSummary{
			{
				PeerUserID:  "dana-id",
				Mood:        "server-mood",
				LastMessage: &models.SummaryMessage{CreatedAt: cachedAt.Add(-time.Hour)},
			},
		},
		friends: []models.Friend{{UserID: "dana-id", Name: "Dana", Mood: "studying"}},
	}
	agg := NewAggregator(store, dir, stubCounter{"dana-id": 3}, nil)

	if err := agg.RefreshFromServer(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rows := agg.Previews()
	if len(rows) != 1 {
		t.Fatalf("want one row, got %+v", rows)
	}
	row := rows[0]
	if row.PeerName != "Dana" {
		t.Errorf("friends roster should name the peer, got %q", row.PeerName)
	}
	if row.Mood != "studying" {
		t.Errorf("friends mood should win, got %q", row.Mood)
	}
	if !row.LastAt.Equal(cachedAt) {
		t.Errorf("cached lastAt should win over server timestamp, got %v", row.LastAt)
	}
	if row.LastText != "see you at the library" {
		t.Errorf("cached text should be shown, got %q", row.LastText)
	}
	if row.UnreadCount != 3 {
		t.Errorf("unread must come from the counter, got %d", row.UnreadCount)
	}
}

func TestRefreshFailureKeepsStaleSnapshot(t *testing.T) {
	store := testStore(t)
	if err := store.Upsert(models.StoredMessage{
		ID:         msgstore.LocalMessageID(),
		PeerUserID: "dana-id",
		CreatedAt:  time.Now().UTC(),
		Body:       []byte("hi"),
		Status:     models.MessageStatusSent,
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	dir := &fakeDirectory{err: errors.New("network down")}
	agg := NewAggregator(store, dir, stubCounter{}, nil)

	var publishes int
	agg.Subscribe(func([]models.ConversationPreview) { publishes++ })

	if err := agg.LoadFromCache(); err != nil {
		t.Fatalf("load cache: %v", err)
	}
	before := agg.Previews()

	if err := agg.RefreshFromServer(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if agg.Phase() != PhaseCacheLoaded {
		t.Fatalf("phase should revert on failure, got %v", agg.Phase())
	}
	after := agg.Previews()
	if len(after) != len(before) || len(after) != 1 || after[0].PeerUserID != "dana-id" {
		t.Fatalf("stale snapshot should survive a failed refresh, got %+v", after)
	}
	if publishes != 1 {
		t.Fatalf("failed refresh must not publish, saw %d publishes", publishes)
	}
}

func TestApplyLocalChange(t *testing.T) {
	store := testStore(t)
	dir := &fakeDirectory{
		summaries: []models.ConversationSummary{{PeerUserID: "dana-id"}},
		friends:   []models.Friend{{UserID: "dana-id", Name: "Dana"}},
	}
	counter := stubCounter{}
	agg := NewAggregator(store, dir, counter, nil)
	if err := agg.RefreshFromServer(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	at := time.Now().UTC()
	if err := store.Upsert(models.StoredMessage{
		ID:         msgstore.LocalMessageID(),
		PeerUserID: "dana-id",
		CreatedAt:  at,
		FromUserID: "dana-id",
		Body:       []byte("new message"),
		Status:     models.MessageStatusReceived,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	counter["dana-id"] = 1

	var last []models.ConversationPreview
	agg.Subscribe(func(rows []models.ConversationPreview) { last = rows })
	agg.ApplyLocalChange("dana-id")

	if len(last) != 1 {
		t.Fatalf("want one row, got %+v", last)
	}
	row := last[0]
	if row.PeerName != "Dana" {
		t.Errorf("server name should survive a local update, got %q", row.PeerName)
	}
	if row.LastText != "new message" || !row.LastAt.Equal(at) || row.UnreadCount != 1 {
		t.Errorf("row not rebuilt from cache and counter: %+v", row)
	}

	// A peer the server never mentioned still shows up after a local message.
	if err := store.Upsert(models.StoredMessage{
		ID:         msgstore.LocalMessageID(),
		PeerUserID: "eli-id",
		CreatedAt:  at.Add(time.Minute),
		Body:       []byte("hello"),
		Status:     models.MessageStatusSent,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	agg.ApplyLocalChange("eli-id")
	if len(last) != 2 || last[0].PeerUserID != "eli-id" {
		t.Fatalf("new peer should lead the list, got %+v", last)
	}
}
