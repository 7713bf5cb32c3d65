// Package conversations builds the conversation list shown to the user. The
// list is assembled in two phases: first from the local message cache so the
// UI has something immediately, then merged with the server directory once a
// refresh completes.
package conversations

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"campus-chat/go-e2ee/internal/msgstore"
	"campus-chat/go-e2ee/pkg/models"
)

// Directory is the remote side of the merge: conversation summaries and the
// friends roster. internal/relay satisfies it.
type Directory interface {
	Conversations(ctx context.Context) ([]models.ConversationSummary, error)
	Friends(ctx context.Context) ([]models.Friend, error)
}

// UnreadCounter supplies per-peer unread counts. notify.Hub satisfies it.
type UnreadCounter interface {
	Count(peerID string) int
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCacheLoaded
	PhaseRefreshing
	PhaseRefreshed
)

var ErrRefreshInFlight = errors.New("conversation refresh already running")

const fallbackPeerName = "Friend"

// Aggregator owns the merged preview list. Every successful operation ends in
// exactly one publish of the full snapshot to all subscribers.
type Aggregator struct {
	store  *msgstore.Store
	dir    Directory
	unread UnreadCounter
	log    *slog.Logger

	mu       sync.Mutex
	phase    Phase
	previews []models.ConversationPreview
	subs     map[int]func([]models.ConversationPreview)
	nextSub  int
}

func NewAggregator(store *msgstore.Store, dir Directory, unread UnreadCounter, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		store:  store,
		dir:    dir,
		unread: unread,
		log:    log,
		subs:   map[int]func([]models.ConversationPreview){},
	}
}

// Subscribe registers a listener for published snapshots and returns its
// unsubscribe func. Listeners run synchronously on the publishing goroutine.
func (a *Aggregator) Subscribe(fn func([]models.ConversationPreview)) func() {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *Aggregator) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Previews returns a copy of the current snapshot.
func (a *Aggregator) Previews() []models.ConversationPreview {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.ConversationPreview(nil), a.previews...)
}

// LoadFromCache is phase one: previews built purely from locally cached
// threads. Peer names are unknown at this point, so every row carries the
// fallback name until a server refresh fills it in.
func (a *Aggregator) LoadFromCache() error {
	peers, err := a.store.Peers()
	if err != nil {
		return err
	}
	previews := make([]models.ConversationPreview, 0, len(peers))
	for _, peer := range peers {
		row, ok, err := a.cachedRow(peer)
		if err != nil {
			return err
		}
		if ok {
			previews = append(previews, row)
		}
	}
	sortPreviews(previews)

	a.mu.Lock()
	a.previews = previews
	a.phase = PhaseCacheLoaded
	subs := a.snapshotSubsLocked()
	snapshot := append([]models.ConversationPreview(nil), a.previews...)
	a.mu.Unlock()
	publish(subs, snapshot)
	return nil
}

// RefreshFromServer is phase two: the cached rows are merged with the server
// directory and the whole snapshot replaced atomically. On any fetch failure
// the previous snapshot stays published, stale but valid.
func (a *Aggregator) RefreshFromServer(ctx context.Context) error {
	a.mu.Lock()
	if a.phase == PhaseRefreshing {
		a.mu.Unlock()
		return ErrRefreshInFlight
	}
	prev := a.phase
	a.phase = PhaseRefreshing
	a.mu.Unlock()

	revert := func() {
		a.mu.Lock()
		a.phase = prev
		a.mu.Unlock()
	}

	summaries, err := a.dir.Conversations(ctx)
	if err != nil {
		revert()
		return err
	}
	friends, err := a.dir.Friends(ctx)
	if err != nil {
		revert()
		return err
	}

	previews, err := a.merge(summaries, friends)
	if err != nil {
		revert()
		return err
	}

	a.mu.Lock()
	a.previews = previews
	a.phase = PhaseRefreshed
	subs := a.snapshotSubsLocked()
	snapshot := append([]models.ConversationPreview(nil), a.previews...)
	a.mu.Unlock()
	publish(subs, snapshot)
	return nil
}

// ApplyLocalChange recomputes a single peer's row from the local cache and
// unread counter, then republishes. Wired to the notification hub so sends,
// receives and unread clears update the list without a server round trip.
func (a *Aggregator) ApplyLocalChange(peerID string) {
	row, ok, err := a.cachedRow(peerID)
	if err != nil {
		a.log.Warn("conversation row rebuild failed", "peer_user_id", peerID, "error", err)
		return
	}

	a.mu.Lock()
	found := false
	for i := range a.previews {
		if a.previews[i].PeerUserID != peerID {
			continue
		}
		found = true
		if ok {
			// Keep the server-supplied name and mood, refresh the rest.
			row.PeerName = a.previews[i].PeerName
			row.Mood = a.previews[i].Mood
			a.previews[i] = row
		} else {
			a.previews[i].UnreadCount = a.unread.Count(peerID)
		}
	}
	if !found && ok {
		a.previews = append(a.previews, row)
	}
	sortPreviews(a.previews)
	subs := a.snapshotSubsLocked()
	snapshot := append([]models.ConversationPreview(nil), a.previews...)
	a.mu.Unlock()
	publish(subs, snapshot)
}

// cachedRow builds one preview row from the local thread cache alone.
func (a *Aggregator) cachedRow(peerID string) (models.ConversationPreview, bool, error) {
	last, ok, err := a.store.LastMessage(peerID)
	if err != nil || !ok {
		return models.ConversationPreview{}, false, err
	}
	row := models.ConversationPreview{
		PeerUserID:  peerID,
		PeerName:    fallbackPeerName,
		LastAt:      last.CreatedAt,
		UnreadCount: a.unread.Count(peerID),
	}
	if !last.Corrupted {
		row.LastText = string(last.Body)
	}
	return row, true, nil
}

// merge unions server summaries, the friends roster and the local cache.
// Precedence: the server wins on name and mood; the cache wins on last-message
// text and timestamp whenever a cached thread exists; unread counts come only
// from the counter.
func (a *Aggregator) merge(summaries []models.ConversationSummary, friends []models.Friend) ([]models.ConversationPreview, error) {
	names := make(map[string]models.Friend, len(friends))
	for _, f := range friends {
		names[f.UserID] = f
	}

	rows := map[string]models.ConversationPreview{}
	for _, s := range summaries {
		row := models.ConversationPreview{
			PeerUserID:  s.PeerUserID,
			PeerName:    fallbackPeerName,
			Mood:        s.Mood,
			UnreadCount: a.unread.Count(s.PeerUserID),
		}
		if s.LastMessage != nil {
			row.LastAt = s.LastMessage.CreatedAt
		}
		rows[s.PeerUserID] = row
	}

	peers, err := a.store.Peers()
	if err != nil {
		return nil, err
	}
	for _, peer := range peers {
		cached, ok, err := a.cachedRow(peer)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if row, seen := rows[peer]; seen {
			row.LastText = cached.LastText
			row.LastAt = cached.LastAt
			row.UnreadCount = cached.UnreadCount
			rows[peer] = row
		} else {
			rows[peer] = cached
		}
	}

	for id, row := range rows {
		if f, ok := names[id]; ok {
			if f.Name != "" {
				row.PeerName = f.Name
			}
			if f.Mood != "" {
				row.Mood = f.Mood
			}
			rows[id] = row
		}
	}

	out := make([]models.ConversationPreview, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sortPreviews(out)
	return out, nil
}

func (a *Aggregator) snapshotSubsLocked() []func([]models.ConversationPreview) {
	ids := make([]int, 0, len(a.subs))
	for id := range a.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func([]models.ConversationPreview), 0, len(ids))
	for _, id := range ids {
		out = append(out, a.subs[id])
	}
	return out
}

func publish(subs []func([]models.ConversationPreview), snapshot []models.ConversationPreview) {
	for _, fn := range subs {
		fn(snapshot)
	}
}

func sortPreviews(rows []models.ConversationPreview) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].LastAt.Equal(rows[j].LastAt) {
			return rows[i].LastAt.After(rows[j].LastAt)
		}
		return rows[i].PeerUserID < rows[j].PeerUserID
	})
}
