package agent

import (
	"context"
	"sync"
	"testing"

	"campus-chat/go-e2ee/internal/conversations"
	"campus-chat/go-e2ee/internal/keystore"
	"campus-chat/go-e2ee/internal/msgstore"
	"campus-chat/go-e2ee/internal/notify"
	"campus-chat/go-e2ee/internal/platform/ratelimiter"
	"campus-chat/go-e2ee/internal/provision"
	"campus-chat/go-e2ee/internal/session"
	"campus-chat/go-e2ee/pkg/models"
)

// fakeRelay is an in-memory stand-in for the relay service shared by every
// agent in a test. Bundles hand out at most one one-time prekey per fetch,
// like the real directory.
type fakeRelay struct {
	mu      sync.Mutex
	bundles map[string][]models.DeviceBundle
	oneTime map[string][]models.PreKeyEnvelope
	queues  map[string][]models.InboundMessage
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		bundles: map[string][]models.DeviceBundle{},
		oneTime: map[string][]models.PreKeyEnvelope{},
		queues:  map[string][]models.InboundMessage{},
	}
}

// userRelay scopes the shared relay to one authenticated user, the way the
// HTTP client carries the session of whoever is logged in.
type userRelay struct {
	*fakeRelay
	userID string
}

func (r *userRelay) RegisterDevice(_ context.Context, req models.RegisterDeviceRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bundle := models.DeviceBundle{
		DeviceID:       req.DeviceID,
		RegistrationID: req.RegistrationID,
		IdentityKey:    req.IdentityPub,
		SignedPreKey: models.SignedPreKeyEnvelope{
			KeyID:     req.SignedPreKeyID,
			PublicKey: req.SignedPreKeyPub,
			Signature: req.SignedPreKeySig,
		},
	}
	devices := r.bundles[r.userID]
	replaced := false
	for i := range devices {
		if devices[i].DeviceID == req.DeviceID {
			devices[i] = bundle
			replaced = true
		}
	}
	if !replaced {
		devices = append(devices, bundle)
	}
	r.bundles[r.userID] = devices
	// Registration replaces the device's advertised pool wholesale.
	r.oneTime[req.DeviceID] = append([]models.PreKeyEnvelope(nil), req.OneTimePreKeys...)
	return nil
}

func (r *userRelay) TopUpPreKeys(_ context.Context, req models.RegisterDeviceRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oneTime[req.DeviceID] = append(r.oneTime[req.DeviceID], req.OneTimePreKeys...)
	return nil
}

func (r *userRelay) FetchDevices(_ context.Context, userID string) ([]models.DeviceBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DeviceBundle, 0, len(r.bundles[userID]))
	for _, bundle := range r.bundles[userID] {
		b := bundle
		if pool := r.oneTime[b.DeviceID]; len(pool) > 0 {
			opk := pool[0]
			r.oneTime[b.DeviceID] = pool[1:]
			b.OneTimePreKey = &opk
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *userRelay) SendMessage(_ context.Context, msg models.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[msg.ToDeviceID] = append(r.queues[msg.ToDeviceID], models.InboundMessage{
		FromUserID:   r.userID,
		FromDeviceID: msg.FromDeviceID,
		Header:       msg.Header,
		Ciphertext:   msg.Ciphertext,
	})
	return nil
}

func (r *userRelay) FetchMessages(_ context.Context, deviceID string) ([]models.InboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.queues[deviceID]
	r.queues[deviceID] = nil
	return pending, nil
}

func (r *userRelay) Conversations(context.Context) ([]models.ConversationSummary, error) {
	return nil, nil
}

func (r *userRelay) Friends(context.Context) ([]models.Friend, error) {
	return nil, nil
}

func newTestAgent(t *testing.T, relay *fakeRelay, userID, deviceID string) *Agent {
	t.Helper()
	ur := &userRelay{fakeRelay: relay, userID: userID}
	keys := keystore.NewDeviceStore(keystore.NewMemoryKV(), userID, deviceID)
	store, err := msgstore.Open(msgstore.NewMemoryBulkKV(), keys)
	if err != nil {
		t.Fatalf("open msgstore: %v", err)
	}
	hub, err := notify.NewHub(nil)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	agg := conversations.NewAggregator(store, ur, hub, nil)
	return New(Deps{
		AccountID:   userID,
		DeviceID:    deviceID,
		Sessions:    session.NewManager(keys, nil, nil),
		Store:       store,
		Hub:         hub,
		Aggregator:  agg,
		Provisioner: provision.New(keys, ur, nil),
		Relay:       ur,
	})
}

func TestTwoAgentsExchangeMessages(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestAgent(t, relay, "alice", "deva1f4a9")
	bob := newTestAgent(t, relay, "bob", "devb2c8e1")

	if err := alice.Bootstrap(ctx); err != nil {
		t.Fatalf("alice bootstrap: %v", err)
	}
	if err := bob.Bootstrap(ctx); err != nil {
		t.Fatalf("bob bootstrap: %v", err)
	}

	sent, err := alice.SendText(ctx, "bob", "hey, library at 10?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Status != models.MessageStatusSent {
		t.Fatalf("status %q", sent.Status)
	}

	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob sync: %v", err)
	}
	thread, err := bob.Thread("alice")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 1 {
		t.Fatalf("bob thread has %d messages", len(thread))
	}
	got := thread[0]
	if string(got.Body) != "hey, library at 10?" {
		t.Fatalf("plaintext %q", got.Body)
	}
	if got.Status != models.MessageStatusReceived || got.Corrupted {
		t.Fatalf("unexpected record %+v", got)
	}

	// Reply travels over the now-established session in the other direction.
	if _, err := bob.SendText(ctx, "alice", "see you there"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := alice.Sync(ctx); err != nil {
		t.Fatalf("alice sync: %v", err)
	}
	thread, err = alice.Thread("bob")
	if err != nil {
		t.Fatalf("alice thread: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("alice thread has %d messages", len(thread))
	}
	if string(thread[1].Body) != "see you there" {
		t.Fatalf("reply plaintext %q", thread[1].Body)
	}
}

func TestReceiveRaisesUnreadAndConversationRow(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestAgent(t, relay, "alice", "deva1f4a9")
	bob := newTestAgent(t, relay, "bob", "devb2c8e1")
	if err := alice.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bob.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := alice.SendText(ctx, "bob", "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if count := bob.hub.Count("alice"); count != 1 {
		t.Fatalf("unread = %d, want 1", count)
	}
	rows := bob.agg.Previews()
	if len(rows) != 1 || rows[0].PeerUserID != "alice" || rows[0].UnreadCount != 1 {
		t.Fatalf("conversation rows %+v", rows)
	}
	if rows[0].LastText != "ping" {
		t.Fatalf("lastText %q", rows[0].LastText)
	}

	if err := bob.OpenConversation("alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if count := bob.hub.Count("alice"); count != 0 {
		t.Fatalf("unread after open = %d", count)
	}

	// With the conversation on screen, a new message does not raise unread.
	if _, err := alice.SendText(ctx, "bob", "ping 2"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if count := bob.hub.Count("alice"); count != 0 {
		t.Fatalf("active peer suppression failed, unread = %d", count)
	}
	rows = bob.agg.Previews()
	if rows[0].LastText != "ping 2" {
		t.Fatalf("row not refreshed for active peer, lastText %q", rows[0].LastText)
	}
}

func TestSendRateLimitPerPeer(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestAgent(t, relay, "alice", "deva1f4a9")
	bob := newTestAgent(t, relay, "bob", "devb2c8e1")
	if err := alice.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bob.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	alice.sendCap = ratelimiter.New(0.1, 1, 0)

	if _, err := alice.SendText(ctx, "bob", "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := alice.SendText(ctx, "bob", "second"); err != ErrSendRateLimited {
		t.Fatalf("err = %v, want ErrSendRateLimited", err)
	}
}

func TestSendToUnknownUserFails(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestAgent(t, relay, "alice", "deva1f4a9")
	if err := alice.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.SendText(ctx, "nobody", "hello?"); err != ErrNoRecipientDevices {
		t.Fatalf("err = %v, want ErrNoRecipientDevices", err)
	}
}

func TestSendFansOutToAllRecipientDevices(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestAgent(t, relay, "alice", "deva1f4a9")
	bobPhone := newTestAgent(t, relay, "bob", "devb2c8e1")
	bobLaptop := newTestAgent(t, relay, "bob", "devb9d7f3")
	for _, a := range []*Agent{alice, bobPhone, bobLaptop} {
		if err := a.Bootstrap(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := alice.SendText(ctx, "bob", "multi-device"); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, b := range []*Agent{bobPhone, bobLaptop} {
		if err := b.Sync(ctx); err != nil {
			t.Fatalf("sync: %v", err)
		}
		thread, err := b.Thread("alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(thread) != 1 || string(thread[0].Body) != "multi-device" {
			t.Fatalf("device %s thread %+v", b.deviceID, thread)
		}
	}
}
