// Package agent ties the device together: provisioning, the inbound sync
// loop, outbound sends and the conversation list. It owns no crypto or
// storage of its own; it sequences the packages that do.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"campus-chat/go-e2ee/internal/conversations"
	"campus-chat/go-e2ee/internal/msgstore"
	"campus-chat/go-e2ee/internal/notify"
	"campus-chat/go-e2ee/internal/platform/metrics"
	"campus-chat/go-e2ee/internal/platform/ratelimiter"
	"campus-chat/go-e2ee/internal/provision"
	"campus-chat/go-e2ee/internal/session"
	"campus-chat/go-e2ee/pkg/models"
)

// Relay is the slice of the relay client the agent needs. internal/relay
// satisfies it; tests swap in an in-memory fake.
type Relay interface {
	FetchDevices(ctx context.Context, userID string) ([]models.DeviceBundle, error)
	SendMessage(ctx context.Context, msg models.OutboundMessage) error
	FetchMessages(ctx context.Context, deviceID string) ([]models.InboundMessage, error)
}

var (
	ErrNoRecipientDevices = errors.New("recipient has no registered devices")
	ErrSendRateLimited    = errors.New("sending to this peer too fast")
)

type Agent struct {
	accountID string
	deviceID  string

	sessions *session.Manager
	store    *msgstore.Store
	hub      *notify.Hub
	agg      *conversations.Aggregator
	prov     *provision.Provisioner
	relay    Relay
	metrics  *metrics.Metrics
	sendCap  *ratelimiter.KeyedLimiter
	log      *slog.Logger
	now      func() time.Time
}

type Deps struct {
	AccountID   string
	DeviceID    string
	Sessions    *session.Manager
	Store       *msgstore.Store
	Hub         *notify.Hub
	Aggregator  *conversations.Aggregator
	Provisioner *provision.Provisioner
	Relay       Relay
	Metrics     *metrics.Metrics
	SendLimit   *ratelimiter.KeyedLimiter
	Log         *slog.Logger
}

func New(d Deps) *Agent {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	return &Agent{
		accountID: d.AccountID,
		deviceID:  d.DeviceID,
		sessions:  d.Sessions,
		store:     d.Store,
		hub:       d.Hub,
		agg:       d.Aggregator,
		prov:      d.Provisioner,
		relay:     d.Relay,
		metrics:   d.Metrics,
		sendCap:   d.SendLimit,
		log:       d.Log,
		now:       time.Now,
	}
}

// Bootstrap provisions the device and brings up the conversation list in its
// two phases. A failed server refresh is logged, not fatal: the cached phase
// already published.
func (a *Agent) Bootstrap(ctx context.Context) error {
	if err := a.prov.EnsureDeviceKeys(ctx); err != nil {
		a.metrics.ProvisionRuns.WithLabelValues("error").Inc()
		return err
	}
	a.metrics.ProvisionRuns.WithLabelValues("ok").Inc()

	if err := a.agg.LoadFromCache(); err != nil {
		return err
	}
	if err := a.agg.RefreshFromServer(ctx); err != nil {
		a.metrics.ConversationSync.WithLabelValues("error").Inc()
		a.log.Warn("conversation refresh failed, serving cached list", "error", err)
	} else {
		a.metrics.ConversationSync.WithLabelValues("ok").Inc()
	}
	return nil
}

// Run drives the periodic loops until the context is cancelled.
func (a *Agent) Run(ctx context.Context, syncEvery, topUpEvery time.Duration) error {
	syncTick := time.NewTicker(syncEvery)
	defer syncTick.Stop()
	topUpTick := time.NewTicker(topUpEvery)
	defer topUpTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-syncTick.C:
			if err := a.Sync(ctx); err != nil {
				a.log.Warn("sync failed", "error", err)
			}
		case <-topUpTick.C:
			if err := a.prov.TopUpPreKeys(ctx); err != nil {
				a.log.Warn("prekey top-up failed", "error", err)
			}
		}
	}
}

// SendText encrypts one message for every registered device of the recipient
// and records it locally once. Per-device sends that fail are logged and
// skipped; the send succeeds if at least one device accepted it.
func (a *Agent) SendText(ctx context.Context, toUserID, text string) (models.StoredMessage, error) {
	if !a.sendCap.Allow(toUserID, a.now()) {
		return models.StoredMessage{}, ErrSendRateLimited
	}
	devices, err := a.relay.FetchDevices(ctx, toUserID)
	if err != nil {
		return models.StoredMessage{}, err
	}
	if len(devices) == 0 {
		return models.StoredMessage{}, ErrNoRecipientDevices
	}

	delivered := 0
	for _, dev := range devices {
		if err := a.sendToDevice(ctx, toUserID, dev, []byte(text)); err != nil {
			a.log.Warn("send to device failed",
				"peer_user_id", toUserID, "peer_device_id", dev.DeviceID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return models.StoredMessage{}, errors.New("message not delivered to any device")
	}

	msg := models.StoredMessage{
		ID:         msgstore.LocalMessageID(),
		PeerUserID: toUserID,
		CreatedAt:  a.now().UTC(),
		FromUserID: a.accountID,
		Body:       []byte(text),
		Status:     models.MessageStatusSent,
	}
	if err := a.store.Upsert(msg); err != nil {
		return models.StoredMessage{}, err
	}
	a.agg.ApplyLocalChange(toUserID)
	return msg, nil
}

func (a *Agent) sendToDevice(ctx context.Context, toUserID string, dev models.DeviceBundle, plaintext []byte) error {
	had, err := a.sessions.HasSession(toUserID, dev.DeviceID)
	if err != nil {
		return err
	}
	if err := a.sessions.EnsureSession(toUserID, dev.DeviceID, dev); err != nil {
		return err
	}
	if !had {
		a.metrics.SessionsEstablished.Inc()
	}
	wire, err := a.sessions.Encrypt(toUserID, dev.DeviceID, plaintext)
	if err != nil {
		return err
	}
	a.metrics.MessagesEncrypted.Inc()
	sessionID, _, err := a.sessions.SessionID(toUserID, dev.DeviceID)
	if err != nil {
		return err
	}
	return a.relay.SendMessage(ctx, models.OutboundMessage{
		ToUserID:     toUserID,
		ToDeviceID:   dev.DeviceID,
		FromDeviceID: a.deviceID,
		SessionID:    sessionID,
		Header:       models.WireHeader{T: wire.Type},
		Ciphertext:   wire.Ciphertext,
	})
}

// Sync drains pending ciphertexts for this device. A message that fails to
// decrypt is counted and skipped; the rest of the batch still lands.
func (a *Agent) Sync(ctx context.Context) error {
	pending, err := a.relay.FetchMessages(ctx, a.deviceID)
	if err != nil {
		return err
	}
	for _, in := range pending {
		if err := a.receive(in); err != nil {
			a.metrics.DecryptFailures.Inc()
			a.log.Warn("inbound message dropped",
				"peer_user_id", in.FromUserID, "peer_device_id", in.FromDeviceID, "error", err)
		}
	}
	return nil
}

func (a *Agent) receive(in models.InboundMessage) error {
	had, err := a.sessions.HasSession(in.FromUserID, in.FromDeviceID)
	if err != nil {
		return err
	}
	plaintext, err := a.sessions.Decrypt(in.FromUserID, in.FromDeviceID, models.WireMessage{
		Type:       in.Header.T,
		Ciphertext: in.Ciphertext,
	})
	if err != nil {
		return err
	}
	a.metrics.MessagesDecrypted.Inc()
	if !had {
		a.metrics.SessionsEstablished.Inc()
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = a.now().UTC()
	}
	msg := models.StoredMessage{
		ID:           msgstore.LocalMessageID(),
		PeerUserID:   in.FromUserID,
		CreatedAt:    createdAt,
		FromUserID:   in.FromUserID,
		FromDeviceID: in.FromDeviceID,
		ToDeviceID:   a.deviceID,
		Body:         plaintext,
		Status:       models.MessageStatusReceived,
	}
	if err := a.store.Upsert(msg); err != nil {
		return err
	}
	if err := a.hub.NotifyIncoming(in.FromUserID); err != nil {
		a.log.Warn("unread count not persisted", "peer_user_id", in.FromUserID, "error", err)
	}
	a.agg.ApplyLocalChange(in.FromUserID)
	return nil
}

// OpenConversation marks a peer active: unread clears and stays cleared while
// the conversation is on screen.
func (a *Agent) OpenConversation(peerUserID string) error {
	a.hub.SetActivePeer(peerUserID)
	if err := a.hub.ClearUnread(peerUserID); err != nil {
		return err
	}
	a.agg.ApplyLocalChange(peerUserID)
	return nil
}

// CloseConversation drops the active-peer suppression.
func (a *Agent) CloseConversation() {
	a.hub.SetActivePeer("")
}

// Thread returns the locally cached messages for one peer.
func (a *Agent) Thread(peerUserID string) ([]models.StoredMessage, error) {
	return a.store.List(peerUserID)
}
