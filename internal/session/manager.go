package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"campus-chat/go-e2ee/internal/keystore"
	"campus-chat/go-e2ee/pkg/models"
)

var (
	ErrNoIdentity    = errors.New("device identity not provisioned")
	ErrNoSession     = errors.New("no session for peer device")
	ErrBadSignature  = errors.New("signed prekey signature invalid")
	ErrDecryptFailed = errors.New("decrypt failed")
)

// Manager owns per-peer-device ratchet sessions. Callers must serialize
// operations against the same (peerUserId, peerDeviceId); operations against
// different peer devices are independent.
type Manager struct {
	keys  *keystore.DeviceStore
	trust TrustPolicy
	log   *slog.Logger
}

func NewManager(keys *keystore.DeviceStore, trust TrustPolicy, log *slog.Logger) *Manager {
	if trust == nil {
		trust = TrustOnFirstUse{Keys: keys}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{keys: keys, trust: trust, log: log}
}

// HasSession reports whether ratchet state exists for a peer device.
func (m *Manager) HasSession(peerUserID, peerDeviceID string) (bool, error) {
	_, ok, err := m.keys.SessionBlob(peerUserID, peerDeviceID)
	return ok, err
}

// SessionID returns the stable identifier of an established session.
func (m *Manager) SessionID(peerUserID, peerDeviceID string) (string, bool, error) {
	st, ok, err := m.loadState(peerUserID, peerDeviceID)
	if err != nil || !ok {
		return "", ok, err
	}
	return st.SessionID, true, nil
}

// EnsureSession establishes the outgoing session for one peer device from its
// published bundle. It is a no-op when state already exists. On any failure
// no session state is created.
func (m *Manager) EnsureSession(peerUserID, peerDeviceID string, bundle models.DeviceBundle) error {
	exists, err := m.HasSession(peerUserID, peerDeviceID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := bundle.Validate(); err != nil {
		return err
	}
	if !verifySignedPreKey(SigningKeyOf(bundle.IdentityKey), bundle.SignedPreKey.PublicKey, bundle.SignedPreKey.Signature) {
		return ErrBadSignature
	}
	if err := m.trust.Check(peerUserID, peerDeviceID, bundle.IdentityKey); err != nil {
		return err
	}

	identity, err := m.localIdentity()
	if err != nil {
		return err
	}
	ephPriv, ephPub, err := GenerateAgreementKey()
	if err != nil {
		return err
	}

	// Consume the one-time prekey preferentially; without one the session
	// proceeds in the protocol's permitted degraded mode.
	var opkPub []byte
	var opkID uint32
	if bundle.OneTimePreKey != nil {
		opkPub = bundle.OneTimePreKey.PublicKey
		opkID = bundle.OneTimePreKey.KeyID
	}
	secret, err := initiatorSecret(identity.AgreementPrivate, ephPriv, AgreementKeyOf(bundle.IdentityKey), bundle.SignedPreKey.PublicKey, opkPub)
	if err != nil {
		return err
	}

	localNum := models.DeviceNumericID(m.keys.DeviceID())
	peerNum := models.DeviceNumericID(peerDeviceID)
	st := sessionState{
		ratchetState:    newRatchetState(secret, sessionIDFromSecret(secret, localNum, peerNum), roleInitiator),
		PeerUserID:      peerUserID,
		PeerDeviceID:    peerDeviceID,
		PeerIdentityKey: append([]byte(nil), bundle.IdentityKey...),
		Handshake: &handshakePayload{
			RegistrationID: localNum,
			IdentityKey:    identity.PublicKey,
			EphemeralKey:   ephPub,
			SignedPreKeyID: bundle.SignedPreKey.KeyID,
			OneTimeKeyID:   opkID,
		},
	}
	if err := m.saveState(st); err != nil {
		return err
	}
	m.log.Debug("session established", "session_id", st.SessionID, "peer_user_id", peerUserID)
	return nil
}

// Encrypt advances the sending ratchet and wraps the result for transport.
// The type stays "prekey" until the peer has demonstrably received the
// handshake by answering over the session.
func (m *Manager) Encrypt(peerUserID, peerDeviceID string, plaintext []byte) (models.WireMessage, error) {
	st, ok, err := m.loadState(peerUserID, peerDeviceID)
	if err != nil {
		return models.WireMessage{}, err
	}
	if !ok {
		return models.WireMessage{}, ErrNoSession
	}

	env, err := st.seal(plaintext)
	if err != nil {
		return models.WireMessage{}, err
	}

	var out models.WireMessage
	if st.Handshake != nil {
		raw, err := json.Marshal(preKeyPayload{Handshake: *st.Handshake, Message: env})
		if err != nil {
			return models.WireMessage{}, err
		}
		out = models.WireMessage{Type: models.WireTypePreKey, Ciphertext: raw}
	} else {
		raw, err := json.Marshal(env)
		if err != nil {
			return models.WireMessage{}, err
		}
		out = models.WireMessage{Type: models.WireTypeMessage, Ciphertext: raw}
	}
	if err := m.saveState(st); err != nil {
		return models.WireMessage{}, err
	}
	return out, nil
}

// Decrypt opens an inbound wire message. A prekey message may implicitly
// create the session; a ratchet message requires one. Authentication failures
// and missing sessions surface as distinguishable errors and never as
// garbage plaintext.
func (m *Manager) Decrypt(fromUserID, fromDeviceID string, msg models.WireMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if msg.Type == models.WireTypePreKey {
		return m.decryptPreKey(fromUserID, fromDeviceID, msg.Ciphertext)
	}
	return m.decryptRatchet(fromUserID, fromDeviceID, msg.Ciphertext)
}

func (m *Manager) decryptRatchet(fromUserID, fromDeviceID string, raw []byte) ([]byte, error) {
	st, ok, err := m.loadState(fromUserID, fromDeviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	var env ratchetEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryptFailed)
	}
	plaintext, err := st.open(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	// The peer is answering over the session, so any pending handshake has
	// landed; subsequent sends switch to pure ratchet messages.
	st.Handshake = nil
	if err := m.saveState(st); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (m *Manager) decryptPreKey(fromUserID, fromDeviceID string, raw []byte) ([]byte, error) {
	var payload preKeyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed prekey payload", ErrDecryptFailed)
	}

	st, ok, err := m.loadState(fromUserID, fromDeviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		st, err = m.establishFromHandshake(fromUserID, fromDeviceID, payload.Handshake)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := st.open(payload.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if err := m.saveState(st); err != nil {
		return nil, err
	}
	// The one-time prekey is consumed by its first successful use.
	if payload.Handshake.OneTimeKeyID != 0 {
		if err := m.keys.RemovePreKey(payload.Handshake.OneTimeKeyID); err != nil {
			m.log.Warn("failed to remove consumed one-time prekey", "error", err)
		}
	}
	return plaintext, nil
}

func (m *Manager) establishFromHandshake(fromUserID, fromDeviceID string, hs handshakePayload) (sessionState, error) {
	if len(hs.IdentityKey) != models.IdentityKeySize || len(hs.EphemeralKey) != models.AgreementKeySize {
		return sessionState{}, fmt.Errorf("%w: malformed handshake keys", ErrDecryptFailed)
	}
	if err := m.trust.Check(fromUserID, fromDeviceID, hs.IdentityKey); err != nil {
		return sessionState{}, err
	}
	identity, err := m.localIdentity()
	if err != nil {
		return sessionState{}, err
	}
	spk, ok, err := m.keys.SignedPreKeyByID(hs.SignedPreKeyID)
	if err != nil {
		return sessionState{}, err
	}
	if !ok {
		return sessionState{}, fmt.Errorf("%w: unknown signed prekey %d", ErrDecryptFailed, hs.SignedPreKeyID)
	}
	var opkPriv []byte
	if hs.OneTimeKeyID != 0 {
		opk, ok, err := m.keys.PreKey(hs.OneTimeKeyID)
		if err != nil {
			return sessionState{}, err
		}
		if !ok {
			return sessionState{}, fmt.Errorf("%w: one-time prekey %d already consumed", ErrDecryptFailed, hs.OneTimeKeyID)
		}
		opkPriv = opk.PrivateKey
	}

	secret, err := responderSecret(identity.AgreementPrivate, spk.PrivateKey, opkPriv, AgreementKeyOf(hs.IdentityKey), hs.EphemeralKey)
	if err != nil {
		return sessionState{}, err
	}
	localNum := models.DeviceNumericID(m.keys.DeviceID())
	peerNum := models.DeviceNumericID(fromDeviceID)
	return sessionState{
		ratchetState:    newRatchetState(secret, sessionIDFromSecret(secret, localNum, peerNum), roleResponder),
		PeerUserID:      fromUserID,
		PeerDeviceID:    fromDeviceID,
		PeerIdentityKey: append([]byte(nil), hs.IdentityKey...),
	}, nil
}

func (m *Manager) localIdentity() (Identity, error) {
	pair, ok, err := m.keys.Identity()
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return DeriveIdentity(pair.Seed)
}

func (m *Manager) loadState(peerUserID, peerDeviceID string) (sessionState, bool, error) {
	blob, ok, err := m.keys.SessionBlob(peerUserID, peerDeviceID)
	if err != nil || !ok {
		return sessionState{}, false, err
	}
	st, err := restoreSessionState(blob)
	if err != nil {
		return sessionState{}, false, err
	}
	return st, true, nil
}

func (m *Manager) saveState(st sessionState) error {
	blob, err := st.serialize()
	if err != nil {
		return err
	}
	return m.keys.StoreSessionBlob(st.PeerUserID, st.PeerDeviceID, blob)
}
