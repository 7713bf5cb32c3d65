package models

import (
	"errors"
	"time"
)

const (
	// Wire discriminator for a message that still embeds the X3DH handshake.
	WireTypePreKey = "prekey"
	// Wire discriminator for a pure ratchet message over an existing session.
	WireTypeMessage = "message"
)

const (
	MessageStatusSent     = "sent"
	MessageStatusReceived = "received"
)

const (
	IdentityKeySize  = 64 // ed25519 signing public (32) || x25519 agreement public (32)
	AgreementKeySize = 32
)

var (
	ErrInvalidBundle  = errors.New("invalid device bundle")
	ErrInvalidWireMsg = errors.New("invalid wire message")
)

// PreKeyEnvelope is the public half of a one-time prekey as published to the
// directory.
type PreKeyEnvelope struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"pubKey"`
}

// SignedPreKeyEnvelope is the public half of the signed prekey plus its
// detached signature under the device's identity signing key.
type SignedPreKeyEnvelope struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"pubKey"`
	Signature []byte `json:"signature"`
}

// DeviceBundle is a peer device's published key material. A bundle fetched
// from the directory is validated once at the deserialization boundary and
// treated as well-formed everywhere else.
type DeviceBundle struct {
	DeviceID       string               `json:"deviceId"`
	RegistrationID uint32               `json:"registrationId"`
	IdentityKey    []byte               `json:"identityPub"`
	SignedPreKey   SignedPreKeyEnvelope `json:"signedPrekey"`
	OneTimePreKey  *PreKeyEnvelope      `json:"oneTimePrekey,omitempty"`
}

func (b DeviceBundle) Validate() error {
	if b.DeviceID == "" || b.RegistrationID == 0 {
		return ErrInvalidBundle
	}
	if len(b.IdentityKey) != IdentityKeySize {
		return ErrInvalidBundle
	}
	if b.SignedPreKey.KeyID == 0 ||
		len(b.SignedPreKey.PublicKey) != AgreementKeySize ||
		len(b.SignedPreKey.Signature) == 0 {
		return ErrInvalidBundle
	}
	if b.OneTimePreKey != nil &&
		(b.OneTimePreKey.KeyID == 0 || len(b.OneTimePreKey.PublicKey) != AgreementKeySize) {
		return ErrInvalidBundle
	}
	return nil
}

// WireMessage is the transport payload produced by Encrypt and consumed by
// Decrypt. Ciphertext is opaque; the relay only sees the type discriminator.
type WireMessage struct {
	Type       string `json:"t"`
	Ciphertext []byte `json:"ciphertext"`
}

func (m WireMessage) Validate() error {
	if m.Type != WireTypePreKey && m.Type != WireTypeMessage {
		return ErrInvalidWireMsg
	}
	if len(m.Ciphertext) == 0 {
		return ErrInvalidWireMsg
	}
	return nil
}

// StoredMessage is one locally cached thread record after decryption.
// Corrupted marks a record whose local ciphertext failed authentication; the
// body is empty and the rest of the thread is unaffected.
type StoredMessage struct {
	ID           string    `json:"id"`
	PeerUserID   string    `json:"peerUserId"`
	CreatedAt    time.Time `json:"createdAt"`
	FromUserID   string    `json:"fromUserId"`
	FromDeviceID string    `json:"fromDeviceId"`
	ToDeviceID   string    `json:"toDeviceId"`
	Body         []byte    `json:"body,omitempty"`
	Status       string    `json:"status"`
	Corrupted    bool      `json:"corrupted,omitempty"`
}

// ConversationPreview is a derived, non-persistent chat-list row.
type ConversationPreview struct {
	PeerUserID  string    `json:"peerUserId"`
	PeerName    string    `json:"peerName"`
	Mood        string    `json:"mood,omitempty"`
	LastText    string    `json:"lastText,omitempty"`
	LastAt      time.Time `json:"lastAt"`
	UnreadCount int       `json:"unreadCount"`
}
