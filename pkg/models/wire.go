package models

import "time"

// RegisterDeviceRequest is the body for POST /e2ee/devices/register and,
// with only the prekey fields set, for POST /e2ee/devices/prekeys.
type RegisterDeviceRequest struct {
	DeviceID        string           `json:"deviceId"`
	RegistrationID  uint32           `json:"registrationId,omitempty"`
	IdentityPub     []byte           `json:"identityPub,omitempty"`
	SignedPreKeyPub []byte           `json:"signedPrekeyPub,omitempty"`
	SignedPreKeySig []byte           `json:"signedPrekeySig,omitempty"`
	SignedPreKeyID  uint32           `json:"signedPrekeyId,omitempty"`
	OneTimePreKeys  []PreKeyEnvelope `json:"oneTimePrekeys,omitempty"`
}

// DeviceDirectoryResponse is the body of GET /e2ee/devices/{userId}.
type DeviceDirectoryResponse struct {
	Devices []DeviceBundle `json:"devices"`
}

// OutboundMessage is the body for POST /e2ee/messages.
type OutboundMessage struct {
	ToUserID     string     `json:"toUserId"`
	ToDeviceID   string     `json:"toDeviceId"`
	FromDeviceID string     `json:"fromDeviceId"`
	SessionID    string     `json:"sessionId,omitempty"`
	Header       WireHeader `json:"header"`
	Ciphertext   []byte     `json:"ciphertext"`
}

// InboundMessage is one pending ciphertext from GET /e2ee/messages.
type InboundMessage struct {
	FromUserID   string     `json:"fromUserId"`
	FromDeviceID string     `json:"fromDeviceId"`
	Header       WireHeader `json:"header"`
	Ciphertext   []byte     `json:"ciphertext"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type WireHeader struct {
	T string `json:"t"`
}

// ConversationSummary is one per-peer row from GET /e2ee/conversations.
type ConversationSummary struct {
	PeerUserID  string          `json:"_id"`
	Mood        string          `json:"mood,omitempty"`
	LastMessage *SummaryMessage `json:"lastMessage,omitempty"`
}

type SummaryMessage struct {
	CreatedAt time.Time `json:"createdAt"`
}

// Friend is one row of the friends directory used to resolve display names.
type Friend struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Mood   string `json:"mood,omitempty"`
}
