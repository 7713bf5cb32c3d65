package session

import (
	"encoding/json"
	"fmt"
)

// handshakePayload travels inside every prekey-type message until the
// initiator has heard back, so the responder can establish the session
// offline-first.
type handshakePayload struct {
	RegistrationID uint32 `json:"registrationId"`
	IdentityKey    []byte `json:"identityPub"`
	EphemeralKey   []byte `json:"ephemeralPub"`
	SignedPreKeyID uint32 `json:"signedPrekeyId"`
	OneTimeKeyID   uint32 `json:"oneTimePrekeyId,omitempty"`
}

type preKeyPayload struct {
	Handshake handshakePayload `json:"handshake"`
	Message   ratchetEnvelope  `json:"msg"`
}

// sessionState is the full per-peer-device state. It round-trips through the
// keystore as an opaque string blob; the store never needs to know its shape.
type sessionState struct {
	ratchetState
	PeerUserID      string            `json:"peer_user_id"`
	PeerDeviceID    string            `json:"peer_device_id"`
	PeerIdentityKey []byte            `json:"peer_identity_key"`
	Handshake       *handshakePayload `json:"handshake,omitempty"`
}

func (st sessionState) serialize() (string, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("serialize session state: %w", err)
	}
	return string(raw), nil
}

func restoreSessionState(blob string) (sessionState, error) {
	var st sessionState
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return sessionState{}, fmt.Errorf("restore session state: %w", err)
	}
	if st.SkippedKeys == nil {
		st.SkippedKeys = map[uint64][]byte{}
	}
	return st, nil
}
