package session

import (
	"bytes"
	"errors"
	"fmt"

	"campus-chat/go-e2ee/internal/keystore"
)

var (
	ErrUntrustedIdentity = errors.New("untrusted identity")
	ErrIdentityChanged   = errors.New("identity key changed")
)

// IdentityChangedError reports a TOFU or pin mismatch with both fingerprints
// so the application layer can prompt the user.
type IdentityChangedError struct {
	PeerUserID     string
	PeerDeviceID   string
	OldFingerprint string
	NewFingerprint string
}

func (e *IdentityChangedError) Error() string {
	return fmt.Sprintf("identity key changed for %s/%s: %s -> %s",
		e.PeerUserID, e.PeerDeviceID, e.OldFingerprint, e.NewFingerprint)
}

func (e *IdentityChangedError) Unwrap() error { return ErrIdentityChanged }

// TrustPolicy decides whether a remote identity key may be used for a given
// peer device. A non-nil error aborts session establishment or decrypt
// before any state is created.
type TrustPolicy interface {
	Check(peerUserID, peerDeviceID string, identityKey []byte) error
}

// TrustOnFirstUse records the first identity key seen per peer device and
// rejects any later change. The default policy.
type TrustOnFirstUse struct {
	Keys *keystore.DeviceStore
}

func (p TrustOnFirstUse) Check(peerUserID, peerDeviceID string, identityKey []byte) error {
	known, ok, err := p.Keys.TrustedIdentity(peerUserID, peerDeviceID)
	if err != nil {
		return err
	}
	if !ok {
		return p.Keys.StoreTrustedIdentity(peerUserID, peerDeviceID, identityKey)
	}
	if bytes.Equal(known, identityKey) {
		return nil
	}
	return &IdentityChangedError{
		PeerUserID:     peerUserID,
		PeerDeviceID:   peerDeviceID,
		OldFingerprint: Fingerprint(known),
		NewFingerprint: Fingerprint(identityKey),
	}
}

// Pinned only accepts identity keys provisioned out of band, keyed by
// "peerUserId/peerDeviceId".
type Pinned struct {
	Keys map[string][]byte
}

func (p Pinned) Check(peerUserID, peerDeviceID string, identityKey []byte) error {
	pinned, ok := p.Keys[peerUserID+"/"+peerDeviceID]
	if !ok {
		return fmt.Errorf("%w: no pin for %s/%s", ErrUntrustedIdentity, peerUserID, peerDeviceID)
	}
	if bytes.Equal(pinned, identityKey) {
		return nil
	}
	return &IdentityChangedError{
		PeerUserID:     peerUserID,
		PeerDeviceID:   peerDeviceID,
		OldFingerprint: Fingerprint(pinned),
		NewFingerprint: Fingerprint(identityKey),
	}
}

// AlwaysTrust accepts every key. Matches the behavior of the original
// always-true stub; kept for tests and controlled environments only.
type AlwaysTrust struct{}

func (AlwaysTrust) Check(string, string, []byte) error { return nil }
