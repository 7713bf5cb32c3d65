// Package session establishes pairwise cryptographic sessions from published
// device bundles and runs message-level encrypt/decrypt over them.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning   = "campuschat/identity/signing/v1"
	hkdfInfoAgreement = "campuschat/identity/agreement/v1"
)

var ErrInvalidKey = errors.New("invalid key material")

// Identity is the device's long-term keypair, derived from one stored seed:
// an Ed25519 half for signing prekeys and an X25519 half for key agreement.
// PublicKey is the published concatenation signing||agreement.
type Identity struct {
	SigningPrivate   ed25519.PrivateKey
	AgreementPrivate []byte
	PublicKey        []byte
}

func GenerateIdentitySeed() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func DeriveIdentity(seed []byte) (Identity, error) {
	if len(seed) != 32 {
		return Identity{}, ErrInvalidKey
	}
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return Identity{}, err
	}
	agreementPriv, err := hkdfExpand(seed, hkdfInfoAgreement, 32)
	if err != nil {
		return Identity{}, err
	}
	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	agreementPub, err := curve25519.X25519(agreementPriv, curve25519.Basepoint)
	if err != nil {
		return Identity{}, err
	}

	public := make([]byte, 0, 64)
	public = append(public, signingPriv.Public().(ed25519.PublicKey)...)
	public = append(public, agreementPub...)
	return Identity{
		SigningPrivate:   signingPriv,
		AgreementPrivate: agreementPriv,
		PublicKey:        public,
	}, nil
}

// SigningKeyOf extracts the Ed25519 half of a published identity key.
func SigningKeyOf(identityKey []byte) []byte {
	if len(identityKey) != 64 {
		return nil
	}
	return identityKey[:32]
}

// AgreementKeyOf extracts the X25519 half of a published identity key.
func AgreementKeyOf(identityKey []byte) []byte {
	if len(identityKey) != 64 {
		return nil
	}
	return identityKey[32:]
}

// GenerateAgreementKey returns a fresh X25519 keypair.
func GenerateAgreementKey() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// Fingerprint renders an identity key as a short human-comparable string for
// trust-change prompts.
func Fingerprint(identityKey []byte) string {
	sum := sha256.Sum256(identityKey)
	return base58.Encode(sum[:20])
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
