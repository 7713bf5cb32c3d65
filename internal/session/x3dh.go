package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const x3dhInfo = "campuschat/x3dh/v1"

// verifySignedPreKey checks the detached signature on a bundle's signed
// prekey under the bundle's identity signing key.
func verifySignedPreKey(signingPub, spkPub, sig []byte) bool {
	if len(signingPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(signingPub, spkPub, sig)
}

// initiatorSecret derives the X3DH shared secret on the initiating side:
// DH(IK_A, SPK_B) || DH(EK_A, IK_B) || DH(EK_A, SPK_B) [|| DH(EK_A, OPK_B)].
func initiatorSecret(ikPriv, ekPriv, peerIKPub, peerSPKPub, peerOPKPub []byte) ([]byte, error) {
	material, err := dhConcat(
		dhPair{ikPriv, peerSPKPub},
		dhPair{ekPriv, peerIKPub},
		dhPair{ekPriv, peerSPKPub},
	)
	if err != nil {
		return nil, err
	}
	if len(peerOPKPub) == 32 {
		dh4, err := curve25519.X25519(ekPriv, peerOPKPub)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4...)
	}
	return kdf32(material, []byte(x3dhInfo)), nil
}

// responderSecret mirrors initiatorSecret on the receiving side. opkPriv is
// nil when the initiator proceeded without a one-time prekey.
func responderSecret(ikPriv, spkPriv, opkPriv, peerIKPub, peerEKPub []byte) ([]byte, error) {
	material, err := dhConcat(
		dhPair{spkPriv, peerIKPub},
		dhPair{ikPriv, peerEKPub},
		dhPair{spkPriv, peerEKPub},
	)
	if err != nil {
		return nil, err
	}
	if len(opkPriv) == 32 {
		dh4, err := curve25519.X25519(opkPriv, peerEKPub)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4...)
	}
	return kdf32(material, []byte(x3dhInfo)), nil
}

type dhPair struct {
	priv []byte
	pub  []byte
}

func dhConcat(pairs ...dhPair) ([]byte, error) {
	material := make([]byte, 0, len(pairs)*32)
	for _, p := range pairs {
		if len(p.priv) != 32 || len(p.pub) != 32 {
			return nil, ErrInvalidKey
		}
		dh, err := curve25519.X25519(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		material = append(material, dh...)
	}
	return material, nil
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}
