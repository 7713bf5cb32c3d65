package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	maxSkippedChainGap   = 512
	maxSkippedMessageKey = 2048

	roleInitiator = "initiator"
	roleResponder = "responder"
)

var (
	ErrInvalidChainIndex = errors.New("invalid chain index")
	errAuthFailed        = errors.New("message authentication failed")
)

// ratchetState is the symmetric double-ratchet core of a session: two
// independent chains advancing per message, with a bounded cache of skipped
// message keys so limited reordering and loss never desynchronize the
// receive side.
type ratchetState struct {
	SessionID    string            `json:"session_id"`
	Role         string            `json:"role"`
	RootKey      []byte            `json:"root_key"`
	SendChainKey []byte            `json:"send_chain_key"`
	RecvChainKey []byte            `json:"recv_chain_key"`
	SendCount    uint64            `json:"send_count"`
	RecvCount    uint64            `json:"recv_count"`
	SkippedKeys  map[uint64][]byte `json:"skipped_keys"`
}

// ratchetEnvelope is the inner per-message payload carried inside a
// WireMessage's opaque ciphertext.
type ratchetEnvelope struct {
	N     uint64 `json:"n"`
	Prev  uint64 `json:"prev"`
	Nonce []byte `json:"nonce"`
	CT    []byte `json:"ct"`
}

func newRatchetState(secret []byte, sessionID, role string) ratchetState {
	i2r := kdf32(secret, []byte("campuschat/ratchet/chain/i2r/v1"))
	r2i := kdf32(secret, []byte("campuschat/ratchet/chain/r2i/v1"))
	st := ratchetState{
		SessionID:   sessionID,
		Role:        role,
		RootKey:     kdf32(secret, []byte("campuschat/ratchet/root/v1")),
		SkippedKeys: map[uint64][]byte{},
	}
	if role == roleInitiator {
		st.SendChainKey, st.RecvChainKey = i2r, r2i
	} else {
		st.SendChainKey, st.RecvChainKey = r2i, i2r
	}
	return st
}

func sessionIDFromSecret(secret []byte, numA, numB uint32) string {
	lo, hi := numA, numB
	if lo > hi {
		lo, hi = hi, lo
	}
	seed := append(append([]byte(nil), secret...),
		byte(lo>>24), byte(lo>>16), byte(lo>>8), byte(lo),
		byte(hi>>24), byte(hi>>16), byte(hi>>8), byte(hi))
	id := kdf32(seed, []byte("campuschat/session-id/v1"))
	return "sess1_" + hex.EncodeToString(id[:16])
}

func (st *ratchetState) seal(plaintext []byte) (ratchetEnvelope, error) {
	msgKey, nextChainKey := deriveMessageKey(st.SendChainKey, st.SendCount)
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return ratchetEnvelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return ratchetEnvelope{}, err
	}
	env := ratchetEnvelope{
		N:     st.SendCount,
		Prev:  st.RecvCount,
		Nonce: nonce,
		CT:    aead.Seal(nil, nonce, plaintext, messageAAD(st.SessionID, st.SendCount)),
	}
	st.SendCount++
	st.SendChainKey = nextChainKey
	return env, nil
}

func (st *ratchetState) open(env ratchetEnvelope) ([]byte, error) {
	if len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.CT) == 0 {
		return nil, errAuthFailed
	}
	if st.SkippedKeys == nil {
		st.SkippedKeys = map[uint64][]byte{}
	}

	// A message that arrived after a successor was already processed.
	if skippedKey, ok := st.SkippedKeys[env.N]; ok {
		plaintext, err := openWithKey(skippedKey, st.SessionID, env)
		if err != nil {
			return nil, err
		}
		delete(st.SkippedKeys, env.N)
		return plaintext, nil
	}

	if env.N < st.RecvCount {
		return nil, ErrInvalidChainIndex
	}
	if env.N-st.RecvCount > maxSkippedChainGap {
		return nil, ErrInvalidChainIndex
	}

	chainKey := st.RecvChainKey
	index := st.RecvCount
	skipped := make(map[uint64][]byte)
	for index < env.N {
		skippedMsgKey, nextChainKey := deriveMessageKey(chainKey, index)
		skipped[index] = skippedMsgKey
		chainKey = nextChainKey
		index++
	}
	msgKey, nextChainKey := deriveMessageKey(chainKey, index)

	plaintext, err := openWithKey(msgKey, st.SessionID, env)
	if err != nil {
		return nil, err
	}

	for idx, key := range skipped {
		st.SkippedKeys[idx] = key
	}
	st.RecvChainKey = nextChainKey
	st.RecvCount = env.N + 1
	pruneSkippedKeys(st.SkippedKeys, st.RecvCount, maxSkippedMessageKey)
	return plaintext, nil
}

func openWithKey(msgKey []byte, sessionID string, env ratchetEnvelope) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.CT, messageAAD(sessionID, env.N))
	if err != nil {
		return nil, errAuthFailed
	}
	return plaintext, nil
}

func deriveMessageKey(chainKey []byte, idx uint64) (msgKey, nextChainKey []byte) {
	seed := appendUint64(append([]byte(nil), chainKey...), idx)
	return kdf32(seed, []byte("campuschat/ratchet/message-key/v1")),
		kdf32(seed, []byte("campuschat/ratchet/chain-key/v1"))
}

func messageAAD(sessionID string, idx uint64) []byte {
	b := make([]byte, 0, len(sessionID)+9)
	b = append(b, []byte(sessionID)...)
	b = append(b, 0)
	return appendUint64(b, idx)
}

func pruneSkippedKeys(keys map[uint64][]byte, recvCount uint64, max int) {
	if len(keys) == 0 {
		return
	}
	for idx := range keys {
		// Keep skipped keys inside the bounded reorder window.
		if idx+maxSkippedChainGap < recvCount {
			delete(keys, idx)
		}
	}
	for len(keys) > max {
		var minIdx uint64
		first := true
		for idx := range keys {
			if first || idx < minIdx {
				minIdx = idx
				first = false
			}
		}
		if first {
			return
		}
		delete(keys, minIdx)
	}
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
