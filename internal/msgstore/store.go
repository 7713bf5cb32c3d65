// Package msgstore is the locally-encrypted per-peer message cache. Records
// are encrypted one by one with a device-local AES-256-GCM key, so a single
// corrupted record never takes the rest of its thread down with it.
package msgstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"campus-chat/go-e2ee/internal/keystore"
	"campus-chat/go-e2ee/pkg/models"
)

const gcmNonceSize = 12

var ErrCorruptThread = errors.New("corrupt thread payload")

// Store owns the threads of one (account, device). Read-modify-write per
// thread is serialized by the store's own mutex; the single-writer-per-thread
// assumption beyond one process is documented, not enforced.
type Store struct {
	mu        sync.Mutex
	kv        BulkKV
	accountID string
	deviceID  string
	aesKey    []byte
}

// Open loads the device-local thread key from the credential store, creating
// it on first use. Losing that key invalidates the whole local cache, which
// is acceptable: the cache is not the source of truth.
func Open(kv BulkKV, keys *keystore.DeviceStore) (*Store, error) {
	aesKey, ok, err := keys.ThreadKey()
	if err != nil {
		return nil, err
	}
	if !ok {
		aesKey = make([]byte, 32)
		if _, err := rand.Read(aesKey); err != nil {
			return nil, err
		}
		if err := keys.StoreThreadKey(aesKey); err != nil {
			return nil, err
		}
	}
	if len(aesKey) != 32 {
		return nil, errors.New("thread key must be 32 bytes")
	}
	return &Store{
		kv:        kv,
		accountID: keys.AccountID(),
		deviceID:  keys.DeviceID(),
		aesKey:    aesKey,
	}, nil
}

// LocalMessageID builds a placeholder id for a message that has no
// server-issued identifier yet.
func LocalMessageID() string {
	return "local_" + uuid.NewString()
}

type encryptedRecord struct {
	ID           string    `json:"id"`
	PeerUserID   string    `json:"peerUserId"`
	CreatedAt    time.Time `json:"createdAt"`
	FromUserID   string    `json:"fromUserId"`
	FromDeviceID string    `json:"fromDeviceId"`
	ToDeviceID   string    `json:"toDeviceId"`
	Status       string    `json:"status"`
	Nonce        []byte    `json:"nonce"`
	Body         []byte    `json:"body"`
}

// List returns the thread for one peer, ascending by CreatedAt. A record
// whose ciphertext fails authentication comes back as a Corrupted
// placeholder instead of failing the whole list.
func (s *Store) List(peerUserID string) ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadThreadLocked(peerUserID)
	if err != nil {
		return nil, err
	}
	out := make([]models.StoredMessage, 0, len(records))
	for _, rec := range records {
		out = append(out, s.decryptRecord(rec))
	}
	sortMessages(out)
	return out, nil
}

// Upsert encrypts the record body with a fresh nonce and replaces any
// existing record with the same id, else appends. The thread is re-sorted
// and rewritten whole.
func (s *Store) Upsert(msg models.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadThreadLocked(msg.PeerUserID)
	if err != nil {
		return err
	}
	rec, err := s.encryptRecord(msg)
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].ID == msg.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return s.writeThreadLocked(msg.PeerUserID, records)
}

// LastMessage returns the newest record of a thread, if any.
func (s *Store) LastMessage(peerUserID string) (models.StoredMessage, bool, error) {
	msgs, err := s.List(peerUserID)
	if err != nil {
		return models.StoredMessage{}, false, err
	}
	if len(msgs) == 0 {
		return models.StoredMessage{}, false, nil
	}
	return msgs[len(msgs)-1], true, nil
}

// Peers enumerates every peer with a locally cached thread.
func (s *Store) Peers() ([]string, error) {
	prefix := s.threadKeyPrefix()
	keys, err := s.kv.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) threadKeyPrefix() string {
	return "chat_" + s.accountID + "_" + s.deviceID + "_"
}

func (s *Store) loadThreadLocked(peerUserID string) ([]encryptedRecord, error) {
	raw, ok, err := s.kv.Get(s.threadKeyPrefix() + peerUserID)
	if err != nil || !ok {
		return nil, err
	}
	var records []encryptedRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptThread, err)
	}
	return records, nil
}

func (s *Store) writeThreadLocked(peerUserID string, records []encryptedRecord) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.kv.Put(s.threadKeyPrefix()+peerUserID, raw)
}

func (s *Store) encryptRecord(msg models.StoredMessage) (encryptedRecord, error) {
	gcm, err := s.aead()
	if err != nil {
		return encryptedRecord{}, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return encryptedRecord{}, err
	}
	return encryptedRecord{
		ID:           msg.ID,
		PeerUserID:   msg.PeerUserID,
		CreatedAt:    msg.CreatedAt,
		FromUserID:   msg.FromUserID,
		FromDeviceID: msg.FromDeviceID,
		ToDeviceID:   msg.ToDeviceID,
		Status:       msg.Status,
		Nonce:        nonce,
		Body:         gcm.Seal(nil, nonce, msg.Body, []byte(msg.ID)),
	}, nil
}

func (s *Store) decryptRecord(rec encryptedRecord) models.StoredMessage {
	msg := models.StoredMessage{
		ID:           rec.ID,
		PeerUserID:   rec.PeerUserID,
		CreatedAt:    rec.CreatedAt,
		FromUserID:   rec.FromUserID,
		FromDeviceID: rec.FromDeviceID,
		ToDeviceID:   rec.ToDeviceID,
		Status:       rec.Status,
	}
	gcm, err := s.aead()
	if err != nil {
		msg.Corrupted = true
		return msg
	}
	if len(rec.Nonce) != gcmNonceSize {
		msg.Corrupted = true
		return msg
	}
	body, err := gcm.Open(nil, rec.Nonce, rec.Body, []byte(rec.ID))
	if err != nil {
		msg.Corrupted = true
		return msg
	}
	msg.Body = body
	return msg
}

func (s *Store) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.aesKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sortMessages(msgs []models.StoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
