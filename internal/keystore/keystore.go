// Package keystore is the device-scoped store for identity key material,
// prekeys, per-peer session blobs and trusted identity keys. Keys are
// namespaced `<purpose>_<accountId>_<deviceId>[_<suffix>]` so multiple
// accounts and devices coexist in one installation.
package keystore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// firstPreKeyID is where the one-time prekey id range starts; id 1 is
// reserved for the signed prekey.
const firstPreKeyID uint32 = 2

type IdentityKeyPair struct {
	Seed            []byte `json:"seed"`
	SigningPublic   []byte `json:"signingPublic"`
	AgreementPublic []byte `json:"agreementPublic"`
}

type PreKeyRecord struct {
	KeyID      uint32 `json:"keyId"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

type SignedPreKeyRecord struct {
	KeyID      uint32    `json:"keyId"`
	PublicKey  []byte    `json:"publicKey"`
	PrivateKey []byte    `json:"privateKey"`
	Signature  []byte    `json:"signature"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DeviceStore scopes a KV to one (account, device) pair.
type DeviceStore struct {
	kv        KV
	accountID string
	deviceID  string
}

func NewDeviceStore(kv KV, accountID, deviceID string) *DeviceStore {
	return &DeviceStore{kv: kv, accountID: accountID, deviceID: deviceID}
}

func (s *DeviceStore) AccountID() string { return s.accountID }
func (s *DeviceStore) DeviceID() string  { return s.deviceID }

func (s *DeviceStore) key(purpose string, suffix ...string) string {
	k := purpose + "_" + s.accountID + "_" + s.deviceID
	for _, part := range suffix {
		k += "_" + part
	}
	return k
}

func (s *DeviceStore) Identity() (IdentityKeyPair, bool, error) {
	var pair IdentityKeyPair
	ok, err := s.getJSON(s.key("identity"), &pair)
	return pair, ok, err
}

func (s *DeviceStore) StoreIdentity(pair IdentityKeyPair) error {
	return s.putJSON(s.key("identity"), pair)
}

func (s *DeviceStore) RegistrationID() (uint32, bool, error) {
	raw, ok, err := s.kv.Get(s.key("regid"))
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt registration id: %w", err)
	}
	return uint32(n), true, nil
}

func (s *DeviceStore) StoreRegistrationID(id uint32) error {
	return s.kv.Put(s.key("regid"), []byte(strconv.FormatUint(uint64(id), 10)))
}

func (s *DeviceStore) PreKey(keyID uint32) (PreKeyRecord, bool, error) {
	var rec PreKeyRecord
	ok, err := s.getJSON(s.preKeyKey(keyID), &rec)
	return rec, ok, err
}

func (s *DeviceStore) StorePreKey(rec PreKeyRecord) error {
	return s.putJSON(s.preKeyKey(rec.KeyID), rec)
}

func (s *DeviceStore) RemovePreKey(keyID uint32) error {
	return s.kv.Delete(s.preKeyKey(keyID))
}

func (s *DeviceStore) PreKeyCount() (int, error) {
	keys, err := s.kv.Keys(s.key("prekey") + "_")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// PreKeys lists the unconsumed one-time prekey records, ascending by id.
func (s *DeviceStore) PreKeys() ([]PreKeyRecord, error) {
	prefix := s.key("prekey") + "_"
	keys, err := s.kv.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]PreKeyRecord, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseUint(strings.TrimPrefix(k, prefix), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("corrupt prekey entry %q: %w", k, err)
		}
		rec, ok, err := s.PreKey(uint32(id))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *DeviceStore) preKeyKey(keyID uint32) string {
	return s.key("prekey", strconv.FormatUint(uint64(keyID), 10))
}

// SignedPreKey returns the active signed prekey record.
func (s *DeviceStore) SignedPreKey() (SignedPreKeyRecord, bool, error) {
	raw, ok, err := s.kv.Get(s.key("currentspk"))
	if err != nil || !ok {
		return SignedPreKeyRecord{}, false, err
	}
	id, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return SignedPreKeyRecord{}, false, fmt.Errorf("corrupt signed prekey pointer: %w", err)
	}
	return s.SignedPreKeyByID(uint32(id))
}

func (s *DeviceStore) SignedPreKeyByID(keyID uint32) (SignedPreKeyRecord, bool, error) {
	var rec SignedPreKeyRecord
	ok, err := s.getJSON(s.key("signedprekey", strconv.FormatUint(uint64(keyID), 10)), &rec)
	return rec, ok, err
}

func (s *DeviceStore) StoreSignedPreKey(rec SignedPreKeyRecord) error {
	if err := s.putJSON(s.key("signedprekey", strconv.FormatUint(uint64(rec.KeyID), 10)), rec); err != nil {
		return err
	}
	return s.kv.Put(s.key("currentspk"), []byte(strconv.FormatUint(uint64(rec.KeyID), 10)))
}

// NextPreKeyID reads the monotonically-growing one-time key id cursor.
func (s *DeviceStore) NextPreKeyID() (uint32, error) {
	raw, ok, err := s.kv.Get(s.key("nextprekeyid"))
	if err != nil {
		return 0, err
	}
	if !ok {
		return firstPreKeyID, nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("corrupt prekey id cursor: %w", err)
	}
	return uint32(n), nil
}

func (s *DeviceStore) StoreNextPreKeyID(id uint32) error {
	return s.kv.Put(s.key("nextprekeyid"), []byte(strconv.FormatUint(uint64(id), 10)))
}

// SessionBlob returns the opaque serialized ratchet state for one remote
// device. The store never interprets it.
func (s *DeviceStore) SessionBlob(peerUserID, peerDeviceID string) (string, bool, error) {
	raw, ok, err := s.kv.Get(s.key("session", peerUserID, peerDeviceID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

func (s *DeviceStore) StoreSessionBlob(peerUserID, peerDeviceID, blob string) error {
	return s.kv.Put(s.key("session", peerUserID, peerDeviceID), []byte(blob))
}

func (s *DeviceStore) TrustedIdentity(peerUserID, peerDeviceID string) ([]byte, bool, error) {
	return s.kv.Get(s.key("trusted", peerUserID, peerDeviceID))
}

func (s *DeviceStore) StoreTrustedIdentity(peerUserID, peerDeviceID string, identityKey []byte) error {
	return s.kv.Put(s.key("trusted", peerUserID, peerDeviceID), identityKey)
}

// ThreadKey is the device-local AES key the message cache encrypts with. It
// is key material, so it lives here and not in the bulk store.
func (s *DeviceStore) ThreadKey() ([]byte, bool, error) {
	return s.kv.Get(s.key("chatkey"))
}

func (s *DeviceStore) StoreThreadKey(key []byte) error {
	return s.kv.Put(s.key("chatkey"), key)
}

func (s *DeviceStore) getJSON(key string, v any) (bool, error) {
	raw, ok, err := s.kv.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("corrupt record %q: %w", key, err)
	}
	return true, nil
}

func (s *DeviceStore) putJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Put(key, raw)
}
