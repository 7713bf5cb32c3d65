package keystore

import (
	"os"
	"strings"
	"sync"

	"campus-chat/go-e2ee/internal/securestore"
)

// KV is the secure credential store the key material lives in. Absence is
// reported as ok=false, never as an error, so callers can tell "never
// provisioned" from a failing store.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

type MemoryKV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string][]byte)}
}

func (s *MemoryKV) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryKV) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryKV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryKV) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// FileKV persists the whole key map as a single securestore envelope. Writes
// build the next snapshot first and commit the in-memory map only after the
// file write succeeds.
type FileKV struct {
	mu     sync.Mutex
	path   string
	secret string
	values map[string][]byte
}

func OpenFileKV(path, secret string) (*FileKV, error) {
	s := &FileKV{path: path, secret: secret, values: make(map[string][]byte)}
	if err := securestore.ReadDecryptedJSON(path, secret, &s.values); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		s.values = make(map[string][]byte)
	}
	if s.values == nil {
		s.values = make(map[string][]byte)
	}
	return s, nil
}

func (s *FileKV) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *FileKV) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneValues(s.values)
	next[key] = append([]byte(nil), value...)
	if err := securestore.WriteEncryptedJSON(s.path, s.secret, next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileKV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	next := cloneValues(s.values)
	delete(next, key)
	if err := securestore.WriteEncryptedJSON(s.path, s.secret, next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileKV) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func cloneValues(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
