package msgstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BulkKV is the bulk local store threads persist in. Thread payloads are
// already encrypted record-by-record before they reach it, so the store
// itself holds only opaque values.
type BulkKV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Keys(prefix string) ([]string, error)
}

type MemoryBulkKV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryBulkKV() *MemoryBulkKV {
	return &MemoryBulkKV{values: make(map[string][]byte)}
}

func (s *MemoryBulkKV) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryBulkKV) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryBulkKV) Keys(prefix string) ([]string, error) {
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

// FileBulkKV snapshots the whole map to one JSON file on every write.
type FileBulkKV struct {
	mu     sync.Mutex
	path   string
	values map[string]json.RawMessage
}

func OpenFileBulkKV(path string) (*FileBulkKV, error) {
	s := &FileBulkKV{path: path, values: make(map[string]json.RawMessage)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, err
		}
	}
	if s.values == nil {
		s.values = make(map[string]json.RawMessage)
	}
	return s, nil
}

func (s *FileBulkKV) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *FileBulkKV) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]json.RawMessage, len(s.values)+1)
	for k, v := range s.values {
		next[k] = v
	}
	next[key] = append(json.RawMessage(nil), value...)
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileBulkKV) Keys(prefix string) ([]string, error) {
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
