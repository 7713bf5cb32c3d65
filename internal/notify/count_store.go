package notify

import (
	"os"

	"campus-chat/go-e2ee/internal/securestore"
)

// FileCountStore keeps the unread map in an encrypted snapshot file.
type FileCountStore struct {
	path   string
	secret string
}

func NewFileCountStore(path, secret string) *FileCountStore {
	return &FileCountStore{path: path, secret: secret}
}

func (s *FileCountStore) Load() (map[string]int, error) {
	var state persistedCounts
	if err := securestore.ReadDecryptedJSON(s.path, s.secret, &state); err != nil {
		if os.IsNotExist(err) {
			return map[string]int{}, nil
		}
		return nil, err
	}
	if state.Counts == nil {
		return map[string]int{}, nil
	}
	return state.Counts, nil
}

func (s *FileCountStore) Save(counts map[string]int) error {
	return securestore.WriteEncryptedJSON(s.path, s.secret, persistedCounts{Version: 1, Counts: counts})
}

type persistedCounts struct {
	Version int            `json:"version"`
	Counts  map[string]int `json:"counts"`
}
