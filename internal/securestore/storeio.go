package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadDecryptedFile reads and decrypts file content with the provided secret.
func ReadDecryptedFile(path, secret string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(secret, raw)
}

// ReadDecryptedJSON reads, decrypts and unmarshals a JSON state snapshot.
func ReadDecryptedJSON(path, secret string, v any) error {
	plaintext, err := ReadDecryptedFile(path, secret)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}

// WriteEncryptedJSON marshals, encrypts and writes a JSON state snapshot.
func WriteEncryptedJSON(path, secret string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(secret, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}
