// Package secrets keeps configuration secrets encrypted at rest with keys derived
// from the device identity.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/interfaces"
)

// DefaultFile is the name of the sealed configuration inside the data directory.
const DefaultFile = "config.aes"

// Seal encrypts plaintext with the key of level.
func Seal(kms interfaces.KeyDeriver, level int, plaintext []byte, wrap bool) (string, error) {
	key, err := kms.DeriveDefault(level)
	if err != nil {
		return "", err
	}
	return cryptoutils.Encrypt(plaintext, key, wrap)
}

// Open decrypts a blob produced by Seal with the same level.
func Open(kms interfaces.KeyDeriver, level int, blob string) ([]byte, error) {
	key, err := kms.DeriveDefault(level)
	if err != nil {
		return nil, err
	}
	return cryptoutils.Decrypt(blob, key)
}

// Store is a string map persisted as sealed JSON under the configuration key level.
type Store struct {
	path string
	kms  interfaces.KeyDeriver
}

// NewStore returns a store backed by path.
func NewStore(path string, kms interfaces.KeyDeriver) *Store {
	return &Store{path: path, kms: kms}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load returns every value. A missing file is an empty configuration.
func (s *Store) Load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read sealed configuration: %w", err)
	}

	plaintext, err := Open(s.kms, interfaces.ConfigKeyLevel, string(raw))
	if err != nil {
		return nil, err
	}

	values := map[string]string{}
	if err := json.Unmarshal(plaintext, &values); err != nil {
		// Authentic-looking garbage is still a decryption failure.
		return nil, interfaces.ErrDecrypt
	}
	return values, nil
}

// Save replaces the whole configuration.
func (s *Store) Save(values map[string]string) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return err
	}

	blob, err := Seal(s.kms, interfaces.ConfigKeyLevel, plaintext, true)
	if err != nil {
		return err
	}
	return cryptoutils.WriteFileAtomic(s.path, []byte(blob), 0o600)
}

// Get returns one value.
func (s *Store) Get(key string) (string, bool, error) {
	values, err := s.Load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set stores one value.
func (s *Store) Set(key, value string) error {
	values, err := s.Load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.Save(values)
}

// Delete removes one value. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	values, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.Save(values)
}

// Keys returns the stored keys in order.
func (s *Store) Keys() ([]string, error) {
	values, err := s.Load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
