// Package identity persists the device identity: a random installation token and an
// entropy blob from which every key of the device is derived.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/interfaces"
)

const (
	// EntropySize is the number of random bytes generated for a new device.
	EntropySize = 4098

	EntropyFile = "entropy.bytes"
	TokenFile   = "device.token"

	// TagLength is the number of trailing token characters used as the device tag.
	TagLength = 6
)

// Store lazily creates and reads the device identity files under a directory.
// Entropy is kept in a memguard enclave once loaded.
type Store struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	token   string
	entropy *memguard.Enclave
}

// NewStore returns a store rooted at dir. Nothing is touched on disk until first use.
func NewStore(dir string, log *slog.Logger) *Store {
	return &Store{dir: dir, log: log}
}

// Dir returns the directory holding the identity files.
func (s *Store) Dir() string {
	return s.dir
}

// Exists reports whether the entropy file is present.
func (s *Store) Exists() (bool, error) {
	exists, err := cryptoutils.FileExists(filepath.Join(s.dir, EntropyFile))
	if err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrEntropyIO, err)
	}
	return exists, nil
}

// DeviceToken returns the installation token, generating and persisting a new
// UUID on first use.
func (s *Store) DeviceToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadToken()
}

// DeviceTag returns the last TagLength characters of the device token.
func (s *Store) DeviceTag() (string, error) {
	token, err := s.DeviceToken()
	if err != nil {
		return "", err
	}
	if len(token) <= TagLength {
		return token, nil
	}
	return token[len(token)-TagLength:], nil
}

// Entropy returns a copy of the entropy blob, generating and persisting it on first
// use. Callers should wipe the returned slice when done.
func (s *Store) Entropy() ([]byte, error) {
	var out []byte
	err := s.WithEntropy(func(entropy []byte) error {
		out = append([]byte(nil), entropy...)
		return nil
	})
	return out, err
}

// WithEntropy calls fn with the entropy blob held in locked memory. The buffer is
// destroyed when fn returns and must not be retained.
func (s *Store) WithEntropy(fn func(entropy []byte) error) error {
	s.mu.Lock()
	enclave, err := s.loadEntropy()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("%w: failed to open entropy enclave: %v", interfaces.ErrEntropyIO, err)
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// Restore writes a recovered identity. Existing identity files are never overwritten.
func (s *Store) Restore(token string, entropy []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{TokenFile, EntropyFile} {
		exists, err := cryptoutils.FileExists(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrEntropyIO, err)
		}
		if exists {
			return fmt.Errorf("%w: %s already exists", interfaces.ErrEntropyIO, name)
		}
	}

	if err := s.writeFile(TokenFile, []byte(token)); err != nil {
		return err
	}
	encoded := cryptoutils.WrapLines(base64.StdEncoding.EncodeToString(entropy), cryptoutils.LineWidth)
	if err := s.writeFile(EntropyFile, []byte(encoded)); err != nil {
		return err
	}

	s.token = ""
	s.entropy = nil
	s.log.Info("Device identity restored", slog.String("dir", s.dir))
	return nil
}

// Close drops the cached entropy enclave.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entropy = nil
}

func (s *Store) loadToken() (string, error) {
	if s.token != "" {
		return s.token, nil
	}

	raw, err := s.readFile(TokenFile)
	if err != nil {
		return "", err
	}
	if raw != nil {
		s.token = strings.TrimSpace(string(raw))
		if s.token == "" {
			return "", fmt.Errorf("%w: %s is empty", interfaces.ErrEntropyIO, TokenFile)
		}
		return s.token, nil
	}

	token := uuid.New().String()
	if err := s.writeFile(TokenFile, []byte(token)); err != nil {
		return "", err
	}
	s.log.Info("Generated device token", slog.String("path", filepath.Join(s.dir, TokenFile)))
	s.token = token
	return token, nil
}

func (s *Store) loadEntropy() (*memguard.Enclave, error) {
	if s.entropy != nil {
		return s.entropy, nil
	}

	raw, err := s.readFile(EntropyFile)
	if err != nil {
		return nil, err
	}

	var entropy []byte
	if raw != nil {
		entropy, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		memguard.WipeBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not valid base64: %v", interfaces.ErrEntropyIO, EntropyFile, err)
		}
		if len(entropy) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", interfaces.ErrEntropyIO, EntropyFile)
		}
	} else {
		entropy = make([]byte, EntropySize)
		if _, err := rand.Read(entropy); err != nil {
			return nil, fmt.Errorf("%w: failed to generate entropy: %v", interfaces.ErrEntropyIO, err)
		}
		encoded := cryptoutils.WrapLines(base64.StdEncoding.EncodeToString(entropy), cryptoutils.LineWidth)
		if err := s.writeFile(EntropyFile, []byte(encoded)); err != nil {
			memguard.WipeBytes(entropy)
			return nil, err
		}
		s.log.Info("Generated device entropy",
			slog.String("path", filepath.Join(s.dir, EntropyFile)),
			slog.Int("bytes", EntropySize))
	}

	// NewEnclave wipes the source slice.
	s.entropy = memguard.NewEnclave(entropy)
	if s.entropy == nil {
		return nil, fmt.Errorf("%w: entropy is empty", interfaces.ErrEntropyIO)
	}
	return s.entropy, nil
}

// readFile returns nil, nil when the file does not exist.
func (s *Store) readFile(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read %s: %v", interfaces.ErrEntropyIO, name, err)
	}
	return raw, nil
}

func (s *Store) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", interfaces.ErrEntropyIO, s.dir, err)
	}
	if err := cryptoutils.WriteFileAtomic(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", interfaces.ErrEntropyIO, name, err)
	}
	return nil
}
