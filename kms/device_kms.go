package kms

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ruteri/device-pki/interfaces"
	"github.com/ruteri/device-pki/metrics"
	"golang.org/x/crypto/hkdf"
)

// DefaultIterations is the default number of HMAC-SHA512 rounds.
const DefaultIterations = 183029

// KeySize is the length of every derived key.
const KeySize = 32

const (
	saltPrefix = "saltisnot"
	saltSuffix = "secretsquirrel"
	hkdfInfo   = "device-pki/level/"
)

// Scheme selects the derivation algorithm.
type Scheme string

const (
	// SchemeLegacy stretches the entropy with iterations+level HMAC-SHA512 rounds.
	// Keys, containers and envelopes created by earlier installations use it.
	SchemeLegacy Scheme = "legacy"

	// SchemeHKDF stretches once with the iteration count and separates levels with
	// HKDF-SHA512 info labels. It is not compatible with SchemeLegacy material.
	SchemeHKDF Scheme = "hkdf"
)

// Identity is the read side of the device identity store.
type Identity interface {
	DeviceToken() (string, error)
	WithEntropy(fn func(entropy []byte) error) error
}

// DeviceKMS derives reproducible keys from the device identity. Identical identity,
// level and iteration count always produce the same key.
type DeviceKMS struct {
	identity   Identity
	iterations int
	scheme     Scheme
	sink       interfaces.LogSink
}

// NewDeviceKMS returns a KMS using the legacy scheme and the given default iteration count.
func NewDeviceKMS(identity Identity, iterations int) (*DeviceKMS, error) {
	if identity == nil {
		return nil, errors.New("identity is required")
	}
	if iterations < 1 {
		return nil, fmt.Errorf("iterations must be positive, got %d", iterations)
	}
	return &DeviceKMS{identity: identity, iterations: iterations, scheme: SchemeLegacy}, nil
}

// WithScheme returns a copy of the KMS using the given scheme.
func (k *DeviceKMS) WithScheme(scheme Scheme) (*DeviceKMS, error) {
	switch scheme {
	case SchemeLegacy, SchemeHKDF:
	default:
		return nil, fmt.Errorf("unknown derivation scheme %q", scheme)
	}
	newkms := *k
	newkms.scheme = scheme
	return &newkms, nil
}

// WithLogSink returns a copy of the KMS reporting derivation failures to sink.
func (k *DeviceKMS) WithLogSink(sink interfaces.LogSink) *DeviceKMS {
	newkms := *k
	newkms.sink = sink
	return &newkms
}

// Iterations returns the default iteration count.
func (k *DeviceKMS) Iterations() int {
	return k.iterations
}

// Scheme returns the active derivation scheme.
func (k *DeviceKMS) Scheme() Scheme {
	return k.scheme
}

// DeriveDefault derives the key for level with the default iteration count.
func (k *DeviceKMS) DeriveDefault(level int) ([]byte, error) {
	return k.DeriveKey(level, k.iterations)
}

// DeriveKey derives the 32-byte key for level.
//
// Legacy scheme:
//
//	salt = SHA-512("saltisnot" || token || "secretsquirrel")
//	h    = HMAC-SHA512(salt, entropy)
//	h    = HMAC-SHA512(salt, h)        repeated iterations+level times
//	key  = HMAC-SHA256(salt, h)
func (k *DeviceKMS) DeriveKey(level, iterations int) ([]byte, error) {
	if level < 0 {
		return nil, fmt.Errorf("level must not be negative, got %d", level)
	}
	if iterations < 1 {
		return nil, fmt.Errorf("iterations must be positive, got %d", iterations)
	}

	start := time.Now()
	key, err := k.derive(level, iterations)
	if err != nil {
		if k.sink != nil {
			k.sink.Log(fmt.Sprintf("Exception DeriveKey: %v", err), interfaces.SeverityError, "DeriveKey")
		}
		return nil, err
	}

	metrics.KeyDerivations.WithLabelValues(string(k.scheme)).Inc()
	metrics.KeyDerivationSeconds.Observe(time.Since(start).Seconds())
	return key, nil
}

// ContainerPassword returns base64(DeriveDefault(kind level)), the password of the
// kind's PKCS#12 container. It is recomputed on demand and never stored.
func (k *DeviceKMS) ContainerPassword(kind interfaces.CertificateKind) (string, error) {
	key, err := k.DeriveDefault(kind.Level())
	if err != nil {
		return "", fmt.Errorf("failed to derive %s container password: %w", kind, err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (k *DeviceKMS) derive(level, iterations int) ([]byte, error) {
	token, err := k.identity.DeviceToken()
	if err != nil {
		return nil, err
	}
	salt := Salt(token)

	var key []byte
	err = k.identity.WithEntropy(func(entropy []byte) error {
		switch k.scheme {
		case SchemeHKDF:
			key, err = deriveHKDF(salt, entropy, level, iterations)
			return err
		default:
			key = deriveLegacy(salt, entropy, level, iterations)
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Salt returns SHA-512("saltisnot" || token || "secretsquirrel").
func Salt(token string) []byte {
	sum := sha512.Sum512([]byte(saltPrefix + token + saltSuffix))
	return sum[:]
}

func stretch(salt, entropy []byte, rounds int) []byte {
	mac := hmac.New(sha512.New, salt)
	mac.Write(entropy)
	h := mac.Sum(nil)
	for i := 0; i < rounds; i++ {
		mac.Reset()
		mac.Write(h)
		h = mac.Sum(h[:0])
	}
	return h
}

func deriveLegacy(salt, entropy []byte, level, iterations int) []byte {
	h := stretch(salt, entropy, iterations+level)
	mac := hmac.New(sha256.New, salt)
	mac.Write(h)
	return mac.Sum(nil)
}

func deriveHKDF(salt, entropy []byte, level, iterations int) ([]byte, error) {
	prk := stretch(salt, entropy, iterations)
	r := hkdf.New(sha512.New, prk, salt, []byte(hkdfInfo+strconv.Itoa(level)))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	return key, nil
}
