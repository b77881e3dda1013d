package kms

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/vault/shamir"
)

// SplitIdentity splits the device token and entropy into parts Shamir shares, any
// threshold of which recover the identity. Losing the identity invalidates every
// container and envelope of the device, so shares are the only backup.
func SplitIdentity(identity Identity, parts, threshold int) ([][]byte, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if parts < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	token, err := identity.DeviceToken()
	if err != nil {
		return nil, err
	}

	var shares [][]byte
	err = identity.WithEntropy(func(entropy []byte) error {
		payload := make([]byte, 0, len(token)+1+len(entropy))
		payload = append(payload, token...)
		payload = append(payload, 0)
		payload = append(payload, entropy...)
		defer memguard.WipeBytes(payload)

		shares, err = shamir.Split(payload, parts, threshold)
		if err != nil {
			return fmt.Errorf("failed to split identity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// EscrowConfig configures identity recovery.
type EscrowConfig struct {
	// Threshold is the minimum number of shares required to recover the identity.
	Threshold int
	// AdminPubKeys lists the PEM public keys allowed to sign shares. When empty,
	// shares are accepted without signatures.
	AdminPubKeys [][]byte
}

// Recovery collects escrow shares until the identity can be reconstructed.
type Recovery struct {
	mu             sync.Mutex
	threshold      int
	receivedShares map[int][]byte
	adminPubKeys   map[string][]byte

	token   string
	entropy []byte
}

// NewRecovery returns an empty recovery session.
func NewRecovery(config EscrowConfig) (*Recovery, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	r := &Recovery{
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
	}

	for _, publicKeyPEM := range config.AdminPubKeys {
		if _, err := parseAdminKey(publicKeyPEM); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey: %w", err)
		}
		fingerprint := sha256.Sum256(publicKeyPEM)
		r.adminPubKeys[hex.EncodeToString(fingerprint[:])] = publicKeyPEM
	}

	return r, nil
}

// SubmitShare records a share. When admin keys are configured the share must carry
// a signature by one of them. Once threshold shares are present the identity is
// reconstructed.
func (r *Recovery) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entropy != nil {
		return errors.New("identity already recovered")
	}

	if len(r.adminPubKeys) > 0 {
		if err := r.verifyShare(share, signature, adminPubKeyPEM); err != nil {
			return err
		}
	}

	r.receivedShares[shareIndex] = append([]byte(nil), share...)
	return r.tryReconstruct()
}

func (r *Recovery) verifyShare(share, signature, adminPubKeyPEM []byte) error {
	fingerprint := sha256.Sum256(adminPubKeyPEM)
	pubkeyForFingerprint, found := r.adminPubKeys[hex.EncodeToString(fingerprint[:])]
	if !found {
		return errors.New("unregistered admin public key")
	}
	if !bytes.Equal(pubkeyForFingerprint, adminPubKeyPEM) {
		return errors.New("invalid pubkey passed for a matching fingerprint")
	}

	pubKey, err := parseAdminKey(adminPubKeyPEM)
	if err != nil {
		return err
	}

	switch key := pubKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(share)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return errors.New("invalid signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, share, signature) {
			return errors.New("invalid signature")
		}
	default:
		return errors.New("admin public key is neither ECDSA nor ED25519 key")
	}
	return nil
}

func (r *Recovery) tryReconstruct() error {
	if len(r.receivedShares) < r.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(r.receivedShares))
	for _, share := range r.receivedShares {
		shares = append(shares, share)
	}

	payload, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct identity: %w", err)
	}

	sep := bytes.IndexByte(payload, 0)
	if sep <= 0 || sep == len(payload)-1 {
		memguard.WipeBytes(payload)
		return errors.New("reconstructed identity is malformed")
	}
	r.token = string(payload[:sep])
	r.entropy = append([]byte(nil), payload[sep+1:]...)
	memguard.WipeBytes(payload)

	for i := range r.receivedShares {
		memguard.WipeBytes(r.receivedShares[i])
	}
	r.receivedShares = make(map[int][]byte)
	return nil
}

// IsComplete reports whether the identity has been reconstructed.
func (r *Recovery) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entropy != nil
}

// Identity returns the recovered token and entropy.
func (r *Recovery) Identity() (string, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entropy == nil {
		return "", nil, fmt.Errorf("need %d more shares", r.threshold-len(r.receivedShares))
	}
	return r.token, append([]byte(nil), r.entropy...), nil
}

// SignShare signs the SHA-256 digest of a share with an administrator's ECDSA key.
func SignShare(share []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(share)
	return ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
}

func parseAdminKey(publicKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode admin public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin public key: %w", err)
	}
	return pubKey, nil
}
