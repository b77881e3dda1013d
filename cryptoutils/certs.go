package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// RandomSerial returns a random positive 128-bit certificate serial number.
func RandomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial, nil
}

// SubjectKeyID computes the RFC 5280 method 1 key identifier: the SHA-1 of the
// subjectPublicKey bit string.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}

// GenerateECKey returns a new ECDSA key on curve.
func GenerateECKey(curve elliptic.Curve) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", curve.Params().Name, err)
	}
	return key, nil
}

// VerifyKeyPair checks that key is the private half of the certificate's public key.
func VerifyKeyPair(cert *x509.Certificate, key crypto.Signer) error {
	certPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("certificate public key is not ECDSA")
	}
	keyPub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return errors.New("private key is not ECDSA")
	}
	if !certPub.Equal(keyPub) {
		return errors.New("certificate does not match private key")
	}
	return nil
}

// VerifyChain validates leaf against root through the given intermediates using
// standard X.509 path validation. Any extended key usage is accepted.
func VerifyChain(leaf *x509.Certificate, intermediates []*x509.Certificate, root *x509.Certificate) ([][]*x509.Certificate, error) {
	roots := x509.NewCertPool()
	roots.AddCert(root)

	inter := x509.NewCertPool()
	for _, c := range intermediates {
		inter.AddCert(c)
	}

	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("chain verification failed: %w", err)
	}
	return chains, nil
}
