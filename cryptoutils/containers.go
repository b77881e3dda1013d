package cryptoutils

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// Container is the decoded content of a password protected PKCS#12 file.
type Container struct {
	Key         crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// EncodeContainer wraps the key, certificate and optional chain into a PKCS#12 file
// protected by password.
func EncodeContainer(key crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate, password string) ([]byte, error) {
	pfx, err := pkcs12.Modern.Encode(key, cert, chain, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 container: %w", err)
	}
	return pfx, nil
}

// DecodeContainer opens a PKCS#12 file and checks that its key matches its certificate.
func DecodeContainer(pfx []byte, password string) (*Container, error) {
	key, cert, chain, err := pkcs12.DecodeChain(pfx, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 container: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("container private key cannot sign")
	}
	if err := VerifyKeyPair(cert, signer); err != nil {
		return nil, err
	}

	return &Container{Key: signer, Certificate: cert, Chain: chain}, nil
}
