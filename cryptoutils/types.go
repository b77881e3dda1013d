package cryptoutils

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// CertPEM holds one or more PEM encoded certificates. The first block is the
// subject certificate; any further blocks form its chain towards the root.
type CertPEM []byte

// NewCertPEM validates that data contains at least one parseable certificate.
func NewCertPEM(data []byte) (CertPEM, error) {
	certs, err := CertPEM(data).Certificates()
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, errors.New("invalid certificate: no CERTIFICATE PEM block")
	}
	return CertPEM(data), nil
}

// EncodeCertPEM returns the PEM encoding of the given certificates in order.
func EncodeCertPEM(certs ...*x509.Certificate) CertPEM {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// Validate checks if the PEM data is properly formed.
func (p CertPEM) Validate() error {
	_, err := NewCertPEM(p)
	return err
}

// Certificates parses every CERTIFICATE block. Other block types are skipped.
func (p CertPEM) Certificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(p)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs, nil
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate structure: %w", err)
		}
		certs = append(certs, cert)
	}
}

// GetX509Cert returns the first certificate.
func (p CertPEM) GetX509Cert() (*x509.Certificate, error) {
	certs, err := p.Certificates()
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, errors.New("failed to decode PEM block")
	}
	return certs[0], nil
}

// IsExpired checks if the first certificate has expired.
func (p CertPEM) IsExpired() (bool, error) {
	cert, err := p.GetX509Cert()
	if err != nil {
		return false, err
	}
	return cert.NotAfter.Before(time.Now()), nil
}
