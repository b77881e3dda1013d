package pki

import (
	"crypto/elliptic"
	"crypto/x509"
	"fmt"

	"github.com/ruteri/device-pki/interfaces"
)

// RootValidityYears is the lifetime of a freshly created root.
const RootValidityYears = 100

// Profile holds the cryptographic parameters of one certificate kind.
type Profile struct {
	Kind interfaces.CertificateKind

	// Curve of the subject key.
	Curve elliptic.Curve
	// SignatureAlgorithm used by the issuer.
	SignatureAlgorithm x509.SignatureAlgorithm

	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage

	IsCA           bool
	MaxPathLen     int
	MaxPathLenZero bool

	// InstallTrust marks kinds placed into the OS trust store.
	InstallTrust bool
	// CRLDistribution marks kinds carrying the CRL distribution point.
	CRLDistribution bool
}

var profiles = map[interfaces.CertificateKind]Profile{
	interfaces.Root: {
		Kind:               interfaces.Root,
		Curve:              elliptic.P521(),
		SignatureAlgorithm: x509.ECDSAWithSHA512,
		KeyUsage:           x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:               true,
		MaxPathLen:         1,
		InstallTrust:       true,
	},
	interfaces.Intermediate: {
		Kind:               interfaces.Intermediate,
		Curve:              elliptic.P521(),
		SignatureAlgorithm: x509.ECDSAWithSHA512,
		KeyUsage:           x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:               true,
		MaxPathLen:         0,
		MaxPathLenZero:     true,
		InstallTrust:       true,
		CRLDistribution:    true,
	},
	interfaces.Authentication: {
		Kind:               interfaces.Authentication,
		Curve:              elliptic.P256(),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		KeyUsage: x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment | x509.KeyUsageKeyAgreement | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		CRLDistribution: true,
	},
	interfaces.SamAuthentication: {
		Kind:               interfaces.SamAuthentication,
		Curve:              elliptic.P256(),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		CRLDistribution:    true,
	},
	interfaces.CodeSigning: {
		Kind:               interfaces.CodeSigning,
		Curve:              elliptic.P256(),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		CRLDistribution:    true,
	},
}

// ProfileFor returns the profile of kind.
func ProfileFor(kind interfaces.CertificateKind) (Profile, error) {
	p, ok := profiles[kind]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %d", interfaces.ErrUnknownKind, int(kind))
	}
	return p, nil
}
