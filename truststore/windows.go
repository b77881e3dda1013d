package truststore

import (
	"context"
	"crypto/x509"

	"github.com/ruteri/device-pki/interfaces"
)

// WindowsStore adds certificates to the local machine Root or CA store with certutil.
type WindowsStore struct {
	runner Runner
}

// Install implements interfaces.TrustStore.
func (s *WindowsStore) Install(ctx context.Context, kind interfaces.CertificateKind, name string, cert *x509.Certificate) error {
	if err := checkKind(kind); err != nil {
		return err
	}

	store := "Root"
	if kind == interfaces.Intermediate {
		store = "CA"
	}

	return withTempPEM(cert, name, func(path string) error {
		if out, err := s.runner.Run(ctx, "certutil", "-f", "-addstore", store, path); err != nil {
			return installError("certutil -addstore "+store, err, out)
		}
		return nil
	})
}

// Name implements interfaces.TrustStore.
func (s *WindowsStore) Name() string { return "windows" }
