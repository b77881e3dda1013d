package truststore

import (
	"context"
	"crypto/x509"

	"github.com/ruteri/device-pki/interfaces"
)

// DarwinStore adds certificates to a macOS keychain. Roots are marked trusted;
// intermediates are only added so that chains can be built.
type DarwinStore struct {
	keychain string
	runner   Runner
}

// Install implements interfaces.TrustStore.
func (s *DarwinStore) Install(ctx context.Context, kind interfaces.CertificateKind, name string, cert *x509.Certificate) error {
	if err := checkKind(kind); err != nil {
		return err
	}

	return withTempPEM(cert, name, func(path string) error {
		args := []string{"add-certificates", "-k", s.keychain, path}
		if kind == interfaces.Root {
			args = []string{"add-trusted-cert", "-d", "-r", "trustRoot", "-k", s.keychain, path}
		}
		if out, err := s.runner.Run(ctx, "security", args...); err != nil {
			return installError("security "+args[0], err, out)
		}
		return nil
	})
}

// Name implements interfaces.TrustStore.
func (s *DarwinStore) Name() string { return "darwin" }
