package truststore

import (
	"context"
	"crypto/x509"
	"path/filepath"

	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/interfaces"
)

// LinuxStore drops PEM anchors into the local CA directory and refreshes the bundle.
type LinuxStore struct {
	caDir          string
	refreshCommand string
	runner         Runner
}

// Install implements interfaces.TrustStore.
func (s *LinuxStore) Install(ctx context.Context, kind interfaces.CertificateKind, name string, cert *x509.Certificate) error {
	if err := checkKind(kind); err != nil {
		return err
	}

	path := filepath.Join(s.caDir, name+".crt")
	if err := cryptoutils.WriteFileAtomic(path, encodePEM(cert), 0o644); err != nil {
		return installError("write "+path, err, nil)
	}

	if out, err := s.runner.Run(ctx, s.refreshCommand); err != nil {
		return installError(s.refreshCommand, err, out)
	}
	return nil
}

// Name implements interfaces.TrustStore.
func (s *LinuxStore) Name() string { return "linux" }
