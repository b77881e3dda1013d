package interfaces

import (
	"context"
	"crypto/x509"
)

// LogSink accepts structured instrumentation records. Implementations must not block
// the caller on failure.
type LogSink interface {
	Log(message string, severity Severity, source string)
}

// TrustStore installs CA certificates into the operating system trust store.
type TrustStore interface {
	// Install adds cert under name. Only Root and Intermediate kinds are accepted.
	Install(ctx context.Context, kind CertificateKind, name string, cert *x509.Certificate) error

	// Name identifies the platform integration.
	Name() string
}
