package truststore

import (
	"context"
	"crypto/x509"
	"sync"

	"github.com/ruteri/device-pki/interfaces"
)

// Installation is one call recorded by Recorder.
type Installation struct {
	Kind        interfaces.CertificateKind
	Name        string
	Certificate *x509.Certificate
}

// Recorder is an in-memory TrustStore for tests. Err, when set, is returned from
// every Install after the call is recorded.
type Recorder struct {
	mu            sync.Mutex
	Installations []Installation
	Err           error
}

// Install implements interfaces.TrustStore.
func (r *Recorder) Install(ctx context.Context, kind interfaces.CertificateKind, name string, cert *x509.Certificate) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Installations = append(r.Installations, Installation{Kind: kind, Name: name, Certificate: cert})
	return r.Err
}

// Name implements interfaces.TrustStore.
func (r *Recorder) Name() string { return "recorder" }

// Count returns how many installations of kind were recorded.
func (r *Recorder) Count(kind interfaces.CertificateKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, i := range r.Installations {
		if i.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets every recorded installation.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Installations = nil
}
