package pki

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/interfaces"
	"github.com/ruteri/device-pki/metrics"
)

// Chain is the public part of the active hierarchy.
type Chain struct {
	Root         *x509.Certificate
	Intermediate *x509.Certificate
	Slot         string
}

// LoadChain reads the root and the current intermediate certificates.
func (a *Authority) LoadChain(ctx context.Context) (*Chain, error) {
	root, err := readCert(a.layout.RootPaths().Cert)
	if err != nil {
		return nil, fmt.Errorf("%w: root certificate: %v", interfaces.ErrMissingIssuer, err)
	}

	slot, err := a.CurrentIntermediate()
	if err != nil {
		return nil, err
	}
	paths, _ := a.layout.IntermediatePaths(slot)
	intermediate, err := readCert(paths.Cert)
	if err != nil {
		return nil, fmt.Errorf("%w: intermediate %s: %v", interfaces.ErrMissingIssuer, slot, err)
	}

	return &Chain{Root: root, Intermediate: intermediate, Slot: slot}, nil
}

// VerifyLeaf validates the leaf of kind against the current intermediate and the root.
func (a *Authority) VerifyLeaf(ctx context.Context, kind interfaces.CertificateKind) error {
	paths, err := a.layout.LeafPaths(kind)
	if err != nil {
		return err
	}
	leaf, err := readCert(paths.Cert)
	if err != nil {
		return fmt.Errorf("failed to read %s certificate: %w", kind, err)
	}

	chain, err := a.LoadChain(ctx)
	if err != nil {
		return err
	}

	_, err = cryptoutils.VerifyChain(leaf, []*x509.Certificate{chain.Intermediate}, chain.Root)
	return err
}

// CertificateStatus describes one certificate file set.
type CertificateStatus struct {
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Present   bool      `json:"present"`
	Current   bool      `json:"current,omitempty"`
	State     string    `json:"state,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	Serial    string    `json:"serial,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

// Status reports the root, every intermediate slot and every leaf kind. It reads
// public files only and refreshes the expiry gauges.
func (a *Authority) Status(ctx context.Context) ([]CertificateStatus, error) {
	current, err := a.CurrentIntermediate()
	if err != nil {
		return nil, err
	}

	var out []CertificateStatus

	out = append(out, a.describe(interfaces.Root, a.layout.RootName, a.layout.RootPaths()))

	for _, slot := range a.layout.Slots {
		paths, _ := a.layout.IntermediatePaths(slot)
		status := a.describe(interfaces.Intermediate, slot, paths)
		status.Current = slot == current
		out = append(out, status)
	}

	for _, kind := range interfaces.LeafKinds {
		paths, _ := a.layout.LeafPaths(kind)
		status := a.describe(kind, kind.String(), paths)
		state, err := a.LeafState(kind)
		if err != nil {
			return nil, err
		}
		status.State = state.String()
		out = append(out, status)
	}

	return out, nil
}

func (a *Authority) describe(kind interfaces.CertificateKind, name string, paths Paths) CertificateStatus {
	status := CertificateStatus{Kind: kind.String(), Name: name}

	exists, err := cryptoutils.FileExists(paths.Container)
	if err != nil || !exists {
		return status
	}
	cert, err := readCert(paths.Cert)
	if err != nil {
		return status
	}

	status.Present = true
	status.Subject = cert.Subject.CommonName
	status.Issuer = cert.Issuer.CommonName
	status.Serial = cert.SerialNumber.Text(16)
	status.NotBefore = cert.NotBefore
	status.NotAfter = cert.NotAfter

	metrics.CertificateNotAfter.WithLabelValues(name).Set(float64(cert.NotAfter.Unix()))
	return status
}
