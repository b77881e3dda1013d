package pki

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/interfaces"
	"github.com/ruteri/device-pki/metrics"
)

const sourceWriteCertificate = "WriteCertificate"

// Identity supplies the installation tag embedded in subject names.
type Identity interface {
	DeviceTag() (string, error)
}

// Options configures an Authority.
type Options struct {
	Organization string
	// CRLURL is embedded as the distribution point of every non-root certificate.
	CRLURL string

	// TrustStore receives root and intermediate certificates. Nil disables installation.
	TrustStore interfaces.TrustStore
	// Publisher mirrors public CA certificates. Nil disables publishing.
	Publisher interfaces.Publisher

	Sink interfaces.LogSink
	Log  *slog.Logger
}

// Authority issues and persists the root, the intermediate slots and leaf certificates.
// It is not safe for concurrent use; a data directory is owned by one process.
type Authority struct {
	layout    Layout
	kms       interfaces.KeyDeriver
	identity  Identity
	org       string
	crlURL    string
	trust     interfaces.TrustStore
	publisher interfaces.Publisher
	sink      interfaces.LogSink
	log       *slog.Logger

	now func() time.Time
}

// Record is the result of an issuance.
type Record struct {
	Kind        interfaces.CertificateKind
	Name        string
	Certificate *x509.Certificate
	// PEM is the content of the .cer file.
	PEM   cryptoutils.CertPEM
	Paths Paths
	// Purged counts intermediate files removed before a root was created.
	Purged int
}

// NewAuthority creates an Authority over layout.
func NewAuthority(layout Layout, kms interfaces.KeyDeriver, identity Identity, opts Options) (*Authority, error) {
	if kms == nil || identity == nil {
		return nil, errors.New("key deriver and identity are required")
	}
	if len(layout.Slots) == 0 {
		return nil, errors.New("at least one intermediate slot is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = nopSink{}
	}

	return &Authority{
		layout:    layout,
		kms:       kms,
		identity:  identity,
		org:       opts.Organization,
		crlURL:    opts.CRLURL,
		trust:     opts.TrustStore,
		publisher: opts.Publisher,
		sink:      sink,
		log:       log,
		now:       time.Now,
	}, nil
}

// Layout returns the path layout.
func (a *Authority) Layout() Layout {
	return a.layout
}

// RootExists reports whether the root container is present.
func (a *Authority) RootExists() (bool, error) {
	return cryptoutils.FileExists(a.layout.RootPaths().Container)
}

// IntermediateExists reports whether the container of slot is present.
func (a *Authority) IntermediateExists(slot string) (bool, error) {
	paths, err := a.layout.IntermediatePaths(slot)
	if err != nil {
		return false, err
	}
	return cryptoutils.FileExists(paths.Container)
}

// PurgeIntermediates removes every file in the intermediate directory, including the
// current slot pointer. It returns the number of files removed.
func (a *Authority) PurgeIntermediates() (int, error) {
	dir := a.layout.IntermediateDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list intermediates: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
		removed++
	}

	for _, slot := range a.layout.Slots {
		paths, _ := a.layout.IntermediatePaths(slot)
		if err := os.Remove(paths.Web); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove web copy of %s: %w", slot, err)
		}
	}

	if removed > 0 {
		a.sink.Log(fmt.Sprintf("Removed %d intermediate CA files issued by a replaced root", removed),
			interfaces.SeverityWarning, "PurgeIntermediates")
	}
	return removed, nil
}

// CreateRoot generates a new self-signed root and overwrites any existing one.
// Intermediates issued by the previous root are purged before the new root is committed.
func (a *Authority) CreateRoot(ctx context.Context) (*Record, error) {
	profile, _ := ProfileFor(interfaces.Root)

	tag, err := a.identity.DeviceTag()
	if err != nil {
		return nil, err
	}

	key, err := cryptoutils.GenerateECKey(profile.Curve)
	if err != nil {
		return nil, a.cryptoFailure("CreateRoot", err)
	}

	notBefore := a.notBefore()
	template, err := a.template(profile, key.Public(), pkix.Name{
		CommonName:   fmt.Sprintf("%s - %s - Root CA", a.org, tag),
		Organization: []string{a.org},
	}, notBefore, notBefore.AddDate(RootValidityYears, 0, 0))
	if err != nil {
		return nil, a.cryptoFailure("CreateRoot", err)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, a.cryptoFailure("CreateRoot", fmt.Errorf("failed to sign root: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, a.cryptoFailure("CreateRoot", err)
	}

	record := &Record{
		Kind:        interfaces.Root,
		Name:        a.layout.RootName,
		Certificate: cert,
		PEM:         cryptoutils.EncodeCertPEM(cert),
		Paths:       a.layout.RootPaths(),
	}

	record.Purged, err = a.PurgeIntermediates()
	if err != nil {
		return nil, err
	}
	if err := a.persist(ctx, record, key, nil, profile); err != nil {
		return nil, err
	}

	a.finish(ctx, record, profile)
	return record, nil
}

// CreateIntermediate issues slot signed by the root, overwriting the slot if present.
func (a *Authority) CreateIntermediate(ctx context.Context, slot string) (*Record, error) {
	profile, _ := ProfileFor(interfaces.Intermediate)

	paths, err := a.layout.IntermediatePaths(slot)
	if err != nil {
		return nil, err
	}

	root, err := a.loadContainer(interfaces.Root, a.layout.RootPaths().Container)
	if err != nil {
		return nil, err
	}

	tag, err := a.identity.DeviceTag()
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{
		CommonName:   fmt.Sprintf("%s - %s - Intermediate CA%d", a.org, tag, a.layout.SlotIndex(slot)+1),
		Organization: []string{a.org},
	}

	record, key, err := a.issue(profile, subject, root, a.notBefore(), root.Certificate.NotAfter)
	if err != nil {
		return nil, err
	}
	record.Kind = interfaces.Intermediate
	record.Name = slot
	record.Paths = paths

	if err := a.persist(ctx, record, key, []*x509.Certificate{root.Certificate}, profile); err != nil {
		return nil, err
	}

	a.finish(ctx, record, profile)
	return record, nil
}

// IssueLeaf issues a leaf of kind signed by the current intermediate. An empty
// commonName selects the default installation name.
func (a *Authority) IssueLeaf(ctx context.Context, kind interfaces.CertificateKind, commonName string) (*Record, error) {
	paths, err := a.layout.LeafPaths(kind)
	if err != nil {
		return nil, err
	}
	profile, _ := ProfileFor(kind)

	slot, err := a.CurrentIntermediate()
	if err != nil {
		return nil, err
	}
	slotPaths, _ := a.layout.IntermediatePaths(slot)

	issuer, err := a.loadContainer(interfaces.Intermediate, slotPaths.Container)
	if err != nil {
		return nil, err
	}

	if commonName == "" {
		tag, err := a.identity.DeviceTag()
		if err != nil {
			return nil, err
		}
		commonName = fmt.Sprintf("%s - %s", a.org, tag)
	}

	record, key, err := a.issue(profile, pkix.Name{
		CommonName:   commonName,
		Organization: []string{a.org},
	}, issuer, a.notBefore(), issuer.Certificate.NotAfter)
	if err != nil {
		return nil, err
	}
	record.Kind = kind
	record.Name = kind.String()
	record.Paths = paths

	// The .cer carries the leaf followed by its issuer.
	issuerPEM := cryptoutils.EncodeCertPEM(issuer.Certificate)
	record.PEM = cryptoutils.CertPEM(bytes.Join([][]byte{record.PEM, issuerPEM}, []byte("\n")))

	if err := a.persist(ctx, record, key, []*x509.Certificate{issuer.Certificate}, profile); err != nil {
		return nil, err
	}

	a.finish(ctx, record, profile)
	return record, nil
}

// EnsureCertificate returns the PEM of kind, creating the certificate when it is missing.
// Leaves issued by an intermediate other than the current one are reissued.
func (a *Authority) EnsureCertificate(ctx context.Context, kind interfaces.CertificateKind, commonName string) (string, error) {
	switch kind {
	case interfaces.Root:
		exists, err := a.RootExists()
		if err != nil {
			return "", err
		}
		if !exists {
			record, err := a.CreateRoot(ctx)
			if err != nil {
				return "", err
			}
			return string(record.PEM), nil
		}
		return readPEM(a.layout.RootPaths().Cert)

	case interfaces.Intermediate:
		slot, err := a.CurrentIntermediate()
		if err != nil {
			return "", err
		}
		exists, err := a.IntermediateExists(slot)
		if err != nil {
			return "", err
		}
		if !exists {
			record, err := a.CreateIntermediate(ctx, slot)
			if err != nil {
				return "", err
			}
			return string(record.PEM), nil
		}
		paths, _ := a.layout.IntermediatePaths(slot)
		return readPEM(paths.Cert)
	}

	state, err := a.LeafState(kind)
	if err != nil {
		return "", err
	}
	if state == LeafCurrent {
		paths, _ := a.layout.LeafPaths(kind)
		return readPEM(paths.Cert)
	}

	record, err := a.IssueLeaf(ctx, kind, commonName)
	if err != nil {
		return "", err
	}
	return string(record.PEM), nil
}

// LeafState describes a leaf on disk relative to the current intermediate.
type LeafState int

const (
	LeafMissing LeafState = iota
	// LeafStale leaves were issued by another intermediate.
	LeafStale
	LeafCurrent
)

func (s LeafState) String() string {
	switch s {
	case LeafMissing:
		return "missing"
	case LeafStale:
		return "stale"
	default:
		return "current"
	}
}

// LeafState inspects the public files of kind without opening any container.
func (a *Authority) LeafState(kind interfaces.CertificateKind) (LeafState, error) {
	paths, err := a.layout.LeafPaths(kind)
	if err != nil {
		return LeafMissing, err
	}

	for _, p := range []string{paths.Container, paths.Cert} {
		exists, err := cryptoutils.FileExists(p)
		if err != nil {
			return LeafMissing, err
		}
		if !exists {
			return LeafMissing, nil
		}
	}

	leaf, err := readCert(paths.Cert)
	if err != nil {
		// An unreadable leaf is replaced rather than trusted.
		a.log.Warn("Leaf certificate unreadable", "kind", kind.String(), "err", err)
		return LeafStale, nil
	}

	slot, err := a.CurrentIntermediate()
	if err != nil {
		return LeafMissing, err
	}
	slotPaths, _ := a.layout.IntermediatePaths(slot)
	issuer, err := readCert(slotPaths.Cert)
	if err != nil {
		return LeafStale, nil
	}

	if !bytes.Equal(leaf.AuthorityKeyId, issuer.SubjectKeyId) {
		return LeafStale, nil
	}
	return LeafCurrent, nil
}

// CurrentIntermediate returns the slot that signs leaves. Without a pointer file the
// first slot is current.
func (a *Authority) CurrentIntermediate() (string, error) {
	raw, err := os.ReadFile(a.layout.CurrentSlotPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return a.layout.Slots[0], nil
		}
		return "", fmt.Errorf("failed to read current slot: %w", err)
	}

	slot := strings.TrimSpace(string(raw))
	if a.layout.SlotIndex(slot) < 0 {
		return "", fmt.Errorf("%w: current slot %q", interfaces.ErrUnknownSlot, slot)
	}
	return slot, nil
}

// RotateIntermediate marks slot as current. The slot must already be issued.
func (a *Authority) RotateIntermediate(slot string) error {
	exists, err := a.IntermediateExists(slot)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: intermediate %s has not been issued", interfaces.ErrMissingIssuer, slot)
	}

	previous, err := a.CurrentIntermediate()
	if err != nil && !errors.Is(err, interfaces.ErrUnknownSlot) {
		return err
	}

	if err := cryptoutils.WriteFileAtomic(a.layout.CurrentSlotPath(), []byte(slot+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write current slot: %w", err)
	}

	a.sink.Log(fmt.Sprintf("Current intermediate CA rotated from %s to %s", previous, slot),
		interfaces.SeverityInfo, "RotateIntermediate")
	return nil
}

// LoadContainer opens the container of a certificate with its derived password.
func (a *Authority) LoadContainer(kind interfaces.CertificateKind, name string) (*cryptoutils.Container, error) {
	var paths Paths
	var err error
	switch kind {
	case interfaces.Root:
		paths = a.layout.RootPaths()
	case interfaces.Intermediate:
		paths, err = a.layout.IntermediatePaths(name)
	default:
		paths, err = a.layout.LeafPaths(kind)
	}
	if err != nil {
		return nil, err
	}
	return a.loadContainer(kind, paths.Container)
}

// issue generates a key for profile and has issuer sign it through a certificate request.
func (a *Authority) issue(profile Profile, subject pkix.Name, issuer *cryptoutils.Container, notBefore, notAfter time.Time) (*Record, crypto.Signer, error) {
	source := "IssueLeaf"
	if profile.Kind == interfaces.Intermediate {
		source = "CreateIntermediate"
	}

	key, err := cryptoutils.GenerateECKey(profile.Curve)
	if err != nil {
		return nil, nil, a.cryptoFailure(source, err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, key)
	if err != nil {
		return nil, nil, a.cryptoFailure(source, fmt.Errorf("failed to create certificate request: %w", err))
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, nil, a.cryptoFailure(source, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, a.cryptoFailure(source, fmt.Errorf("invalid certificate request: %w", err))
	}

	template, err := a.template(profile, csr.PublicKey, csr.Subject, notBefore, notAfter)
	if err != nil {
		return nil, nil, a.cryptoFailure(source, err)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, issuer.Certificate, csr.PublicKey, issuer.Key)
	if err != nil {
		return nil, nil, a.cryptoFailure(source, fmt.Errorf("failed to sign certificate: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, a.cryptoFailure(source, err)
	}

	return &Record{Certificate: cert, PEM: cryptoutils.EncodeCertPEM(cert)}, key, nil
}

func (a *Authority) template(profile Profile, pub crypto.PublicKey, subject pkix.Name, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	serial, err := cryptoutils.RandomSerial()
	if err != nil {
		return nil, err
	}
	ski, err := cryptoutils.SubjectKeyID(pub)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		SignatureAlgorithm:    profile.SignatureAlgorithm,
		KeyUsage:              profile.KeyUsage,
		ExtKeyUsage:           profile.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  profile.IsCA,
		SubjectKeyId:          ski,
	}
	if profile.IsCA {
		template.MaxPathLen = profile.MaxPathLen
		template.MaxPathLenZero = profile.MaxPathLenZero
	}
	if profile.CRLDistribution && a.crlURL != "" {
		template.CRLDistributionPoints = []string{a.crlURL}
	}
	return template, nil
}

// writeFileAtomic is replaced in tests to interrupt persist.
var writeFileAtomic = cryptoutils.WriteFileAtomic

// persist removes any previous container, writes the public certificate files,
// installs trust anchors and writes the container last. A present container
// implies complete public files and a completed trust-store attempt.
func (a *Authority) persist(ctx context.Context, record *Record, key crypto.Signer, chain []*x509.Certificate, profile Profile) error {
	password, err := a.kms.ContainerPassword(record.Kind)
	if err != nil {
		return err
	}

	pfx, err := cryptoutils.EncodeContainer(key, record.Certificate, chain, password)
	if err != nil {
		return a.cryptoFailure("WriteContainer", err)
	}

	if err := os.Remove(record.Paths.Container); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", record.Paths.Container, err)
	}
	if err := writeFileAtomic(record.Paths.Cert, record.PEM, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", record.Paths.Cert, err)
	}
	if record.Paths.Web != "" {
		if err := writeFileAtomic(record.Paths.Web, record.PEM, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", record.Paths.Web, err)
		}
	}
	if profile.InstallTrust {
		a.install(ctx, record)
	}
	if err := writeFileAtomic(record.Paths.Container, pfx, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", record.Paths.Container, err)
	}

	metrics.CertificatesIssued.WithLabelValues(record.Kind.String()).Inc()
	metrics.CertificateNotAfter.WithLabelValues(record.Name).Set(float64(record.Certificate.NotAfter.Unix()))

	a.log.Info("Certificate issued",
		slog.String("kind", record.Kind.String()),
		slog.String("name", record.Name),
		slog.String("subject", record.Certificate.Subject.CommonName),
		slog.String("serial", record.Certificate.SerialNumber.Text(16)),
		slog.Time("not_after", record.Certificate.NotAfter))
	return nil
}

// finish publishes committed CA certificates.
func (a *Authority) finish(ctx context.Context, record *Record, profile Profile) {
	if profile.IsCA {
		a.publish(ctx, record)
	}
}

func (a *Authority) install(ctx context.Context, record *Record) {
	if a.trust == nil {
		return
	}

	label := "Intermediate CA"
	if record.Kind == interfaces.Root {
		label = "Root CA"
	}

	err := a.trust.Install(ctx, record.Kind, a.anchorName(record.Name), record.Certificate)
	metrics.TrustStoreInstalls.WithLabelValues(record.Kind.String(), metrics.Result(err)).Inc()
	if err != nil {
		severity := interfaces.SeverityWarning
		if !errors.Is(err, interfaces.ErrTrustStoreInstall) && !errors.Is(err, interfaces.ErrTrustStoreUnsupported) {
			severity = interfaces.SeverityError
		}
		a.sink.Log(fmt.Sprintf("%s certificate %s could not be placed into the %s trust store: %v",
			label, record.Certificate.Subject.CommonName, a.trust.Name(), err), severity, sourceWriteCertificate)
		return
	}

	a.sink.Log(fmt.Sprintf("%s certificate %s placed into the %s trust store",
		label, record.Certificate.Subject.CommonName, a.trust.Name()), interfaces.SeverityInfo, sourceWriteCertificate)
}

// anchorName prefixes name with the organization so trust-store entries do not
// collide with anchors installed by other software.
func (a *Authority) anchorName(name string) string {
	org := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, a.org)
	org = strings.Trim(org, "-")
	if org == "" {
		return name
	}
	return org + "-" + name
}

func (a *Authority) publish(ctx context.Context, record *Record) {
	if a.publisher == nil {
		return
	}
	name := "pki/ca/" + record.Name + certExt
	if err := a.publisher.Publish(ctx, name, record.PEM); err != nil {
		a.sink.Log(fmt.Sprintf("Failed to publish %s: %v", name, err), interfaces.SeverityWarning, "PublishCertificate")
	}
}

func (a *Authority) loadContainer(kind interfaces.CertificateKind, path string) (*cryptoutils.Container, error) {
	pfx, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrMissingIssuer, filepath.Base(path), err)
	}

	password, err := a.kms.ContainerPassword(kind)
	if err != nil {
		return nil, err
	}

	container, err := cryptoutils.DecodeContainer(pfx, password)
	if err != nil {
		a.sink.Log(fmt.Sprintf("Unable to open %s container %s: %v", kind, filepath.Base(path), err),
			interfaces.SeverityError, "LoadContainer")
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrMissingIssuer, filepath.Base(path), err)
	}
	return container, nil
}

func (a *Authority) cryptoFailure(source string, err error) error {
	a.sink.Log(err.Error(), interfaces.SeverityError, source)
	return err
}

func (a *Authority) notBefore() time.Time {
	return a.now().Add(-24 * time.Hour).UTC().Truncate(time.Second)
}

func readPEM(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(raw), nil
}

func readCert(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return cryptoutils.CertPEM(raw).GetX509Cert()
}

type nopSink struct{}

func (nopSink) Log(string, interfaces.Severity, string) {}
