package pki

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/device-pki/config"
	"github.com/ruteri/device-pki/interfaces"
)

const (
	containerExt = ".pfx"
	certExt      = ".cer"

	// CurrentSlotFile names the pointer to the intermediate that signs leaves.
	CurrentSlotFile = "current.slot"
)

// Layout resolves every on-disk path role of the CA. It is built once from the
// configuration and shared by the authority, the orchestrator and the HTTP handler.
type Layout struct {
	DataDir  string
	WebRoot  string
	RootName string
	Slots    []string
}

// NewLayout builds a Layout from cfg.
func NewLayout(cfg *config.Config) Layout {
	return Layout{
		DataDir:  cfg.DataDir,
		WebRoot:  cfg.WebRoot,
		RootName: cfg.RootName,
		Slots:    append([]string(nil), cfg.IntermediateSlots...),
	}
}

// RootDir holds the root container and certificate.
func (l Layout) RootDir() string {
	return filepath.Join(l.DataDir, "pki", "ca", "root")
}

// IntermediateDir holds every intermediate slot and the current slot pointer.
func (l Layout) IntermediateDir() string {
	return filepath.Join(l.DataDir, "pki", "ca", "intermediate")
}

// CertificatesDir holds leaf certificates.
func (l Layout) CertificatesDir() string {
	return filepath.Join(l.DataDir, "pki", "certificates")
}

// CRLDir is reserved for revocation lists maintained outside the CA.
func (l Layout) CRLDir() string {
	return filepath.Join(l.DataDir, "pki", "crl")
}

// WebCADir is the web-servable directory of public CA certificates.
func (l Layout) WebCADir() string {
	return filepath.Join(l.WebRoot, "pki", "ca")
}

// CurrentSlotPath is the pointer file naming the current intermediate.
func (l Layout) CurrentSlotPath() string {
	return filepath.Join(l.IntermediateDir(), CurrentSlotFile)
}

// Paths groups the files belonging to one certificate.
type Paths struct {
	Container string
	Cert      string
	// Web is empty for leaves.
	Web string
}

// RootPaths returns the root certificate files.
func (l Layout) RootPaths() Paths {
	return Paths{
		Container: filepath.Join(l.RootDir(), l.RootName+containerExt),
		Cert:      filepath.Join(l.RootDir(), l.RootName+certExt),
		Web:       filepath.Join(l.WebCADir(), l.RootName+certExt),
	}
}

// IntermediatePaths returns the files of an intermediate slot.
func (l Layout) IntermediatePaths(slot string) (Paths, error) {
	if l.SlotIndex(slot) < 0 {
		return Paths{}, fmt.Errorf("%w: %q", interfaces.ErrUnknownSlot, slot)
	}
	return Paths{
		Container: filepath.Join(l.IntermediateDir(), slot+containerExt),
		Cert:      filepath.Join(l.IntermediateDir(), slot+certExt),
		Web:       filepath.Join(l.WebCADir(), slot+certExt),
	}, nil
}

// LeafPaths returns the files of a leaf kind.
func (l Layout) LeafPaths(kind interfaces.CertificateKind) (Paths, error) {
	if kind.IsCA() {
		return Paths{}, fmt.Errorf("%w: %s is not a leaf kind", interfaces.ErrUnknownKind, kind)
	}
	if _, err := ProfileFor(kind); err != nil {
		return Paths{}, err
	}
	return Paths{
		Container: filepath.Join(l.CertificatesDir(), kind.String()+containerExt),
		Cert:      filepath.Join(l.CertificatesDir(), kind.String()+certExt),
	}, nil
}

// SlotIndex returns the position of slot in the rotation set or -1.
func (l Layout) SlotIndex(slot string) int {
	for i, s := range l.Slots {
		if s == slot {
			return i
		}
	}
	return -1
}

// EnsureDirs creates the directory tree.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.RootDir(), l.IntermediateDir(), l.CertificatesDir(), l.CRLDir(), l.WebCADir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
