// Package truststore installs CA certificates into the operating system trust store.
//
// Every platform integration shells out through a Runner, so installation can be
// exercised in tests without privileges. Failures wrap interfaces.ErrTrustStoreInstall;
// callers log them and carry on, since running unprivileged is a supported mode.
package truststore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ruteri/device-pki/interfaces"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options selects and configures a platform integration.
type Options struct {
	// Platform defaults to runtime.GOOS.
	Platform string
	// CADir is the Linux anchor directory.
	CADir string
	// RefreshCommand is the Linux trust refresh binary.
	RefreshCommand string
	// Keychain is the macOS keychain receiving certificates.
	Keychain string
	// Runner defaults to ExecRunner.
	Runner Runner
}

// New returns the trust store integration for the configured platform.
func New(opts Options) interfaces.TrustStore {
	platform := opts.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	switch platform {
	case "linux":
		caDir := opts.CADir
		if caDir == "" {
			caDir = "/usr/local/share/ca-certificates"
		}
		refresh := opts.RefreshCommand
		if refresh == "" {
			refresh = "/usr/sbin/update-ca-certificates"
		}
		return &LinuxStore{caDir: caDir, refreshCommand: refresh, runner: runner}
	case "windows":
		return &WindowsStore{runner: runner}
	case "darwin":
		keychain := opts.Keychain
		if keychain == "" {
			keychain = "/Library/Keychains/System.keychain"
		}
		return &DarwinStore{keychain: keychain, runner: runner}
	default:
		return Unsupported{Platform: platform}
	}
}

// Unsupported rejects every installation.
type Unsupported struct {
	Platform string
}

// Install implements interfaces.TrustStore.
func (u Unsupported) Install(ctx context.Context, kind interfaces.CertificateKind, name string, cert *x509.Certificate) error {
	return fmt.Errorf("%w: %w (%s)", interfaces.ErrTrustStoreInstall, interfaces.ErrTrustStoreUnsupported, u.Platform)
}

// Name implements interfaces.TrustStore.
func (u Unsupported) Name() string { return "unsupported-" + u.Platform }

// Noop accepts every installation without side effects.
type Noop struct{}

// Install implements interfaces.TrustStore.
func (Noop) Install(ctx context.Context, kind interfaces.CertificateKind, name string, cert *x509.Certificate) error {
	return checkKind(kind)
}

// Name implements interfaces.TrustStore.
func (Noop) Name() string { return "disabled" }

func checkKind(kind interfaces.CertificateKind) error {
	if !kind.IsCA() {
		return fmt.Errorf("%w: %s certificates are not installed", interfaces.ErrTrustStoreInstall, kind)
	}
	return nil
}

func encodePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func installError(step string, err error, out []byte) error {
	msg := strings.TrimSpace(string(out))
	if msg != "" {
		return fmt.Errorf("%w: %s: %v: %s", interfaces.ErrTrustStoreInstall, step, err, msg)
	}
	return fmt.Errorf("%w: %s: %v", interfaces.ErrTrustStoreInstall, step, err)
}

// withTempPEM writes cert to a temporary file for the duration of fn.
func withTempPEM(cert *x509.Certificate, name string, fn func(path string) error) error {
	dir, err := os.MkdirTemp("", "truststore-*")
	if err != nil {
		return installError("create temp dir", err, nil)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, name+".cer")
	if err := os.WriteFile(path, encodePEM(cert), 0o644); err != nil {
		return installError("write temp certificate", err, nil)
	}
	return fn(path)
}
