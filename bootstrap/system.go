package bootstrap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/device-pki/config"
	"github.com/ruteri/device-pki/identity"
	"github.com/ruteri/device-pki/interfaces"
	"github.com/ruteri/device-pki/kms"
	"github.com/ruteri/device-pki/logsink"
	"github.com/ruteri/device-pki/pki"
	"github.com/ruteri/device-pki/storage"
	"github.com/ruteri/device-pki/truststore"
)

// System holds the constructed components of a device.
type System struct {
	Config    *config.Config
	Identity  *identity.Store
	KMS       *kms.DeviceKMS
	Authority *pki.Authority
	Sink      interfaces.LogSink
	// LogStore is nil unless a log database is configured.
	LogStore *logsink.SQLiteStore
	// Publisher is nil unless publishers are configured.
	Publisher *storage.MultiPublisher

	log *slog.Logger
}

// SystemOption adjusts construction, mostly for tests.
type SystemOption func(*systemOptions)

type systemOptions struct {
	trust interfaces.TrustStore
}

// WithTrustStore overrides the platform trust store.
func WithTrustStore(trust interfaces.TrustStore) SystemOption {
	return func(o *systemOptions) { o.trust = trust }
}

// Open builds every component from cfg. Nothing is issued until the orchestrator runs.
func Open(cfg *config.Config, log *slog.Logger, opts ...SystemOption) (*System, error) {
	var o systemOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &System{Config: cfg, log: log}

	sinks := []interfaces.LogSink{logsink.NewSlogSink(log)}
	if cfg.Log.Database != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.Database), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		store, err := logsink.OpenSQLite(cfg.Log.Database, log)
		if err != nil {
			return nil, err
		}
		s.LogStore = store
		sinks = append(sinks, store)
	}
	s.Sink = logsink.NewMulti(logsink.ParseSeverity(cfg.Log.MinSeverity), sinks...)

	s.Identity = identity.NewStore(cfg.DataDir, log)

	deriver, err := kms.NewDeviceKMS(s.Identity, cfg.Iterations)
	if err != nil {
		s.Close()
		return nil, err
	}
	if deriver, err = deriver.WithScheme(kms.Scheme(cfg.KDFScheme)); err != nil {
		s.Close()
		return nil, err
	}
	s.KMS = deriver.WithLogSink(s.Sink)

	trust := o.trust
	if trust == nil {
		if cfg.TrustStore.Enabled {
			trust = truststore.New(truststore.Options{
				Platform:       cfg.TrustStore.Platform,
				CADir:          cfg.TrustStore.CADir,
				RefreshCommand: cfg.TrustStore.RefreshCommand,
			})
		} else {
			trust = truststore.Noop{}
		}
	}

	layout := pki.NewLayout(cfg)
	authOpts := pki.Options{
		Organization: cfg.Organization,
		CRLURL:       cfg.CRLURL(),
		TrustStore:   trust,
		Sink:         s.Sink,
		Log:          log,
	}

	if len(cfg.Publishers) > 0 {
		// The authority is needed to load the client certificate of mutual TLS publishers.
		probe, err := pki.NewAuthority(layout, s.KMS, s.Identity, authOpts)
		if err != nil {
			s.Close()
			return nil, err
		}

		factory := storage.NewPublisherFactory(log)
		if needsClientCertificate(cfg.Publishers) {
			cert, err := ClientCertificate(probe)
			if err != nil {
				log.Warn("No client certificate for publishers, continuing without", "err", err)
			} else {
				factory.WithClientCertificate(cert)
			}
		}

		publisher, err := factory.CreateMultiPublisher(cfg.Publishers)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Publisher = publisher
		authOpts.Publisher = publisher
	}

	s.Authority, err = pki.NewAuthority(layout, s.KMS, s.Identity, authOpts)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Orchestrator returns the startup orchestrator for the configured leaves.
func (s *System) Orchestrator() (*Orchestrator, error) {
	leaves, err := LeavesFromConfig(s.Config)
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(s.Authority, leaves, s.Config.MigrationsOnly, s.log), nil
}

// Close releases the entropy enclave and the log database.
func (s *System) Close() error {
	var errs []error
	if s.Identity != nil {
		s.Identity.Close()
	}
	if s.LogStore != nil {
		errs = append(errs, s.LogStore.Close())
	}
	return errors.Join(errs...)
}

// ClientCertificate loads the Authentication leaf as a TLS client certificate.
func ClientCertificate(authority *pki.Authority) (*tls.Certificate, error) {
	state, err := authority.LeafState(interfaces.Authentication)
	if err != nil {
		return nil, err
	}
	if state == pki.LeafMissing {
		return nil, fmt.Errorf("%w: authentication certificate not issued", interfaces.ErrMissingIssuer)
	}

	container, err := authority.LoadContainer(interfaces.Authentication, "")
	if err != nil {
		return nil, err
	}

	chain := [][]byte{container.Certificate.Raw}
	for _, c := range container.Chain {
		chain = append(chain, c.Raw)
	}
	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  container.Key,
		Leaf:        container.Certificate,
	}, nil
}

func needsClientCertificate(uris []string) bool {
	for _, uri := range uris {
		if strings.HasPrefix(strings.ToLower(uri), "vault://") {
			return true
		}
	}
	return false
}
