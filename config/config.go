// Package config loads the device PKI configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultIterations is the default number of HMAC rounds of the legacy derivation.
	DefaultIterations = 183029

	SchemeLegacy = "legacy"
	SchemeHKDF   = "hkdf"
)

// DefaultIntermediateSlots is the rotation set of intermediate CA names.
var DefaultIntermediateSlots = []string{"intermediateca1", "intermediateca2", "intermediateca3"}

// LeafConfig requests a leaf certificate at bootstrap.
type LeafConfig struct {
	Kind       string `yaml:"kind"`
	CommonName string `yaml:"common_name"`
}

// TrustStoreConfig controls OS trust store installation.
type TrustStoreConfig struct {
	Enabled bool `yaml:"enabled"`
	// Platform overrides runtime.GOOS when set.
	Platform string `yaml:"platform"`
	// CADir is the Linux anchor directory.
	CADir string `yaml:"ca_dir"`
	// RefreshCommand is the Linux trust refresh binary.
	RefreshCommand string `yaml:"refresh_command"`
}

// LogConfig configures the persistent log sink.
type LogConfig struct {
	// Database is the SQLite path. Empty disables persistence.
	Database    string `yaml:"database"`
	MinSeverity string `yaml:"min_severity"`
}

// HTTPConfig configures the distribution server. Command line flags override it.
type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	EnablePprof     bool          `yaml:"pprof"`
	DrainDuration   time.Duration `yaml:"drain_duration"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// Config is the root configuration document.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	WebRoot      string `yaml:"web_root"`
	Organization string `yaml:"organization"`
	FrontEndURL  string `yaml:"front_end_url"`
	CRLName      string `yaml:"crl_name"`

	Iterations int    `yaml:"iterations"`
	KDFScheme  string `yaml:"kdf_scheme"`

	RootName          string       `yaml:"root_name"`
	IntermediateSlots []string     `yaml:"intermediate_slots"`
	Leaves            []LeafConfig `yaml:"leaves"`

	TrustStore TrustStoreConfig `yaml:"trust_store"`
	Publishers []string         `yaml:"publishers"`
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`

	MigrationsOnly bool `yaml:"migrations_only"`
}

// Default returns a configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:           dataDir,
		WebRoot:           filepath.Join(dataDir, "wwwroot"),
		Organization:      "DevicePKI",
		FrontEndURL:       "https://localhost",
		Iterations:        DefaultIterations,
		KDFScheme:         SchemeLegacy,
		RootName:          "ca",
		IntermediateSlots: append([]string(nil), DefaultIntermediateSlots...),
		Leaves:            []LeafConfig{{Kind: "authentication"}},
		TrustStore: TrustStoreConfig{
			Enabled:        true,
			CADir:          "/usr/local/share/ca-certificates",
			RefreshCommand: "/usr/sbin/update-ca-certificates",
		},
		Log: LogConfig{MinSeverity: "info"},
		HTTP: HTTPConfig{
			ListenAddr:      "127.0.0.1:8080",
			MetricsAddr:     "127.0.0.1:8090",
			DrainDuration:   45 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
	}
}

// Load reads a YAML file on top of Default(dataDir). A missing file yields the defaults.
func Load(path, dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.WebRoot == "" {
		cfg.WebRoot = filepath.Join(cfg.DataDir, "wwwroot")
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	switch c.KDFScheme {
	case SchemeLegacy, SchemeHKDF:
	default:
		return fmt.Errorf("unknown kdf_scheme %q", c.KDFScheme)
	}
	if len(c.IntermediateSlots) == 0 {
		return errors.New("at least one intermediate slot is required")
	}
	seen := map[string]bool{}
	for _, slot := range c.IntermediateSlots {
		if slot == "" || strings.ContainsAny(slot, `/\`) {
			return fmt.Errorf("invalid intermediate slot name %q", slot)
		}
		if seen[slot] {
			return fmt.Errorf("duplicate intermediate slot %q", slot)
		}
		seen[slot] = true
	}
	if c.RootName == "" || strings.ContainsAny(c.RootName, `/\`) {
		return fmt.Errorf("invalid root_name %q", c.RootName)
	}
	if c.HTTP.DrainDuration < 0 || c.HTTP.ShutdownTimeout < 0 || c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 {
		return errors.New("http durations must not be negative")
	}
	return nil
}

// CRLURL returns the CRL distribution point embedded in issued certificates.
func (c *Config) CRLURL() string {
	name := c.CRLName
	if name == "" {
		name = strings.ToLower(c.Organization) + ".crl"
	}
	return strings.TrimSuffix(strings.ToLower(c.FrontEndURL), "/") + "/pki/crl/" + name
}
