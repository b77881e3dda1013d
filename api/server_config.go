package api

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/device-pki/config"
)

// HTTPServerConfig is the runtime configuration of an httpserver.Server.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr disables the metrics listener when empty.
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /drain keeps reporting not ready before load
	// balancers are expected to have noticed.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// NewHTTPServerConfig builds the server configuration from the http section of the
// configuration file.
func NewHTTPServerConfig(c config.HTTPConfig, log *slog.Logger) *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               c.ListenAddr,
		MetricsAddr:              c.MetricsAddr,
		EnablePprof:              c.EnablePprof,
		Log:                      log,
		DrainDuration:            c.DrainDuration,
		GracefulShutdownDuration: c.ShutdownTimeout,
		ReadTimeout:              c.ReadTimeout,
		WriteTimeout:             c.WriteTimeout,
	}
}

// Validate reports settings the server cannot start with.
func (c *HTTPServerConfig) Validate() error {
	if c.Log == nil {
		return errors.New("logger is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.GracefulShutdownDuration <= 0 {
		return errors.New("graceful shutdown duration must be positive")
	}
	return nil
}
