// Package flags holds the command line flags shared by the binaries.
package flags

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-pki/api"
	"github.com/ruteri/device-pki/common"
	"github.com/ruteri/device-pki/config"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) *slog.Logger {
	return setupLogger(cCtx, nil)
}

// SetupCLILogger logs to the app error writer so command output stays clean.
func SetupCLILogger(cCtx *cli.Context) *slog.Logger {
	return setupLogger(cCtx, cCtx.App.ErrWriter)
}

func setupLogger(cCtx *cli.Context, out io.Writer) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String("log-service"),
		Version: common.Version,
		Output:  out,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	return logger
}

// LoadConfig reads --config on top of the defaults for --data-dir and applies
// --migrations.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cCtx.String(ConfigFlag.Name), cCtx.String(DataDirFlag.Name))
	if err != nil {
		return nil, err
	}
	if cCtx.Bool(MigrationsFlag.Name) {
		cfg.MigrationsOnly = true
	}
	return cfg, nil
}

// ConfigureServer returns the server settings of the config file with explicitly set
// flags taking precedence. An empty listenAddr keeps the configured address.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, base config.HTTPConfig, listenAddr string) *api.HTTPServerConfig {
	if listenAddr != "" {
		base.ListenAddr = listenAddr
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		base.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(PprofFlag.Name) {
		base.EnablePprof = cCtx.Bool(PprofFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		base.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	}
	return api.NewHTTPServerConfig(base, logger)
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	EnvVars: []string{"DEVICE_PKI_CONFIG"},
	Usage:   "path to the YAML configuration file",
}
var DataDirFlag = &cli.StringFlag{
	Name:    "data-dir",
	Value:   "/var/lib/device-pki",
	EnvVars: []string{"DEVICE_PKI_DATA_DIR"},
	Usage:   "persistent data directory holding the identity and certificates",
}
var MigrationsFlag = &cli.BoolFlag{
	Name:  "migrations",
	Usage: "run schema migrations only and skip certificate bootstrap",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Usage: "enable pprof debug endpoint (overrides http.pprof)",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Usage: "seconds to wait in drain HTTP request (overrides http.drain_duration)",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Usage: "address to listen on for Prometheus metrics (overrides http.metrics_addr)",
}

var SystemFlags = []cli.Flag{
	ConfigFlag,
	DataDirFlag,
	MigrationsFlag,
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var CommonFlags = append(append([]cli.Flag{}, LogFlags...), ServerFlags...)
