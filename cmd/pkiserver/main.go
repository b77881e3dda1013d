package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/device-pki/api/pkihandler"
	"github.com/ruteri/device-pki/bootstrap"
	"github.com/ruteri/device-pki/cmd/flags"
	"github.com/ruteri/device-pki/httpserver"
	"github.com/urfave/cli/v2"
)

var PkiServiceLogFlag = flags.LogServiceFlagFn("pki")

var PkiListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Usage: "address to listen on for the PKI API (overrides http.listen_addr)",
}

var BootstrapOnlyFlag = &cli.BoolFlag{
	Name:  "bootstrap-only",
	Value: false,
	Usage: "exit after the certificate bootstrap instead of serving the PKI API",
}

func main() {
	app := &cli.App{
		Name:  "pki-server",
		Usage: "Bootstrap and serve the device certificate authority",
		Flags: append(append(append(append([]cli.Flag{}, flags.SystemFlags...), EscrowFlags...), PkiListenAddrFlag, BootstrapOnlyFlag, PkiServiceLogFlag), flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Error("Failed to load configuration", "err", err)
				return err
			}

			if err := RecoverIdentity(cCtx, logger, cfg); err != nil {
				logger.Error("Failed to recover identity", "err", err)
				return err
			}

			system, err := bootstrap.Open(cfg, logger)
			if err != nil {
				logger.Error("Failed to initialize", "err", err)
				return err
			}
			defer system.Close()

			orchestrator, err := system.Orchestrator()
			if err != nil {
				logger.Error("Invalid leaf configuration", "err", err)
				return err
			}

			report, err := orchestrator.Run(context.Background())
			if err != nil {
				logger.Error("Certificate bootstrap failed", "err", err)
				return err
			}
			logger.Info("Certificate bootstrap finished", "report", report.String())

			if cCtx.Bool(BootstrapOnlyFlag.Name) || cfg.MigrationsOnly {
				return nil
			}

			pkiServer, err := httpserver.New(
				flags.ConfigureServer(cCtx, logger, cfg.HTTP, cCtx.String(PkiListenAddrFlag.Name)),
				pkihandler.NewHandler(system.Authority, cfg.CRLURL(), logger),
			)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			pkiServer.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			pkiServer.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
