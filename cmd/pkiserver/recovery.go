package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/device-pki/cmd/flags"
	"github.com/ruteri/device-pki/config"
	"github.com/ruteri/device-pki/httpserver"
	"github.com/ruteri/device-pki/identity"
	"github.com/urfave/cli/v2"
)

var EscrowAdminKeysFlag = &cli.StringFlag{
	Name:  "escrow-admin-keys-file",
	Value: "",
	Usage: "JSON file with admin public keys allowed to restore a lost identity from escrow shares",
}
var EscrowListenAddrFlag = &cli.StringFlag{
	Name:  "escrow-listen-addr",
	Value: "127.0.0.1:8081",
	Usage: "address to listen on for the escrow recovery admin API",
}
var EscrowTimeoutFlag = &cli.IntFlag{
	Name:  "escrow-timeout",
	Value: 86400,
	Usage: "timeout in seconds to wait for escrow recovery",
}

var EscrowFlags = []cli.Flag{
	EscrowAdminKeysFlag,
	EscrowListenAddrFlag,
	EscrowTimeoutFlag,
}

// RecoverIdentity blocks until administrators restore the identity when it is
// missing and escrow recovery is configured. Otherwise it returns immediately and a
// fresh identity is generated on first use.
func RecoverIdentity(cCtx *cli.Context, logger *slog.Logger, cfg *config.Config) error {
	adminKeysFile := cCtx.String(EscrowAdminKeysFlag.Name)
	if adminKeysFile == "" {
		return nil
	}

	store := identity.NewStore(cfg.DataDir, logger)
	defer store.Close()

	exists, err := store.Exists()
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	f, err := os.Open(adminKeysFile)
	if err != nil {
		return fmt.Errorf("failed to open admin keys file: %w", err)
	}
	defer f.Close()

	adminKeys, err := httpserver.LoadAdminKeys(f)
	if err != nil {
		return fmt.Errorf("failed to load admin keys: %w", err)
	}
	if len(adminKeys) == 0 {
		return errors.New("admin keys file lists no admins")
	}

	adminHandler := httpserver.NewAdminHandler(logger, adminKeys, store)
	serverCfg := flags.ConfigureServer(cCtx, logger, cfg.HTTP, cCtx.String(EscrowListenAddrFlag.Name))
	serverCfg.MetricsAddr = ""
	recoveryServer, err := httpserver.New(serverCfg, adminHandler)
	if err != nil {
		return fmt.Errorf("could not create escrow recovery server: %w", err)
	}

	logger.Warn("Device identity is missing, waiting for escrow recovery", "admins", httpserver.AdminIDs(adminKeys))
	recoveryServer.RunInBackground()
	defer recoveryServer.Shutdown()

	ctx, cancel := context.WithTimeout(cCtx.Context, time.Duration(cCtx.Int(EscrowTimeoutFlag.Name))*time.Second)
	defer cancel()

	if err := adminHandler.WaitForRecovery(ctx); err != nil {
		return fmt.Errorf("escrow recovery did not complete: %w", err)
	}
	logger.Info("Device identity recovered from escrow")
	return nil
}
