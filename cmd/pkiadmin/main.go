package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/device-pki/bootstrap"
	"github.com/ruteri/device-pki/cmd/flags"
	"github.com/ruteri/device-pki/interfaces"
	"github.com/ruteri/device-pki/logsink"
	"github.com/ruteri/device-pki/secrets"
	"github.com/urfave/cli/v2"
)

var flagCommonName = &cli.StringFlag{
	Name:  "cn",
	Usage: "subject common name, defaults to the device tag",
}
var flagLevel = &cli.IntFlag{
	Name:  "level",
	Value: interfaces.ConfigKeyLevel,
	Usage: "key derivation level",
}
var flagNoWrap = &cli.BoolFlag{
	Name:  "no-wrap",
	Usage: "emit the envelope on a single line",
}
var flagLimit = &cli.IntFlag{
	Name:  "limit",
	Value: 50,
	Usage: "maximum number of records",
}
var flagMinSeverity = &cli.StringFlag{
	Name:  "min-severity",
	Value: "info",
	Usage: "lowest severity to show: debug, info, warning, error, critical",
}
var flagOlderThan = &cli.DurationFlag{
	Name:  "older-than",
	Value: 30 * 24 * time.Hour,
	Usage: "prune records older than this",
}

func main() {
	app := &cli.App{
		Name:           "pki-admin",
		Usage:          "Operate the device certificate authority",
		DefaultCommand: "status",
		Flags:          append(append([]cli.Flag{}, flags.SystemFlags...), flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "show the certificate hierarchy of this device",
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					status, err := system.Authority.Status(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(cCtx.App.Writer, status)
				}),
			},
			{
				Name:  "bootstrap",
				Usage: "create missing certificates and exit",
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					orchestrator, err := system.Orchestrator()
					if err != nil {
						return err
					}
					report, err := orchestrator.Run(cCtx.Context)
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, report.String())
					return nil
				}),
			},
			{
				Name:      "rotate",
				Usage:     "make an issued intermediate slot current",
				ArgsUsage: "<slot>",
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					slot := cCtx.Args().First()
					if slot == "" {
						return errors.New("slot is required")
					}
					if err := system.Authority.RotateIntermediate(slot); err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "current intermediate: %s\n", slot)
					return nil
				}),
			},
			{
				Name:      "issue",
				Usage:     "issue a certificate of the given kind",
				ArgsUsage: "<root|intermediate|authentication|samauthentication|codesigning>",
				Flags:     []cli.Flag{flagCommonName},
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					kind, err := interfaces.ParseCertificateKind(cCtx.Args().First())
					if err != nil {
						return err
					}
					pem, err := system.Authority.EnsureCertificate(cCtx.Context, kind, cCtx.String(flagCommonName.Name))
					if err != nil {
						return err
					}
					fmt.Fprint(cCtx.App.Writer, pem)
					return nil
				}),
			},
			{
				Name:  "encrypt",
				Usage: "seal stdin with a device derived key",
				Flags: []cli.Flag{flagLevel, flagNoWrap},
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					plaintext, err := io.ReadAll(cCtx.App.Reader)
					if err != nil {
						return err
					}
					blob, err := secrets.Seal(system.KMS, cCtx.Int(flagLevel.Name), plaintext, !cCtx.Bool(flagNoWrap.Name))
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, blob)
					return nil
				}),
			},
			{
				Name:  "decrypt",
				Usage: "open an envelope read from stdin",
				Flags: []cli.Flag{flagLevel},
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					blob, err := io.ReadAll(cCtx.App.Reader)
					if err != nil {
						return err
					}
					plaintext, err := secrets.Open(system.KMS, cCtx.Int(flagLevel.Name), string(blob))
					if err != nil {
						return err
					}
					_, err = cCtx.App.Writer.Write(plaintext)
					return err
				}),
			},
			secretsCommand(),
			logsCommand(),
			escrowCommand(),
			adminCommand(),
			remoteCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withSystem opens the device components for the duration of action.
func withSystem(action func(*cli.Context, *bootstrap.System) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		logger := flags.SetupCLILogger(cCtx)
		cfg, err := flags.LoadConfig(cCtx)
		if err != nil {
			return err
		}
		system, err := bootstrap.Open(cfg, logger)
		if err != nil {
			return err
		}
		defer system.Close()

		if cCtx.Context == nil {
			cCtx.Context = context.Background()
		}
		return action(cCtx, system)
	}
}

func secretsCommand() *cli.Command {
	store := func(system *bootstrap.System) *secrets.Store {
		return secrets.NewStore(filepath.Join(system.Config.DataDir, secrets.DefaultFile), system.KMS)
	}

	return &cli.Command{
		Name:  "secrets",
		Usage: "manage the sealed configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list keys",
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					keys, err := store(system).Keys()
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, strings.Join(keys, "\n"))
					return nil
				}),
			},
			{
				Name:      "get",
				ArgsUsage: "<key>",
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					value, ok, err := store(system).Get(cCtx.Args().First())
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%q is not set", cCtx.Args().First())
					}
					fmt.Fprintln(cCtx.App.Writer, value)
					return nil
				}),
			},
			{
				Name:      "set",
				ArgsUsage: "<key> <value>",
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					if cCtx.NArg() != 2 {
						return errors.New("expected <key> <value>")
					}
					return store(system).Set(cCtx.Args().Get(0), cCtx.Args().Get(1))
				}),
			},
			{
				Name:      "delete",
				ArgsUsage: "<key>",
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					return store(system).Delete(cCtx.Args().First())
				}),
			},
		},
	}
}

func logsCommand() *cli.Command {
	logStore := func(system *bootstrap.System) (*logsink.SQLiteStore, error) {
		if system.LogStore == nil {
			return nil, errors.New("no log database configured")
		}
		return system.LogStore, nil
	}

	return &cli.Command{
		Name:  "logs",
		Usage: "show recent records of the log database",
		Flags: []cli.Flag{flagLimit, flagMinSeverity},
		Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
			store, err := logStore(system)
			if err != nil {
				return err
			}
			entries, err := store.Recent(cCtx.Context, logsink.ParseSeverity(cCtx.String(flagMinSeverity.Name)), cCtx.Int(flagLimit.Name))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cCtx.App.Writer, "%s %-8s %-20s %s\n", e.Timestamp.Format(time.RFC3339), e.Severity, e.Source, e.Message)
			}
			return nil
		}),
		Subcommands: []*cli.Command{
			{
				Name:  "prune",
				Usage: "delete old records",
				Flags: []cli.Flag{flagOlderThan},
				Action: withSystem(func(cCtx *cli.Context, system *bootstrap.System) error {
					store, err := logStore(system)
					if err != nil {
						return err
					}
					n, err := store.Prune(cCtx.Context, time.Now().Add(-cCtx.Duration(flagOlderThan.Name)))
					if err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "pruned %d records\n", n)
					return nil
				}),
			},
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
