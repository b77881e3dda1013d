package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ruteri/device-pki/api/pkihandler"
	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/urfave/cli/v2"
)

var flagPkiServer = &cli.StringFlag{
	Name:  "pki-server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "PKI API address of the device",
}

func remoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "remote",
		Usage: "query the PKI API of a running device",
		Flags: []cli.Flag{flagPkiServer},
		Subcommands: []*cli.Command{
			{
				Name:  "status",
				Usage: "show the certificate status reported by the device",
				Action: func(cCtx *cli.Context) error {
					status, err := pkihandler.NewClient(cCtx.String(flagPkiServer.Name)).Status(context.Background())
					if err != nil {
						return err
					}
					return printJSON(cCtx.App.Writer, status)
				},
			},
			{
				Name:  "fetch-chain",
				Usage: "download and verify the root and current intermediate",
				Flags: []cli.Flag{flagOutDir},
				Action: func(cCtx *cli.Context) error {
					root, intermediate, err := pkihandler.NewClient(cCtx.String(flagPkiServer.Name)).TrustChain(context.Background())
					if err != nil {
						return err
					}

					outDir := cCtx.String(flagOutDir.Name)
					for name, pem := range map[string]cryptoutils.CertPEM{
						"root.cer":         cryptoutils.EncodeCertPEM(root),
						"intermediate.cer": cryptoutils.EncodeCertPEM(intermediate),
					} {
						if err := cryptoutils.WriteFileAtomic(filepath.Join(outDir, name), pem, 0o644); err != nil {
							return err
						}
					}
					fmt.Fprintf(cCtx.App.Writer, "root: %s\nintermediate: %s\n", root.Subject.CommonName, intermediate.Subject.CommonName)
					return nil
				},
			},
		},
	}
}
