package main

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/device-pki/cmd/flags"
	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/httpserver"
	"github.com/ruteri/device-pki/identity"
	"github.com/ruteri/device-pki/kms"
	"github.com/urfave/cli/v2"
)

// ShareFile is the on-disk form of one escrow share.
type ShareFile struct {
	ShareIndex int    `json:"share_index"`
	Share      []byte `json:"share"`
	Signature  []byte `json:"signature,omitempty"`
}

var flagRecoveryServer = &cli.StringFlag{
	Name:  "recovery-server-addr",
	Value: "http://127.0.0.1:8081",
	Usage: "escrow recovery API address",
}
var flagAdminID = &cli.StringFlag{
	Name:  "admin-id",
	Usage: "admin ID as listed in the admin keys file, defaults to the public key fingerprint",
}
var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "path to admin private key",
}
var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "path to admin public key",
}
var flagAdminsFile = &cli.StringFlag{
	Name:  "admins-file",
	Value: "escrow-admins.json",
	Usage: "path to the admin keys file",
}
var flagShareFile = &cli.StringFlag{
	Name:  "share-file",
	Value: "share.json",
	Usage: "path to an escrow share file",
}
var flagShareFiles = &cli.StringSliceFlag{
	Name:     "share-file",
	Required: true,
	Usage:    "escrow share files, repeat for each share",
}
var flagShares = &cli.IntFlag{
	Name:  "shares",
	Value: 3,
	Usage: "total number of shares",
}
var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "number of shares required for recovery",
}
var flagOutDir = &cli.StringFlag{
	Name:  "out",
	Value: ".",
	Usage: "directory to write share files to",
}

func escrowCommand() *cli.Command {
	return &cli.Command{
		Name:  "escrow",
		Usage: "back up and restore the device identity with Shamir shares",
		Subcommands: []*cli.Command{
			{
				Name:  "split",
				Usage: "write the device identity as share files",
				Flags: []cli.Flag{flagShares, flagThreshold, flagOutDir},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupCLILogger(cCtx)
					cfg, err := flags.LoadConfig(cCtx)
					if err != nil {
						return err
					}

					store := identity.NewStore(cfg.DataDir, logger)
					defer store.Close()

					exists, err := store.Exists()
					if err != nil {
						return err
					}
					if !exists {
						return errors.New("no device identity to split")
					}

					shares, err := kms.SplitIdentity(store, cCtx.Int(flagShares.Name), cCtx.Int(flagThreshold.Name))
					if err != nil {
						return err
					}

					outDir := cCtx.String(flagOutDir.Name)
					for i, share := range shares {
						path := filepath.Join(outDir, fmt.Sprintf("share-%d.json", i+1))
						if err := writeShareFile(path, &ShareFile{ShareIndex: i, Share: share}); err != nil {
							return err
						}
						fmt.Fprintln(cCtx.App.Writer, path)
					}
					return nil
				},
			},
			{
				Name:  "sign",
				Usage: "sign a share file with an admin key",
				Flags: []cli.Flag{flagShareFile, flagAdminPrivkey},
				Action: func(cCtx *cli.Context) error {
					share, err := readShareFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					privateKey, err := loadPrivateKey(cCtx.String(flagAdminPrivkey.Name))
					if err != nil {
						return err
					}
					share.Signature, err = kms.SignShare(share.Share, privateKey)
					if err != nil {
						return err
					}
					return writeShareFile(cCtx.String(flagShareFile.Name), share)
				},
			},
			{
				Name:  "restore",
				Usage: "restore the device identity offline from share files",
				Flags: []cli.Flag{flagShareFiles, flagThreshold},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupCLILogger(cCtx)
					cfg, err := flags.LoadConfig(cCtx)
					if err != nil {
						return err
					}

					files := cCtx.StringSlice(flagShareFiles.Name)
					threshold := cCtx.Int(flagThreshold.Name)
					if len(files) < threshold {
						return fmt.Errorf("need at least %d share files, got %d", threshold, len(files))
					}

					recovery, err := kms.NewRecovery(kms.EscrowConfig{Threshold: threshold})
					if err != nil {
						return err
					}
					for _, path := range files {
						share, err := readShareFile(path)
						if err != nil {
							return err
						}
						if err := recovery.SubmitShare(share.ShareIndex, share.Share, nil, nil); err != nil {
							return fmt.Errorf("share %s: %w", path, err)
						}
						if recovery.IsComplete() {
							break
						}
					}

					token, entropy, err := recovery.Identity()
					if err != nil {
						return err
					}

					store := identity.NewStore(cfg.DataDir, logger)
					defer store.Close()
					return store.Restore(token, entropy)
				},
			},
			{
				Name:  "init-recover",
				Usage: "start collecting shares on a device waiting for recovery",
				Flags: []cli.Flag{flagRecoveryServer, flagAdminID, flagAdminPrivkey, flagAdminPubkey, flagThreshold},
				Action: func(cCtx *cli.Context) error {
					body, err := json.Marshal(map[string]int{"threshold": cCtx.Int(flagThreshold.Name)})
					if err != nil {
						return err
					}
					return adminRequest(cCtx, http.MethodPost, "/admin/init/recover", body)
				},
			},
			{
				Name:  "submit",
				Usage: "submit a share to a device waiting for recovery",
				Flags: []cli.Flag{flagRecoveryServer, flagAdminID, flagAdminPrivkey, flagAdminPubkey, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					share, err := readShareFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					if len(share.Signature) == 0 {
						privateKey, err := loadPrivateKey(cCtx.String(flagAdminPrivkey.Name))
						if err != nil {
							return err
						}
						if share.Signature, err = kms.SignShare(share.Share, privateKey); err != nil {
							return err
						}
					}

					body, err := json.Marshal(map[string]interface{}{
						"share_index": share.ShareIndex,
						"share":       share.Share,
						"signature":   share.Signature,
					})
					if err != nil {
						return err
					}
					return adminRequest(cCtx, http.MethodPost, "/admin/share", body)
				},
			},
			{
				Name:  "recovery-status",
				Usage: "show the recovery state of a device",
				Flags: []cli.Flag{flagRecoveryServer},
				Action: func(cCtx *cli.Context) error {
					resp, err := http.Get(strings.TrimSuffix(cCtx.String(flagRecoveryServer.Name), "/") + "/admin/status")
					if err != nil {
						return err
					}
					defer resp.Body.Close()
					_, err = io.Copy(cCtx.App.Writer, resp.Body)
					return err
				},
			},
		},
	}
}

func adminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "manage escrow administrator keys",
		Subcommands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate an administrator key pair",
				Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := httpserver.GenerateAdminKeyPair()
					if err != nil {
						return err
					}
					if err := cryptoutils.WriteFileAtomic(cCtx.String(flagAdminPrivkey.Name), []byte(privateKeyPEM), 0o600); err != nil {
						return err
					}
					if err := cryptoutils.WriteFileAtomic(cCtx.String(flagAdminPubkey.Name), []byte(publicKeyPEM), 0o644); err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, httpserver.ComputeFingerprint([]byte(publicKeyPEM)))
					return nil
				},
			},
			{
				Name:  "config",
				Usage: "write the admin keys file for the given public keys",
				Flags: []cli.Flag{
					flagAdminsFile,
					&cli.StringSliceFlag{Name: "admin-pubkey-files", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					type admin struct {
						ID     string `json:"id"`
						PubKey string `json:"pubkey"`
					}
					var doc struct {
						Admins []admin `json:"admins"`
					}

					for _, path := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						doc.Admins = append(doc.Admins, admin{
							ID:     httpserver.ComputeFingerprint(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					raw, err := json.MarshalIndent(doc, "", "  ")
					if err != nil {
						return err
					}
					if _, err := httpserver.LoadAdminKeys(bytes.NewReader(raw)); err != nil {
						return err
					}
					return cryptoutils.WriteFileAtomic(cCtx.String(flagAdminsFile.Name), raw, 0o644)
				},
			},
		},
	}
}

func adminRequest(cCtx *cli.Context, method, path string, body []byte) error {
	privateKey, err := loadPrivateKey(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return err
	}

	adminID := cCtx.String(flagAdminID.Name)
	if adminID == "" {
		publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
		if err != nil {
			return fmt.Errorf("admin-id or a readable admin-pubkey-file is required: %w", err)
		}
		adminID = httpserver.ComputeFingerprint(publicKeyPEM)
	}

	reqURL := strings.TrimSuffix(cCtx.String(flagRecoveryServer.Name), "/") + path
	req, err := httpserver.CreateSignedAdminRequest(method, reqURL, body, adminID, privateKey)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	fmt.Fprintln(cCtx.App.Writer, strings.TrimSpace(string(respBody)))
	return nil
}

func loadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return httpserver.ParsePrivateKey(raw)
}

func readShareFile(path string) (*ShareFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var share ShareFile
	if err := json.Unmarshal(raw, &share); err != nil {
		return nil, fmt.Errorf("invalid share file %s: %w", path, err)
	}
	if len(share.Share) == 0 {
		return nil, fmt.Errorf("share file %s holds no share", path)
	}
	return &share, nil
}

func writeShareFile(path string, share *ShareFile) error {
	raw, err := json.MarshalIndent(share, "", "  ")
	if err != nil {
		return err
	}
	return cryptoutils.WriteFileAtomic(path, raw, 0o600)
}
