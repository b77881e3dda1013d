package bootstrap

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/device-pki/config"
	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/interfaces"
	"github.com/ruteri/device-pki/truststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Organization = "Acme"
	cfg.Iterations = 10
	return cfg
}

func openSystem(t *testing.T, cfg *config.Config) (*System, *truststore.Recorder) {
	t.Helper()
	recorder := &truststore.Recorder{}
	sys, err := Open(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithTrustStore(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	return sys, recorder
}

func run(t *testing.T, sys *System) Report {
	t.Helper()
	orchestrator, err := sys.Orchestrator()
	require.NoError(t, err)
	report, err := orchestrator.Run(context.Background())
	require.NoError(t, err)
	return report
}

type fileState struct {
	modTime time.Time
	size    int64
}

func snapshot(t *testing.T, dir string) map[string]fileState {
	t.Helper()
	files := map[string]fileState{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files[path] = fileState{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestFreshDirectory(t *testing.T) {
	cfg := testConfig(t)
	sys, recorder := openSystem(t, cfg)
	layout := sys.Authority.Layout()

	report := run(t, sys)
	assert.True(t, report.RootCreated)
	assert.Equal(t, []string{"intermediateca1", "intermediateca2", "intermediateca3"}, report.IntermediatesCreated)
	assert.Equal(t, []string{"authentication"}, report.LeavesIssued)

	assert.FileExists(t, layout.RootPaths().Container)
	assert.FileExists(t, layout.RootPaths().Web)
	for _, slot := range layout.Slots {
		paths, err := layout.IntermediatePaths(slot)
		require.NoError(t, err)
		assert.FileExists(t, paths.Container)
		assert.FileExists(t, paths.Cert)
	}
	leafPaths, err := layout.LeafPaths(interfaces.Authentication)
	require.NoError(t, err)
	assert.FileExists(t, leafPaths.Container)
	assert.DirExists(t, layout.CRLDir())

	chain, err := sys.Authority.LoadChain(context.Background())
	require.NoError(t, err)
	leafPEM, err := sys.Authority.EnsureCertificate(context.Background(), interfaces.Authentication, "")
	require.NoError(t, err)
	assert.Contains(t, leafPEM, "BEGIN CERTIFICATE")

	status, err := sys.Authority.Status(context.Background())
	require.NoError(t, err)
	for _, s := range status {
		if s.Name == "authentication" {
			assert.Equal(t, chain.Intermediate.Subject.CommonName, s.Issuer)
		}
	}

	require.NoError(t, sys.Authority.VerifyLeaf(context.Background(), interfaces.Authentication))

	assert.Equal(t, 1, recorder.Count(interfaces.Root))
	assert.Equal(t, 3, recorder.Count(interfaces.Intermediate))
}

func TestIdempotent(t *testing.T) {
	cfg := testConfig(t)
	sys, recorder := openSystem(t, cfg)

	run(t, sys)
	before := snapshot(t, cfg.DataDir)
	recorder.Reset()

	report := run(t, sys)
	assert.False(t, report.Changed(), report.String())
	assert.Equal(t, before, snapshot(t, cfg.DataDir))
	assert.Empty(t, recorder.Installations)
}

func TestRootRotationSelfHeals(t *testing.T) {
	cfg := testConfig(t)
	sys, recorder := openSystem(t, cfg)
	layout := sys.Authority.Layout()
	ctx := context.Background()

	run(t, sys)
	require.NoError(t, sys.Authority.RotateIntermediate("intermediateca2"))
	run(t, sys)

	oldChain, err := sys.Authority.LoadChain(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(layout.RootPaths().Container))
	recorder.Reset()

	report := run(t, sys)
	assert.True(t, report.RootCreated)
	assert.Equal(t, 2*len(layout.Slots)+1, report.IntermediatesPurged)
	assert.Len(t, report.IntermediatesCreated, len(layout.Slots))
	assert.Equal(t, []string{"authentication"}, report.LeavesIssued)

	newChain, err := sys.Authority.LoadChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, "intermediateca1", newChain.Slot)
	assert.NotEqual(t, oldChain.Root.SerialNumber, newChain.Root.SerialNumber)

	for _, slot := range layout.Slots {
		paths, _ := layout.IntermediatePaths(slot)
		raw, err := os.ReadFile(paths.Cert)
		require.NoError(t, err)
		cert, err := cryptoutils.CertPEM(raw).GetX509Cert()
		require.NoError(t, err)
		assert.NotEqual(t, oldChain.Intermediate.SerialNumber, cert.SerialNumber)
		assert.NoError(t, cert.CheckSignatureFrom(newChain.Root))
	}
	require.NoError(t, newChain.Intermediate.CheckSignatureFrom(newChain.Root))
	require.NoError(t, sys.Authority.VerifyLeaf(ctx, interfaces.Authentication))

	assert.Equal(t, 1, recorder.Count(interfaces.Root))
	assert.Equal(t, 3, recorder.Count(interfaces.Intermediate))
}

func TestMissingIntermediateOnly(t *testing.T) {
	cfg := testConfig(t)
	sys, recorder := openSystem(t, cfg)
	layout := sys.Authority.Layout()

	run(t, sys)
	paths, _ := layout.IntermediatePaths("intermediateca3")
	require.NoError(t, os.Remove(paths.Container))
	recorder.Reset()

	report := run(t, sys)
	assert.False(t, report.RootCreated)
	assert.Equal(t, []string{"intermediateca3"}, report.IntermediatesCreated)
	assert.Empty(t, report.LeavesIssued, "leaves of the current slot stay valid")
	assert.Equal(t, 0, recorder.Count(interfaces.Root))
	assert.Equal(t, 1, recorder.Count(interfaces.Intermediate))
}

func TestStaleLeafReissued(t *testing.T) {
	cfg := testConfig(t)
	cfg.Leaves = append(cfg.Leaves, config.LeafConfig{Kind: "codesigning", CommonName: "Acme releases"})
	sys, _ := openSystem(t, cfg)

	report := run(t, sys)
	assert.Equal(t, []string{"authentication", "codesigning"}, report.LeavesIssued)

	require.NoError(t, sys.Authority.RotateIntermediate("intermediateca3"))
	report = run(t, sys)
	assert.Equal(t, []string{"authentication", "codesigning"}, report.LeavesIssued)
	assert.Empty(t, report.IntermediatesCreated)

	require.NoError(t, sys.Authority.VerifyLeaf(context.Background(), interfaces.CodeSigning))
}

func TestMigrationsOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.MigrationsOnly = true
	sys, recorder := openSystem(t, cfg)

	report := run(t, sys)
	assert.True(t, report.Skipped)
	assert.Equal(t, "skipped", report.String())
	assert.NoDirExists(t, filepath.Join(cfg.DataDir, "pki"))
	assert.Empty(t, recorder.Installations)
}

func TestTrustStoreFailureDoesNotStopBootstrap(t *testing.T) {
	cfg := testConfig(t)
	recorder := &truststore.Recorder{Err: interfaces.ErrTrustStoreInstall}
	sys, err := Open(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithTrustStore(recorder))
	require.NoError(t, err)
	defer sys.Close()

	report := run(t, sys)
	assert.True(t, report.RootCreated)
	assert.Equal(t, 4, len(recorder.Installations))
}

func TestLeavesFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Leaves = []config.LeafConfig{{Kind: "auth"}, {Kind: "sam", CommonName: "sam"}}
	leaves, err := LeavesFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []Leaf{{Kind: interfaces.Authentication}, {Kind: interfaces.SamAuthentication, CommonName: "sam"}}, leaves)

	cfg.Leaves = []config.LeafConfig{{Kind: "root"}}
	_, err = LeavesFromConfig(cfg)
	assert.ErrorIs(t, err, interfaces.ErrUnknownKind)

	cfg.Leaves = []config.LeafConfig{{Kind: "bogus"}}
	_, err = LeavesFromConfig(cfg)
	assert.ErrorIs(t, err, interfaces.ErrUnknownKind)
}

func TestLogDatabaseReceivesRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Database = filepath.Join(cfg.DataDir, "logs", "pki.db")
	sys, _ := openSystem(t, cfg)
	require.NotNil(t, sys.LogStore)

	run(t, sys)

	entries, err := sys.LogStore.Recent(context.Background(), interfaces.SeverityInfo, 50)
	require.NoError(t, err)
	var sources []string
	for _, e := range entries {
		sources = append(sources, e.Source)
	}
	assert.Contains(t, sources, "WriteCertificate")
}

func TestFilePublisher(t *testing.T) {
	cfg := testConfig(t)
	mirror := filepath.Join(t.TempDir(), "mirror")
	cfg.Publishers = []string{"file://" + mirror}
	sys, _ := openSystem(t, cfg)

	run(t, sys)
	assert.FileExists(t, filepath.Join(mirror, "pki", "ca", "ca.cer"))
	assert.FileExists(t, filepath.Join(mirror, "pki", "ca", "intermediateca2.cer"))
}

func TestRootRecreatedOutsideBootstrap(t *testing.T) {
	cfg := testConfig(t)
	sys, _ := openSystem(t, cfg)
	layout := sys.Authority.Layout()
	ctx := context.Background()

	run(t, sys)
	require.NoError(t, os.Remove(layout.RootPaths().Container))

	_, err := sys.Authority.EnsureCertificate(ctx, interfaces.Root, "")
	require.NoError(t, err)
	for _, slot := range layout.Slots {
		exists, err := sys.Authority.IntermediateExists(slot)
		require.NoError(t, err)
		assert.False(t, exists, slot)
	}

	report := run(t, sys)
	assert.False(t, report.RootCreated)
	assert.Len(t, report.IntermediatesCreated, len(layout.Slots))
	assert.Equal(t, []string{"authentication"}, report.LeavesIssued)
	require.NoError(t, sys.Authority.VerifyLeaf(ctx, interfaces.Authentication))
}
