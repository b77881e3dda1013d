package pkihandler

import (
	"context"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-pki/bootstrap"
	"github.com/ruteri/device-pki/config"
	"github.com/ruteri/device-pki/truststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, bootstrapped bool) (*httptest.Server, *bootstrap.System) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default(t.TempDir())
	cfg.Iterations = 10

	sys, err := bootstrap.Open(cfg, logger, bootstrap.WithTrustStore(&truststore.Recorder{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })

	if bootstrapped {
		orchestrator, err := sys.Orchestrator()
		require.NoError(t, err)
		_, err = orchestrator.Run(context.Background())
		require.NoError(t, err)
	}

	mux := chi.NewRouter()
	NewHandler(sys.Authority, cfg.CRLURL(), logger).RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, sys
}

func get(t *testing.T, url string) (int, string, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header.Get("Content-Type"), body
}

func TestHandleCACertificate(t *testing.T) {
	server, sys := newTestServer(t, true)

	status, contentType, body := get(t, server.URL+"/pki/ca/ca.cer")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/x-pem-file", contentType)
	onDisk, err := os.ReadFile(sys.Authority.Layout().RootPaths().Cert)
	require.NoError(t, err)
	assert.Equal(t, onDisk, body)

	status, contentType, body = get(t, server.URL+"/pki/ca/intermediateca2.der")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/pkix-cert", contentType)
	cert, err := x509.ParseCertificate(body)
	require.NoError(t, err)
	assert.Contains(t, cert.Subject.CommonName, "Intermediate CA2")

	for _, path := range []string{"/pki/ca/unknown.cer", "/pki/ca/ca.pfx", "/pki/ca/intermediateca1.pfx", "/pki/ca/..%2Froot%2Fca.pfx"} {
		status, _, _ := get(t, server.URL+path)
		assert.Equal(t, http.StatusNotFound, status, path)
	}
}

func TestHandleCRL(t *testing.T) {
	server, sys := newTestServer(t, true)

	crlDir := sys.Authority.Layout().CRLDir()
	require.NoError(t, os.WriteFile(filepath.Join(crlDir, "devicepki.crl"), []byte("crl-bytes"), 0o644))

	status, contentType, body := get(t, server.URL+"/pki/crl/devicepki.crl")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/pkix-crl", contentType)
	assert.Equal(t, []byte("crl-bytes"), body)

	status, _, _ = get(t, server.URL+"/pki/crl/missing.crl")
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = get(t, server.URL+"/pki/crl/.hidden")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestClient(t *testing.T) {
	server, _ := newTestServer(t, true)
	client := NewClient(server.URL + "/")
	ctx := context.Background()

	chain, err := client.Chain(ctx)
	require.NoError(t, err)
	assert.Equal(t, "intermediateca1", chain.Slot)
	assert.Equal(t, "https://localhost/pki/crl/devicepki.crl", chain.CRLURL)

	root, intermediate, err := client.TrustChain(ctx)
	require.NoError(t, err)
	assert.True(t, root.IsCA)
	assert.Equal(t, root.Subject.String(), intermediate.Issuer.String())

	rootPEM, err := client.CACertificate(ctx, "ca")
	require.NoError(t, err)
	fetched, err := rootPEM.GetX509Cert()
	require.NoError(t, err)
	assert.Equal(t, root.Raw, fetched.Raw)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, status.Certificates)
	assert.Equal(t, "root", status.Certificates[0].Kind)
	assert.True(t, status.Certificates[0].Present)

	_, err = client.CACertificate(ctx, "nope")
	assert.ErrorContains(t, err, "404")
}

func TestChainBeforeBootstrap(t *testing.T) {
	server, _ := newTestServer(t, false)

	_, err := NewClient(server.URL).Chain(context.Background())
	assert.ErrorContains(t, err, "certificate chain unavailable")

	status, _, _ := get(t, server.URL+"/pki/ca/ca.cer")
	assert.Equal(t, http.StatusNotFound, status)
}
