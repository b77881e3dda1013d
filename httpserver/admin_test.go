package httpserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-pki/identity"
	"github.com/ruteri/device-pki/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// generateAdminKeyPairs generates n admin key pairs for testing
func generateAdminKeyPairs(t *testing.T, n int) (map[string]*ecdsa.PrivateKey, map[string][]byte) {
	adminPrivKeys := make(map[string]*ecdsa.PrivateKey, n)
	adminPubKeyPEMs := make(map[string][]byte, n)

	for i := 0; i < n; i++ {
		adminID := fmt.Sprintf("admin%d", i+1)

		privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		adminPrivKeys[adminID] = privateKey

		pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
		require.NoError(t, err)
		adminPubKeyPEMs[adminID] = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubKeyBytes})
	}

	return adminPrivKeys, adminPubKeyPEMs
}

func createTestServer(t *testing.T, handler *AdminHandler) *httptest.Server {
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func createSignedRequest(t *testing.T, method, url string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) *http.Request {
	req, err := CreateSignedAdminRequest(method, url, body, adminID, privateKey)
	require.NoError(t, err)
	return req
}

func doRequest(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(raw, &body)
	return resp.StatusCode, body
}

type fakeRestorer struct {
	token   string
	entropy []byte
	err     error
}

func (f *fakeRestorer) Restore(token string, entropy []byte) error {
	if f.err != nil {
		return f.err
	}
	f.token = token
	f.entropy = append([]byte(nil), entropy...)
	return nil
}

// escrowShares splits a fresh device identity into shares signed by the admins.
func escrowShares(t *testing.T, threshold int, adminPrivKeys map[string]*ecdsa.PrivateKey) (*identity.Store, map[string][]byte) {
	t.Helper()
	source := identity.NewStore(filepath.Join(t.TempDir(), "source"), testLogger)
	t.Cleanup(source.Close)

	ids := make([]string, 0, len(adminPrivKeys))
	for id := range adminPrivKeys {
		ids = append(ids, id)
	}

	shares, err := kms.SplitIdentity(source, len(ids), threshold)
	require.NoError(t, err)

	out := make(map[string][]byte, len(ids))
	for i, id := range ids {
		out[id] = shares[i]
	}
	return source, out
}

func submitBody(t *testing.T, index int, share []byte, key *ecdsa.PrivateKey) []byte {
	signature, err := kms.SignShare(share, key)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"share_index": index,
		"share":       base64.StdEncoding.EncodeToString(share),
		"signature":   base64.StdEncoding.EncodeToString(signature),
	})
	require.NoError(t, err)
	return body
}

func TestNewAdminHandler(t *testing.T) {
	_, adminPubKeys := generateAdminKeyPairs(t, 3)

	handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{})
	assert.Equal(t, StateWaiting, handler.State())
	assert.Len(t, handler.adminPubKeys, 3)
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "recovering", StateRecovering.String())
	assert.Equal(t, "complete", StateComplete.String())
}

func TestAdminHandler_WaitForRecovery_WithTimeout(t *testing.T) {
	_, adminPubKeys := generateAdminKeyPairs(t, 3)
	handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := handler.WaitForRecovery(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdminHandler_verifyAdmin(t *testing.T) {
	adminPrivKeys, adminPubKeys := generateAdminKeyPairs(t, 2)
	handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{})

	body := []byte(`{"threshold":2}`)

	t.Run("valid signature", func(t *testing.T) {
		req := createSignedRequest(t, http.MethodPost, "http://localhost/admin/init/recover", body, "admin1", adminPrivKeys["admin1"])
		adminID, ok := handler.verifyAdmin(req)
		assert.True(t, ok)
		assert.Equal(t, "admin1", adminID)

		restored, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, body, restored, "body is readable after verification")
	})

	t.Run("missing headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
		_, ok := handler.verifyAdmin(req)
		assert.False(t, ok)
	})

	t.Run("unknown admin", func(t *testing.T) {
		req := createSignedRequest(t, http.MethodPost, "http://localhost/admin/init/recover", body, "admin9", adminPrivKeys["admin1"])
		adminID, ok := handler.verifyAdmin(req)
		assert.False(t, ok)
		assert.Equal(t, "admin9", adminID)
	})

	t.Run("key of another admin", func(t *testing.T) {
		req := createSignedRequest(t, http.MethodPost, "http://localhost/admin/init/recover", body, "admin1", adminPrivKeys["admin2"])
		_, ok := handler.verifyAdmin(req)
		assert.False(t, ok)
	})

	t.Run("signature over different path", func(t *testing.T) {
		req := createSignedRequest(t, http.MethodPost, "http://localhost/admin/share", body, "admin1", adminPrivKeys["admin1"])
		req.URL.Path = "/admin/init/recover"
		_, ok := handler.verifyAdmin(req)
		assert.False(t, ok)
	})

	t.Run("invalid encoding", func(t *testing.T) {
		req := createSignedRequest(t, http.MethodPost, "http://localhost/admin/init/recover", body, "admin1", adminPrivKeys["admin1"])
		req.Header.Set("X-Admin-Signature", "%%%")
		_, ok := handler.verifyAdmin(req)
		assert.False(t, ok)
	})
}

func TestAdminHandler_verifyAdmin_Ed25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	handler := NewAdminHandler(testLogger, map[string][]byte{
		"ed": pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}),
	}, &fakeRestorer{})

	req := httptest.NewRequest(http.MethodPost, "/admin/init/recover", strings.NewReader(`{}`))
	req.Header.Set("X-Admin-ID", "ed")
	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("/admin/init/recover{}"))))

	_, ok := handler.verifyAdmin(req)
	assert.True(t, ok)
}

func TestAdminHandler_handleStatus(t *testing.T) {
	adminPrivKeys, adminPubKeys := generateAdminKeyPairs(t, 3)
	handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{})
	server := createTestServer(t, handler)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/admin/status", nil)
	require.NoError(t, err)
	status, body := doRequest(t, req)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "waiting", body["state"])
	assert.NotContains(t, body, "threshold")

	req = createSignedRequest(t, http.MethodPost, server.URL+"/admin/init/recover", []byte(`{"threshold":2}`), "admin1", adminPrivKeys["admin1"])
	status, _ = doRequest(t, req)
	require.Equal(t, http.StatusOK, status)

	req, err = http.NewRequest(http.MethodGet, server.URL+"/admin/status", nil)
	require.NoError(t, err)
	_, body = doRequest(t, req)
	assert.Equal(t, "recovering", body["state"])
	assert.EqualValues(t, 2, body["threshold"])
	assert.EqualValues(t, 0, body["submitted"])
}

func TestAdminHandler_handleInitRecover(t *testing.T) {
	adminPrivKeys, adminPubKeys := generateAdminKeyPairs(t, 3)

	tests := []struct {
		name       string
		body       string
		adminID    string
		wantStatus int
	}{
		{"unauthorized", `{"threshold":2}`, "", http.StatusUnauthorized},
		{"threshold too low", `{"threshold":1}`, "admin1", http.StatusBadRequest},
		{"threshold above admin count", `{"threshold":4}`, "admin1", http.StatusBadRequest},
		{"invalid body", `not json`, "admin1", http.StatusBadRequest},
		{"valid", `{"threshold":2}`, "admin2", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{})
			server := createTestServer(t, handler)

			var req *http.Request
			if tt.adminID == "" {
				var err error
				req, err = http.NewRequest(http.MethodPost, server.URL+"/admin/init/recover", strings.NewReader(tt.body))
				require.NoError(t, err)
			} else {
				req = createSignedRequest(t, http.MethodPost, server.URL+"/admin/init/recover", []byte(tt.body), tt.adminID, adminPrivKeys[tt.adminID])
			}

			status, _ := doRequest(t, req)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, StateRecovering, handler.State())
			} else {
				assert.Equal(t, StateWaiting, handler.State())
			}
		})
	}
}

func TestAdminHandler_handleInitRecover_AlreadyInProgress(t *testing.T) {
	adminPrivKeys, adminPubKeys := generateAdminKeyPairs(t, 3)
	handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{})
	server := createTestServer(t, handler)

	body := []byte(`{"threshold":2}`)
	status, _ := doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/init/recover", body, "admin1", adminPrivKeys["admin1"]))
	require.Equal(t, http.StatusOK, status)

	status, _ = doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/init/recover", body, "admin2", adminPrivKeys["admin2"]))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminHandler_handleSubmitShare_NotRecovering(t *testing.T) {
	adminPrivKeys, adminPubKeys := generateAdminKeyPairs(t, 2)
	handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{})
	server := createTestServer(t, handler)

	body := submitBody(t, 0, []byte("share"), adminPrivKeys["admin1"])
	status, _ := doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/share", body, "admin1", adminPrivKeys["admin1"]))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminHandler_handleSubmitShare_ForgedShareSignature(t *testing.T) {
	adminPrivKeys, adminPubKeys := generateAdminKeyPairs(t, 2)
	handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{})
	server := createTestServer(t, handler)

	_, shares := escrowShares(t, 2, adminPrivKeys)

	status, _ := doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/init/recover", []byte(`{"threshold":2}`), "admin1", adminPrivKeys["admin1"]))
	require.Equal(t, http.StatusOK, status)

	// Request signed by admin1, share signed by admin2.
	body := submitBody(t, 0, shares["admin1"], adminPrivKeys["admin2"])
	status, _ = doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/share", body, "admin1", adminPrivKeys["admin1"]))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, StateRecovering, handler.State())
}

func TestAdminHandler_EndToEnd_RecoveryFlow(t *testing.T) {
	adminPrivKeys, adminPubKeys := generateAdminKeyPairs(t, 3)
	source, shares := escrowShares(t, 2, adminPrivKeys)

	target := identity.NewStore(filepath.Join(t.TempDir(), "target"), testLogger)
	t.Cleanup(target.Close)

	handler := NewAdminHandler(testLogger, adminPubKeys, target)
	server := createTestServer(t, handler)

	status, _ := doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/init/recover", []byte(`{"threshold":2}`), "admin3", adminPrivKeys["admin3"]))
	require.Equal(t, http.StatusOK, status)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- handler.WaitForRecovery(ctx)
	}()

	status, body := doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/share", submitBody(t, 0, shares["admin1"], adminPrivKeys["admin1"]), "admin1", adminPrivKeys["admin1"]))
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["message"], "waiting for more shares")
	assert.Equal(t, StateRecovering, handler.State())

	status, body = doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/share", submitBody(t, 1, shares["admin2"], adminPrivKeys["admin2"]), "admin2", adminPrivKeys["admin2"]))
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["message"], "recovery complete")

	require.NoError(t, <-done)
	assert.Equal(t, StateComplete, handler.State())

	wantToken, err := source.DeviceToken()
	require.NoError(t, err)
	gotToken, err := target.DeviceToken()
	require.NoError(t, err)
	assert.Equal(t, wantToken, gotToken)

	wantEntropy, err := source.Entropy()
	require.NoError(t, err)
	gotEntropy, err := target.Entropy()
	require.NoError(t, err)
	assert.Equal(t, wantEntropy, gotEntropy)
}

func TestAdminHandler_RestoreFailureResets(t *testing.T) {
	adminPrivKeys, adminPubKeys := generateAdminKeyPairs(t, 2)
	_, shares := escrowShares(t, 2, adminPrivKeys)

	handler := NewAdminHandler(testLogger, adminPubKeys, &fakeRestorer{err: errors.New("disk full")})
	server := createTestServer(t, handler)

	status, _ := doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/init/recover", []byte(`{"threshold":2}`), "admin1", adminPrivKeys["admin1"]))
	require.Equal(t, http.StatusOK, status)

	status, _ = doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/share", submitBody(t, 0, shares["admin1"], adminPrivKeys["admin1"]), "admin1", adminPrivKeys["admin1"]))
	require.Equal(t, http.StatusOK, status)

	status, _ = doRequest(t, createSignedRequest(t, http.MethodPost, server.URL+"/admin/share", submitBody(t, 1, shares["admin2"], adminPrivKeys["admin2"]), "admin2", adminPrivKeys["admin2"]))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, StateWaiting, handler.State())
}

func TestLoadAdminKeys(t *testing.T) {
	_, pubKey, err := GenerateAdminKeyPair()
	require.NoError(t, err)

	doc, err := json.Marshal(map[string]interface{}{
		"admins": []map[string]string{
			{"id": "alice", "pubkey": pubKey},
			{"id": "bob", "pubkey": pubKey},
		},
	})
	require.NoError(t, err)

	keys, err := LoadAdminKeys(strings.NewReader(string(doc)))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, AdminIDs(keys))
	assert.Equal(t, []byte(pubKey), keys["alice"])

	_, err = LoadAdminKeys(strings.NewReader(`{"admins":[{"id":"x","pubkey":"garbage"}]}`))
	assert.Error(t, err)

	_, err = LoadAdminKeys(strings.NewReader(`not json`))
	assert.Error(t, err)
}

func TestGenerateAdminKeyPair(t *testing.T) {
	privPEM, pubPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)
	assert.Contains(t, privPEM, "EC PRIVATE KEY")
	assert.Contains(t, pubPEM, "PUBLIC KEY")

	privateKey, err := ParsePrivateKey([]byte(privPEM))
	require.NoError(t, err)

	pubKey, err := parsePublicKey([]byte(pubPEM))
	require.NoError(t, err)
	assert.True(t, privateKey.PublicKey.Equal(pubKey))

	_, err = ParsePrivateKey([]byte("not pem"))
	assert.Error(t, err)
}

func TestComputeFingerprint(t *testing.T) {
	_, pubPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)

	fp := ComputeFingerprint([]byte(pubPEM))
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, ComputeFingerprint([]byte(pubPEM)))
}
