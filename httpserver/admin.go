package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-pki/kms"
)

// RecoveryState is the state of an escrow recovery session.
type RecoveryState int

const (
	// StateWaiting means no recovery has been initiated.
	StateWaiting RecoveryState = iota

	// StateRecovering means shares are being collected.
	StateRecovering

	// StateComplete means the identity was reconstructed and restored.
	StateComplete
)

func (s RecoveryState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRecovering:
		return "recovering"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Restorer persists a recovered device identity.
type Restorer interface {
	Restore(token string, entropy []byte) error
}

// AdminHandler lets whitelisted administrators restore a lost device identity from
// escrow shares. Every request is signed by the administrator's key.
type AdminHandler struct {
	mu           sync.RWMutex
	log          *slog.Logger
	state        RecoveryState
	adminPubKeys map[string][]byte // admin ID to public key PEM
	restorer     Restorer
	recovery     *kms.Recovery
	threshold    int
	submitted    map[string]int // admin ID to share index
	completeChan chan struct{}
}

// NewAdminHandler creates a handler accepting requests from the given admins and
// writing the recovered identity to restorer.
func NewAdminHandler(log *slog.Logger, adminPubKeys map[string][]byte, restorer Restorer) *AdminHandler {
	return &AdminHandler{
		log:          log,
		state:        StateWaiting,
		adminPubKeys: adminPubKeys,
		restorer:     restorer,
		submitted:    make(map[string]int),
		completeChan: make(chan struct{}),
	}
}

// WaitForRecovery blocks until the identity is restored or ctx is done.
func (h *AdminHandler) WaitForRecovery(ctx context.Context) error {
	select {
	case <-h.completeChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current recovery state.
func (h *AdminHandler) State() RecoveryState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// RegisterRoutes mounts the admin API under /admin.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Mount("/admin", h.AdminRouter())
}

// AdminRouter returns the admin API router.
//
//	GET  /status        recovery state
//	POST /init/recover  {"threshold": n}
//	POST /share         {"share_index": i, "share": "<base64>", "signature": "<base64>"}
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.handleStatus)
	r.Post("/init/recover", h.handleInitRecover)
	r.Post("/share", h.handleSubmitShare)

	return r
}

func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := map[string]interface{}{
		"state": h.state.String(),
	}
	if h.state == StateRecovering {
		resp["threshold"] = h.threshold
		resp["submitted"] = len(h.submitted)
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *AdminHandler) handleInitRecover(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var params struct {
		Threshold int `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateWaiting {
		http.Error(w, "Recovery already in progress or complete", http.StatusBadRequest)
		return
	}

	if params.Threshold > len(h.adminPubKeys) {
		http.Error(w, fmt.Sprintf("Not enough admins (%d) for threshold %d", len(h.adminPubKeys), params.Threshold), http.StatusBadRequest)
		return
	}

	pubKeys := make([][]byte, 0, len(h.adminPubKeys))
	for _, pubKeyPEM := range h.adminPubKeys {
		pubKeys = append(pubKeys, pubKeyPEM)
	}

	recovery, err := kms.NewRecovery(kms.EscrowConfig{Threshold: params.Threshold, AdminPubKeys: pubKeys})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.recovery = recovery
	h.threshold = params.Threshold
	h.submitted = make(map[string]int)
	h.state = StateRecovering

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"message":   "Recovery mode initiated",
		"threshold": params.Threshold,
	})

	h.log.Info("Identity recovery initiated", "adminID", adminID, "threshold", params.Threshold)
}

func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var submission struct {
		ShareIndex int    `json:"share_index"`
		Share      string `json:"share"`
		Signature  string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}
	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecovering {
		http.Error(w, "Not in recovery mode", http.StatusBadRequest)
		return
	}

	if err := h.recovery.SubmitShare(submission.ShareIndex, share, signature, h.adminPubKeys[adminID]); err != nil {
		h.log.Error("Share submission failed", "err", err, "adminID", adminID)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.submitted[adminID] = submission.ShareIndex

	w.Header().Set("Content-Type", "application/json")

	if !h.recovery.IsComplete() {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "Share accepted, waiting for more shares",
		})
		h.log.Info("Share accepted", "adminID", adminID, "shareIndex", submission.ShareIndex)
		return
	}

	if err := h.restore(); err != nil {
		h.log.Error("Failed to restore identity", "err", err, "adminID", adminID)
		h.recovery = nil
		h.submitted = make(map[string]int)
		h.state = StateWaiting
		http.Error(w, "Failed to restore identity", http.StatusInternalServerError)
		return
	}

	h.state = StateComplete
	close(h.completeChan)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Identity restored - recovery complete",
	})
	h.log.Info("Identity restored - recovery complete", "adminID", adminID)
}

func (h *AdminHandler) restore() error {
	token, entropy, err := h.recovery.Identity()
	if err != nil {
		return err
	}
	defer func() {
		for i := range entropy {
			entropy[i] = 0
		}
	}()
	return h.restorer.Restore(token, entropy)
}

// verifyAdmin checks that the request carries a valid signature over path and body
// by a whitelisted admin.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get("X-Admin-ID")
	adminSignatureStr := r.Header.Get("X-Admin-Signature")
	if adminID == "" || adminSignatureStr == "" {
		return "", false
	}

	h.mu.RLock()
	pubKeyPEM, exists := h.adminPubKeys[adminID]
	h.mu.RUnlock()
	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	pubKey, err := parsePublicKey(pubKeyPEM)
	if err != nil {
		h.log.Error("Failed to parse admin public key", "adminID", adminID, "err", err)
		return adminID, false
	}

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	message := append([]byte(r.URL.Path), bodyBytes...)

	var valid bool
	switch key := pubKey.(type) {
	case *ecdsa.PublicKey:
		hash := sha256.Sum256(message)
		valid = ecdsa.VerifyASN1(key, hash[:], adminSignature)
	case ed25519.PublicKey:
		valid = ed25519.Verify(key, message, adminSignature)
	default:
		h.log.Error("Admin public key is neither ECDSA nor Ed25519", "adminID", adminID)
		return adminID, false
	}
	if !valid {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

// SignRequest produces the X-Admin-Signature header value for a request to path
// with body.
func SignRequest(privateKey *ecdsa.PrivateKey, path string, body []byte) (string, error) {
	hash := sha256.Sum256(append([]byte(path), body...))
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// CreateSignedAdminRequest builds a request to reqURL carrying the admin headers.
func CreateSignedAdminRequest(method, reqURL string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	req, err := http.NewRequest(method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	signature, err := SignRequest(privateKey, parsedURL.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	req.Header.Set("X-Admin-ID", adminID)
	req.Header.Set("X-Admin-Signature", signature)
	return req, nil
}

// LoadAdminKeys reads {"admins": [{"id": ..., "pubkey": "<PEM>"}]}.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte)
	for _, admin := range data.Admins {
		if _, err := parsePublicKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}

// AdminIDs returns the sorted admin IDs of keys.
func AdminIDs(keys map[string][]byte) []string {
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GenerateAdminKeyPair generates a P-256 key pair and returns the private and
// public keys in PEM.
func GenerateAdminKeyPair() (string, string, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})

	return string(privateKeyPEM), string(publicKeyPEM), nil
}

// ParsePrivateKey parses an EC PRIVATE KEY PEM block.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}

	return privateKey, nil
}

// ComputeFingerprint returns the hex SHA-256 of a public key PEM.
func ComputeFingerprint(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}

func parsePublicKey(publicKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("invalid PEM data")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}
