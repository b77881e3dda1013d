package pkihandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-pki/api"
	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/pki"
)

// Authority is the read-only view of the CA used by the handler.
type Authority interface {
	Layout() pki.Layout
	LoadChain(ctx context.Context) (*pki.Chain, error)
	Status(ctx context.Context) ([]pki.CertificateStatus, error)
}

// Handler serves public CA material.
type Handler struct {
	authority Authority
	crlURL    string
	log       *slog.Logger
}

// NewHandler creates a handler over authority. crlURL is reported in chain responses.
func NewHandler(authority Authority, crlURL string, log *slog.Logger) *Handler {
	return &Handler{
		authority: authority,
		crlURL:    crlURL,
		log:       log,
	}
}

// RegisterRoutes configures the router with the distribution endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/pki/ca/{name}", h.HandleCACertificate)
	r.Get("/pki/crl/{file}", h.HandleCRL)
	r.Get("/api/pki/chain", h.HandleChain)
	r.Get("/api/pki/status", h.HandleStatus)
}

// HandleCACertificate serves the root or an intermediate certificate.
//
// URL format: GET /pki/ca/{name}.cer (PEM) or /pki/ca/{name}.der (DER)
//
// Status codes:
//   - 200 OK
//   - 404 Not Found: unknown name or certificate not issued yet
func (h *Handler) HandleCACertificate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	if ext != ".cer" && ext != ".der" {
		http.NotFound(w, r)
		return
	}

	path, ok := h.caCertPath(base)
	if !ok {
		http.NotFound(w, r)
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		h.log.Error("Failed to read CA certificate", "err", err, "name", base)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if ext == ".der" {
		cert, err := cryptoutils.CertPEM(raw).GetX509Cert()
		if err != nil {
			h.log.Error("Invalid CA certificate on disk", "err", err, "name", base)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pkix-cert")
		_, _ = w.Write(cert.Raw)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(raw)
}

// HandleCRL serves a file from the CRL directory.
//
// URL format: GET /pki/crl/{file}
func (h *Handler) HandleCRL(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	if file == "" || file != filepath.Base(file) || strings.HasPrefix(file, ".") {
		http.NotFound(w, r)
		return
	}

	raw, err := os.ReadFile(filepath.Join(h.authority.Layout().CRLDir(), file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		h.log.Error("Failed to read CRL", "err", err, "file", file)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pkix-crl")
	_, _ = w.Write(raw)
}

// HandleChain returns the root and the current intermediate.
//
// Response: JSON-encoded api.ChainResponse
//
// Status codes:
//   - 200 OK
//   - 503 Service Unavailable: the hierarchy has not been bootstrapped
func (h *Handler) HandleChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.authority.LoadChain(r.Context())
	if err != nil {
		h.log.Warn("Chain unavailable", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: "certificate chain unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, api.ChainResponse{
		Root:         string(cryptoutils.EncodeCertPEM(chain.Root)),
		Intermediate: string(cryptoutils.EncodeCertPEM(chain.Intermediate)),
		Slot:         chain.Slot,
		CRLURL:       h.crlURL,
	})
}

// HandleStatus returns the state of every certificate.
//
// Response: JSON-encoded api.StatusResponse
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.authority.Status(r.Context())
	if err != nil {
		h.log.Error("Failed to compute status", "err", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "status unavailable"})
		return
	}

	resp := api.StatusResponse{Certificates: make([]api.CertificateStatus, 0, len(status))}
	for _, s := range status {
		resp.Certificates = append(resp.Certificates, api.CertificateStatus(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) caCertPath(name string) (string, bool) {
	layout := h.authority.Layout()
	if name == layout.RootName {
		return layout.RootPaths().Cert, true
	}
	paths, err := layout.IntermediatePaths(name)
	if err != nil {
		return "", false
	}
	return paths.Cert, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
