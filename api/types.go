package api

import (
	"time"
)

// ChainResponse carries the public part of the active CA hierarchy.
type ChainResponse struct {
	// Root is the PEM encoded root certificate.
	Root string `json:"root"`

	// Intermediate is the PEM encoded certificate of the current intermediate.
	Intermediate string `json:"intermediate"`

	// Slot names the current intermediate.
	Slot string `json:"slot"`

	// CRLURL is the distribution point embedded in issued certificates.
	CRLURL string `json:"crl_url,omitempty"`
}

// CertificateStatus describes one certificate known to the device.
type CertificateStatus struct {
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Present   bool      `json:"present"`
	Current   bool      `json:"current,omitempty"`
	State     string    `json:"state,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	Serial    string    `json:"serial,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

// StatusResponse lists every certificate of the device.
type StatusResponse struct {
	Certificates []CertificateStatus `json:"certificates"`
}

// ErrorResponse is returned with non-2xx JSON responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
