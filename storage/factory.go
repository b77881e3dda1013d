package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/device-pki/interfaces"
)

// PublisherFactory creates publishers from location URIs.
type PublisherFactory struct {
	log        *slog.Logger
	clientCert *tls.Certificate
}

// NewPublisherFactory creates a new factory instance.
func NewPublisherFactory(logger *slog.Logger) *PublisherFactory {
	return &PublisherFactory{log: logger}
}

// WithClientCertificate sets the TLS client certificate used by backends that support
// mutual TLS. The device Authentication leaf is the usual choice.
func (pf *PublisherFactory) WithClientCertificate(cert *tls.Certificate) *PublisherFactory {
	pf.clientCert = cert
	return pf
}

// PublisherFor creates a publisher from a location URI.
//
// Supported schemes:
//   - file:///absolute/path - local directory
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=host - S3 or compatible
//   - vault://host:8200/mount/path?insecure=true - Vault KV v2
func (pf *PublisherFactory) PublisherFor(uri string) (interfaces.Publisher, error) {
	loc, err := interfaces.NewPublisherLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "s3":
		return pf.createS3Backend(loc, uri)
	case "vault":
		return pf.createVaultBackend(loc)
	case "file":
		return pf.createFileBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiPublisher creates a publisher aggregating every URI that could be parsed.
// Returns an error if no publisher could be created.
func (pf *PublisherFactory) CreateMultiPublisher(uris []string) (*MultiPublisher, error) {
	backends := make([]interfaces.Publisher, 0, len(uris))

	for _, uri := range uris {
		backend, err := pf.PublisherFor(uri)
		if err != nil {
			pf.log.Warn("Failed to create publisher",
				"err", err,
				slog.String("locationURI", redact(uri)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid publishers created")
	}

	return NewMultiPublisher(backends, pf.log), nil
}

func (pf *PublisherFactory) createS3Backend(loc interfaces.PublisherLocation, raw string) (interfaces.Publisher, error) {
	pf.log.Debug("Creating S3 publisher", slog.String("uri", redact(raw)))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket", interfaces.ErrInvalidLocationURI)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if creds := userInfo(raw); creds != "" {
		accessKey, secretKey, _ = strings.Cut(creds, ":")
	}

	return NewS3Backend(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, pf.log)
}

func (pf *PublisherFactory) createVaultBackend(loc interfaces.PublisherLocation) (interfaces.Publisher, error) {
	pf.log.Debug("Creating Vault publisher", slog.String("uri", loc.String()))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if mount == "" {
		mount = "secret"
	}

	scheme := "https"
	if loc.GetParam("insecure") == "true" {
		scheme = "http"
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, loc.Host), mount, dataPath, pf.clientCert, pf.log)
}

func (pf *PublisherFactory) createFileBackend(loc interfaces.PublisherLocation) (interfaces.Publisher, error) {
	pf.log.Debug("Creating file publisher", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		// file://C:/path or file://./relative
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileBackend(path, pf.log)
}

// userInfo extracts the raw user:password section of a URI.
func userInfo(uri string) string {
	_, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	authority, _, _ := strings.Cut(rest, "/")
	creds, _, ok := strings.Cut(authority, "@")
	if !ok {
		return ""
	}
	return creds
}

// redact strips credentials from a URI before logging it.
func redact(uri string) string {
	creds := userInfo(uri)
	if creds == "" {
		return uri
	}
	return strings.Replace(uri, creds+"@", "", 1)
}
