package interfaces

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// PublisherLocation is a parsed publisher URI.
type PublisherLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname or bucket
	Path   string     // Resource path
	Query  url.Values // Query parameters
}

// NewPublisherLocation parses and validates a publisher URI.
func NewPublisherLocation(uri string) (PublisherLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return PublisherLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "file", "s3", "vault":
	default:
		return PublisherLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return PublisherLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}, nil
}

// String returns the original URI string.
func (loc PublisherLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc PublisherLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// Publisher mirrors public certificate material to an external location.
// Names are slash separated relative paths such as "ca/ca.cer".
type Publisher interface {
	// Publish stores data under name, replacing any previous object.
	Publish(ctx context.Context, name string, data []byte) error

	// Fetch returns the object stored under name or ErrContentNotFound.
	Fetch(ctx context.Context, name string) ([]byte, error)

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend, without credentials.
	LocationURI() string
}
