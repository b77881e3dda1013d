package pkihandler

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/device-pki/api"
	"github.com/ruteri/device-pki/cryptoutils"
)

// Client fetches public CA material from a device.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL (e.g. "https://device.local").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Chain retrieves the root and current intermediate.
func (c *Client) Chain(ctx context.Context) (*api.ChainResponse, error) {
	var resp api.ChainResponse
	if err := c.getJSON(ctx, "/api/pki/chain", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the certificate status of the device.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.getJSON(ctx, "/api/pki/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CACertificate retrieves a CA certificate by name in PEM form.
func (c *Client) CACertificate(ctx context.Context, name string) (cryptoutils.CertPEM, error) {
	body, err := c.get(ctx, "/pki/ca/"+name+".cer")
	if err != nil {
		return nil, err
	}
	return cryptoutils.NewCertPEM(body)
}

// TrustChain retrieves the chain and checks that the intermediate is signed by the root.
// The caller decides whether to trust the root itself.
func (c *Client) TrustChain(ctx context.Context) (root, intermediate *x509.Certificate, err error) {
	chain, err := c.Chain(ctx)
	if err != nil {
		return nil, nil, err
	}

	root, err = cryptoutils.CertPEM(chain.Root).GetX509Cert()
	if err != nil {
		return nil, nil, fmt.Errorf("could not parse root: %w", err)
	}
	intermediate, err = cryptoutils.CertPEM(chain.Intermediate).GetX509Cert()
	if err != nil {
		return nil, nil, fmt.Errorf("could not parse intermediate: %w", err)
	}
	if err := intermediate.CheckSignatureFrom(root); err != nil {
		return nil, nil, fmt.Errorf("intermediate not signed by root: %w", err)
	}
	return root, intermediate, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, errResp.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
