// internal/registry/registry.go
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Domain is the registry's answer for one sending domain.
type Domain struct {
	Name         string `json:"domain_name"`
	IsVerified   bool   `json:"is_verified"`
	Owner        string `json:"owner"`
	WebhookHost  string `json:"mail_client_host"`
	WebhookToken string `json:"mail_client_token"`
}

// Registry answers domain ownership and verification lookups. Lookup returns
// nil (not an error) for an unknown domain.
type Registry interface {
	Lookup(ctx context.Context, domainName string) (*Domain, error)
}

// Client queries a remote domain registry over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Lookup(ctx context.Context, domainName string) (*Domain, error) {
	endpoint := fmt.Sprintf("%s/api/domains/%s", c.baseURL, url.PathEscape(domainName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry lookup %s: %w", domainName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry lookup %s: unexpected status %d", domainName, resp.StatusCode)
	}

	var dom Domain
	if err := json.NewDecoder(resp.Body).Decode(&dom); err != nil {
		return nil, fmt.Errorf("registry lookup %s: decode response: %w", domainName, err)
	}
	return &dom, nil
}

// Static serves lookups from a fixed in-memory table. Used when no remote
// registry is configured, and by tests.
type Static struct {
	domains map[string]Domain
}

func NewStatic(domains []Domain) *Static {
	m := make(map[string]Domain, len(domains))
	for _, d := range domains {
		m[d.Name] = d
	}
	return &Static{domains: m}
}

func (s *Static) Lookup(_ context.Context, domainName string) (*Domain, error) {
	if d, ok := s.domains[domainName]; ok {
		return &d, nil
	}
	return nil, nil
}
