// internal/spamd/client.go
package spamd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DKIMInvalidMarker appears in the spamd response tokens when the message
// signature fails verification.
const DKIMInvalidMarker = "DKIM_INVALID"

// Result is the spam engine's verdict on one message.
type Result struct {
	SpamScore     float64 `json:"spam_score"`
	SpamdResponse string  `json:"spamd_response"`
	ScanningMode  string  `json:"scanning_mode"`
}

// Scanner scores a raw message. Implemented by Client; tests use stubs.
type Scanner interface {
	Scan(ctx context.Context, message string) (*Result, error)
}

// Client talks to the spam-scoring collaborator over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Scan submits the raw message body and returns the engine's score and
// diagnostic response.
func (c *Client) Scan(ctx context.Context, message string) (*Result, error) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spamd scan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spamd scan: unexpected status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("spamd scan: decode response: %w", err)
	}
	return &result, nil
}
