package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duocall/duocall/internal/auth"
	"github.com/duocall/duocall/internal/signaling"
)

const (
	defaultRequestTimeout = 5 * time.Second
	maxResponseBytes      = 1 << 20
)

// Client talks to the directory endpoints of the relay's HTTP surface.
type Client struct {
	// BaseURL without trailing slash, e.g. "https://relay.example.com".
	BaseURL     string
	Credentials auth.Source
	HTTPClient  *http.Client
	Timeout     time.Duration
}

var _ Service = (*Client)(nil)

func (c *Client) Contacts(ctx context.Context) ([]signaling.Contact, error) {
	var out struct {
		Contacts []signaling.Contact `json:"contacts"`
	}
	if err := c.do(ctx, http.MethodGet, "/contacts", nil, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

func (c *Client) Create(ctx context.Context, contact signaling.Contact) (signaling.Contact, error) {
	var out signaling.Contact
	if err := c.do(ctx, http.MethodPost, "/contacts", contact, &out); err != nil {
		return signaling.Contact{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("directory: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("directory: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.Credentials.Token()
	if err != nil {
		return fmt.Errorf("directory: credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("directory: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("directory: decode response: %w", err)
	}
	return nil
}
