package iceservers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/auth"
	"github.com/duocall/duocall/internal/config"
)

const (
	defaultFetchTimeout = 5 * time.Second
	maxFetchBodyBytes   = 256 * 1024
)

// Fetcher retrieves ICE servers from an HTTP endpoint returning
// {"iceServers": [...]}. The same bearer credential used for the signaling
// channel authenticates the request.
type Fetcher struct {
	URL         string
	Credentials auth.Source
	Client      *http.Client // nil means http.DefaultClient
	Timeout     time.Duration
}

func (f Fetcher) Servers(ctx context.Context) ([]webrtc.ICEServer, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("iceservers: build request: %w", err)
	}
	if f.Credentials != nil {
		token, err := f.Credentials.Token()
		if err != nil {
			return nil, fmt.Errorf("iceservers: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("iceservers: fetch %s: %w", f.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("iceservers: fetch %s: unexpected status %d", f.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("iceservers: read response: %w", err)
	}

	var envelope struct {
		ICEServers json.RawMessage `json:"iceServers"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("iceservers: decode response: %w", err)
	}
	if len(envelope.ICEServers) == 0 {
		return nil, fmt.Errorf("iceservers: response missing iceServers")
	}

	servers, err := config.ParseICEServersJSON(string(envelope.ICEServers))
	if err != nil {
		return nil, fmt.Errorf("iceservers: %w", err)
	}
	return servers, nil
}
