// Package custody is an HTTP client for the external custody service that
// holds scheduled funds. It moves value on the scheduler's behalf and relays
// arrival notifications to receivers.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client talks to the custody service. It satisfies both the transfer and the
// notification collaborator contracts of the distributor.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a custody client. authToken may be empty when the custody
// service does not require authentication.
func NewClient(baseURL, authToken string, log *slog.Logger) *Client {
	// Custom transport with dial timeout for fast failure on connection issues
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
	}

	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Minute,
		},
		log: log,
	}
}

// transferRequest is the request body for POST /v1/transfers/pull and
// POST /v1/transfers/push.
type transferRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// notifyRequest is the request body for POST /v1/notifications.
type notifyRequest struct {
	Receiver string `json:"receiver"`
	Asset    string `json:"asset"`
	Amount   uint64 `json:"amount"`
}

// Pull collects amount of asset from an external account into custody.
func (c *Client) Pull(ctx context.Context, asset, from string, amount uint64) error {
	return c.post(ctx, "/v1/transfers/pull", transferRequest{Asset: asset, Account: from, Amount: amount})
}

// Push sends amount of asset from custody to an external account.
func (c *Client) Push(ctx context.Context, asset, to string, amount uint64) error {
	return c.post(ctx, "/v1/transfers/push", transferRequest{Asset: asset, Account: to, Amount: amount})
}

// Notify tells a receiver that drained funds arrived.
func (c *Client) Notify(ctx context.Context, receiver, asset string, amount uint64) error {
	return c.post(ctx, "/v1/notifications", notifyRequest{Receiver: receiver, Asset: asset, Amount: amount})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("custody request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded excerpt of the body for the error message.
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("custody returned %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(excerpt)))
	}
	return nil
}
