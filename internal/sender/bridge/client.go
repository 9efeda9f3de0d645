// Package bridge talks to the WhatsApp bot process over its local HTTP API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aryasadewa/wagateway/internal/sender"
)

const defaultTimeout = 25 * time.Second

// Config holds bridge client configuration.
type Config struct {
	// BaseURL of the bot process API, e.g. "http://127.0.0.1:3001".
	BaseURL string
	// Token is an optional bearer token for the bot API.
	Token string
	// Timeout caps a single HTTP round trip. Callers typically pass a
	// shorter per-send deadline via ctx.
	Timeout time.Duration
}

// Client implements sender.Sender against the bot's HTTP API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a bridge client. The base URL is required.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("bridge client: base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type sendRequest struct {
	JID     string `json:"jid"`
	Message string `json:"message"`
}

type sendResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    sender.Receipt `json:"data"`
}

// Send posts the message to the bot's send endpoint and returns its receipt.
func (c *Client) Send(ctx context.Context, jid, text string) (sender.Receipt, error) {
	body, err := json.Marshal(sendRequest{JID: jid, Message: text})
	if err != nil {
		return sender.Receipt{}, fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return sender.Receipt{}, fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sender.Receipt{}, fmt.Errorf("send to bot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return sender.Receipt{}, fmt.Errorf("read bot response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return sender.Receipt{}, fmt.Errorf("bot returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return sender.Receipt{}, fmt.Errorf("decode bot response: %w", err)
	}
	if !parsed.Success {
		return sender.Receipt{}, fmt.Errorf("bot rejected message: %s", parsed.Message)
	}

	slog.Debug("message handed to bot", "jid", jid, "message_id", parsed.Data.MessageID)
	return parsed.Data, nil
}

type statusResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// Available probes the bot's status endpoint. Any transport or decode error
// counts as unavailable.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/status", nil)
	if err != nil {
		return false
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("bot status probe failed", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var parsed statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false
	}
	return parsed.Success && parsed.Status == "online"
}
