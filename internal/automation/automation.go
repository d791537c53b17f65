// Package automation fetches the per-deployment assistant configuration from
// an HTTP webhook and publishes it as a process-wide immutable snapshot.
//
// A failed or absent configuration is not an error condition: every consumer
// treats a nil [*Config] as "use the built-in defaults".
package automation

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultWebhookURL is the configuration webhook used when none is configured.
const DefaultWebhookURL = "https://dev-115-n8n.aitency.net/webhook/config"

// maxBodyBytes bounds the webhook response size.
const maxBodyBytes = 1 << 20

// Config is the assistant configuration returned by the webhook. Every field
// is optional.
type Config struct {
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Voice        string   `json:"voice,omitempty"`
	Speed        *float64 `json:"speed,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	ToolChoice   string   `json:"tool_choice,omitempty"`
}

// Fetcher retrieves [Config] values from the webhook.
type Fetcher struct {
	webhookURL string
	client     *http.Client
}

// FetcherOption configures a [Fetcher].
type FetcherOption func(*Fetcher)

// WithHTTPClient overrides the HTTP client. The default has a 10 s timeout.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// NewFetcher returns a Fetcher for webhookURL. An empty URL selects
// [DefaultWebhookURL].
func NewFetcher(webhookURL string, opts ...FetcherOption) *Fetcher {
	if webhookURL == "" {
		webhookURL = DefaultWebhookURL
	}
	f := &Fetcher{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// WebhookURL returns the configured webhook endpoint.
func (f *Fetcher) WebhookURL() string { return f.webhookURL }

// Fetch returns the configuration for automationID, or nil when the id is
// empty or the webhook call fails in any way. Failures are logged.
func (f *Fetcher) Fetch(ctx context.Context, automationID string) *Config {
	cfg, _, err := f.fetch(ctx, automationID)
	if err != nil {
		slog.Warn("automation: config fetch failed, using defaults",
			"automation_id", automationID, "err", err)
		return nil
	}
	return cfg
}

// fetch performs the webhook call and returns the decoded config together
// with the SHA-256 of the raw body.
func (f *Fetcher) fetch(ctx context.Context, automationID string) (*Config, [sha256.Size]byte, error) {
	var zero [sha256.Size]byte
	if automationID == "" {
		return nil, zero, fmt.Errorf("automation: empty automation id")
	}

	u, err := url.Parse(f.webhookURL)
	if err != nil {
		return nil, zero, fmt.Errorf("automation: parse webhook url: %w", err)
	}
	q := u.Query()
	q.Set("automationId", automationID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, zero, fmt.Errorf("automation: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, zero, fmt.Errorf("automation: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, zero, fmt.Errorf("automation: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, zero, fmt.Errorf("automation: read body: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, zero, fmt.Errorf("automation: decode body: %w", err)
	}
	return &cfg, sha256.Sum256(body), nil
}
