// Package spamdb calls the external embedding-based spam lookup service.
package spamdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/saqshy/saqshy/internal/breaker"
	"github.com/saqshy/saqshy/internal/pkg/httpretry"
)

// Config holds the service endpoint and credentials.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // default 5s

	// HTTPClient overrides the default retrying client, used by tests.
	HTTPClient httpretry.HTTPDoer
}

// Client checks message text against the spam pattern database.
type Client struct {
	cfg        Config
	httpClient httpretry.HTTPDoer
	brk        *breaker.Breaker
}

type checkRequest struct {
	Text string `json:"text"`
}

type checkResponse struct {
	Similarity     float64 `json:"similarity"`
	MatchedPattern string  `json:"matched_pattern"`
}

// New creates the client. brk may be nil.
func New(cfg Config, brk *breaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, 1)
	}
	return &Client{cfg: cfg, httpClient: httpClient, brk: brk}
}

// Check returns the highest similarity against known spam and the pattern
// that matched. Empty input short-circuits to (0, "", nil) without a call.
func (c *Client) Check(ctx context.Context, text string) (float64, string, error) {
	if text == "" {
		return 0, "", nil
	}
	if c.brk != nil {
		if err := c.brk.Allow(); err != nil {
			return 0, "", err
		}
	}

	similarity, pattern, err := c.check(ctx, text)
	if c.brk != nil {
		if err != nil && ctx.Err() == nil {
			c.brk.Failure()
		} else if err == nil {
			c.brk.Success()
		}
	}
	return similarity, pattern, err
}

func (c *Client) check(ctx context.Context, text string) (float64, string, error) {
	body, err := json.Marshal(checkRequest{Text: text})
	if err != nil {
		return 0, "", fmt.Errorf("marshal check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/check", bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("create check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("spamdb request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, "", fmt.Errorf("spamdb returned %d: %s", resp.StatusCode, string(payload))
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, "", fmt.Errorf("decode spamdb response: %w", err)
	}
	if out.Similarity < 0 {
		out.Similarity = 0
	}
	if out.Similarity > 1 {
		out.Similarity = 1
	}
	return out.Similarity, out.MatchedPattern, nil
}

// Report submits confirmed spam back to the database so the pattern corpus
// keeps learning from this deployment's blocks.
func (c *Client) Report(ctx context.Context, text, threatType string) error {
	if text == "" {
		return nil
	}
	if c.brk != nil {
		if err := c.brk.Allow(); err != nil {
			return err
		}
	}
	err := c.report(ctx, text, threatType)
	if c.brk != nil {
		if err != nil && ctx.Err() == nil {
			c.brk.Failure()
		} else if err == nil {
			c.brk.Success()
		}
	}
	return err
}

func (c *Client) report(ctx context.Context, text, threatType string) error {
	body, err := json.Marshal(map[string]string{"text": text, "threat_type": threatType})
	if err != nil {
		return fmt.Errorf("marshal report request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/report", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("spamdb report: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("spamdb report returned %d", resp.StatusCode)
	}
	return nil
}
