// Package players talks to the player account service.
package players

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ridgeline-games/commerce/internal/retry"
)

// Banner bans player accounts.
type Banner interface {
	Ban(ctx context.Context, accountID, reason string) error
}

// Client is an HTTP client for the player account service.
type Client struct {
	baseURL string
	token   string
	client  *http.Client

	maxAttempts int
	baseDelay   time.Duration
}

// NewClient creates a player service client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

// Ban requests a permanent ban of the account. Transient failures are
// retried; a 4xx from the player service is not.
func (c *Client) Ban(ctx context.Context, accountID, reason string) error {
	body, err := json.Marshal(map[string]string{
		"accountId": accountID,
		"reason":    reason,
	})
	if err != nil {
		return fmt.Errorf("marshal ban request: %w", err)
	}

	return retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		return c.postBan(ctx, accountID, body)
	})
}

func (c *Client) postBan(ctx context.Context, accountID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/players/ban", bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build ban request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ban %s: %w", accountID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("ban %s: player service returned %d: %s", accountID, resp.StatusCode, snippet)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(err)
	}
	return err
}
