// Package webhook delivers sync events to a configured downstream endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"kitesync/internal/domain"
)

type Client struct {
	url        string
	httpClient *http.Client

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(url string, timeout time.Duration, maxRetries int, baseDelay, maxDelay time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// Publish posts the event as JSON. Delivery retries with doubling delay on
// transport errors and 5xx responses; the event ID doubles as the
// idempotency key so the receiver can deduplicate replays.
func (c *Client) Publish(ctx context.Context, event domain.SyncEvent) error {
	if c.url == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	delay := c.baseDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}
		lastErr = c.post(ctx, event, body)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, event domain.SyncEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", event.ID)
	req.Header.Set("X-Sync-Domain", string(event.Domain))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
