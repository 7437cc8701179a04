// Package escrow is the HTTP client for the external escrow gateway that
// holds client funds. Every side-effecting call carries a stable idempotency
// key so retried requests cannot move funds twice; the gateway, not the
// engagement row, is the source of truth for "already settled".
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"gigflow/transition"
)

// Client talks to the escrow gateway with bounded retries and backoff.
// Failures after exhaustion surface as transition.DownstreamError so the
// gateway boundary can report them as retryable.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
	requestID   func() string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		requestID:   func() string { return uuid.NewString() },
	}
}

type settleRequest struct {
	EngagementID   string `json:"engagement_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type releaseResponse struct {
	Released bool `json:"released"`
}

type refundResponse struct {
	Refunded bool `json:"refunded"`
}

// Release authorises payout of the held funds for an engagement. Returns
// false when the key was already settled by an earlier call.
func (c *Client) Release(ctx context.Context, engagementID, idempotencyKey string) (bool, error) {
	var resp releaseResponse
	if err := c.post(ctx, "/v1/release", settleRequest{EngagementID: engagementID, IdempotencyKey: idempotencyKey}, &resp); err != nil {
		return false, err
	}
	return resp.Released, nil
}

// Refund returns held funds to the client under the same idempotency
// contract as Release.
func (c *Client) Refund(ctx context.Context, engagementID, idempotencyKey string) (bool, error) {
	var resp refundResponse
	if err := c.post(ctx, "/v1/refund", settleRequest{EngagementID: engagementID, IdempotencyKey: idempotencyKey}, &resp); err != nil {
		return false, err
	}
	return resp.Refunded, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody settleRequest, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("escrow: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &transition.DownstreamError{Dependency: "escrow", Err: ctx.Err()}
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		lastErr = c.once(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
	}
	return &transition.DownstreamError{Dependency: "escrow", Err: lastErr}
}

func (c *Client) once(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("escrow: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Fresh per attempt so the gateway can distinguish retries in its logs;
	// deduplication rides on the idempotency key in the body, not this header.
	req.Header.Set("X-Request-Id", c.requestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("escrow: call gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("escrow: gateway returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("escrow: decode response: %w", err)
	}
	return nil
}
