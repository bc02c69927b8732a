package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/onhand/dispatch-core/internal/config"
)

// Client calls the external voice provider's REST endpoint. It is consumed
// by the notifier worker that drains the call queue; the dispatcher never
// talks to it directly.
type Client struct {
	http *resty.Client
}

// NewClient creates a voice provider client
func NewClient(cfg config.VoiceConfig) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{http: httpClient}
}

// callResponse is the provider's acknowledgement
type callResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// PlaceCall submits one call request and returns the provider's call id
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	var out callResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/calls")
	if err != nil {
		return "", fmt.Errorf("voice provider request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("voice provider returned %s: %s", resp.Status(), resp.String())
	}
	return out.CallID, nil
}

// CancelCall asks the provider to abandon a not-yet-placed call
func (c *Client) CancelCall(ctx context.Context, callID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v1/calls/" + callID)
	if err != nil {
		return fmt.Errorf("voice provider request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("voice provider returned %s: %s", resp.Status(), resp.String())
	}
	return nil
}
