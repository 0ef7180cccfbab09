package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/dispatch"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

// DefaultURL is the public push send endpoint.
const DefaultURL = "https://exp.host/--/api/v2/push/send"

// maxErrorBody bounds how much of a failed response is kept for logging.
const maxErrorBody = 512

// Client implements dispatch.Gateway against the Expo push API.
type Client struct {
	url         string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a push gateway client. accessToken may be empty when
// the project does not enforce push security.
func NewClient(url, accessToken string, timeout time.Duration, logger *slog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:         url,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Send posts one batch and returns the tickets, positionally aligned with
// messages. Any failure before tickets are decoded is a
// *domain.GatewayTransportError.
func (c *Client) Send(ctx context.Context, messages []dispatch.PushMessage) ([]dispatch.Ticket, error) {
	body, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.GatewayTransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.GatewayTransportError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var pr response
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, &domain.GatewayTransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(pr.Errors) > 0 {
		c.logger.Warn("push gateway reported request errors",
			"code", pr.Errors[0].Code, "message", pr.Errors[0].Message, "count", len(pr.Errors))
		if len(pr.Data) == 0 {
			return nil, &domain.GatewayTransportError{
				StatusCode: resp.StatusCode,
				Body:       pr.Errors[0].Code + ": " + pr.Errors[0].Message,
			}
		}
	}
	return pr.Data, nil
}

// Expo API response types.

type response struct {
	Data   []dispatch.Ticket `json:"data"`
	Errors []requestError    `json:"errors,omitempty"`
}

type requestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
