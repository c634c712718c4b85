package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// Client is the HTTP implementation of Gateway. The zero value is not usable;
// construct with NewClient.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
}

// ClientConfig holds gateway connection parameters sourced from config.
type ClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// NewClient creates a gateway Client with an SSRF-safe HTTP client.
// Redirect following is disabled: the gateway API never redirects, and a
// redirect would re-send auth headers to an attacker-controlled host.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	safeCfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return &Client{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http:         safeurl.Client(safeCfg).Client,
	}
}

// NewClientWithHTTP creates a Client with an injected *http.Client.
// Tests use this with httptest servers, which safeurl would block.
func NewClientWithHTTP(cfg ClientConfig, hc *http.Client) *Client {
	return &Client{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http:         hc,
	}
}

type payoutResponseBody struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// InitiatePayout implements Gateway.
func (c *Client) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	body, err := json.Marshal(map[string]any{
		"transfer_id":  req.TransferID,
		"bene_id":      req.BeneficiaryID,
		"reference_id": req.TransactionID,
		"amount":       req.Amount,
		"remarks":      req.Remarks,
	})
	if err != nil {
		return nil, fmt.Errorf("initiate payout: marshal: %w", err)
	}

	var resp payoutResponseBody
	if err := c.do(ctx, http.MethodPost, "/payout/transfers", body, &resp); err != nil {
		return nil, fmt.Errorf("initiate payout %s: %w", req.TransferID, err)
	}
	return &PayoutResult{ReferenceID: resp.ReferenceID, Status: resp.Status}, nil
}

// GetTransferStatus implements Gateway.
func (c *Client) GetTransferStatus(ctx context.Context, referenceID string) (*PayoutResult, error) {
	var resp payoutResponseBody
	if err := c.do(ctx, http.MethodGet, "/payout/transfers/"+referenceID, nil, &resp); err != nil {
		return nil, fmt.Errorf("get transfer status %s: %w", referenceID, err)
	}
	return &PayoutResult{ReferenceID: resp.ReferenceID, Status: resp.Status}, nil
}

type paymentStatusResponse struct {
	Payments []PaymentStatus `json:"payments"`
}

// GetPaymentStatus implements Gateway.
func (c *Client) GetPaymentStatus(ctx context.Context, orderID string) ([]PaymentStatus, error) {
	var resp paymentStatusResponse
	if err := c.do(ctx, http.MethodGet, "/orders/"+orderID+"/payments", nil, &resp); err != nil {
		return nil, fmt.Errorf("get payment status %s: %w", orderID, err)
	}
	return resp.Payments, nil
}

// do executes one gateway request and decodes the JSON response into out.
// Network errors and 5xx/429 responses are wrapped in TransientError.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Id", c.clientID)
	req.Header.Set("X-Client-Secret", c.clientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("gateway request: %w", err)}
	}
	defer resp.Body.Close() //nolint:errcheck
	// Cap the response read; gateway error bodies are small.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{Err: fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(data, 200))}
	case resp.StatusCode >= 400:
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
