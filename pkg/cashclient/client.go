/**
 * @description
 * This package provides a client for the external cash-ledger service that
 * owns users' liquid cash balances. The deposit-service consumes it through
 * a deliberately narrow surface: read a balance, apply one signed adjustment,
 * ensure a minimal account exists. Any legacy-compatibility shimming on the
 * cash side lives behind this client, never inside the ledger core.
 */
package cashclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrAccountNotFound means the user has no cash account for the currency.
	ErrAccountNotFound = errors.New("cash account not found")
	// ErrInsufficientCash means a debit would have made the balance negative.
	ErrInsufficientCash = errors.New("insufficient cash balance")
)

// Client is a client for the cash-ledger service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new cash-ledger client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type balanceResponse struct {
	Balance float64 `json:"balance"`
}

type adjustRequest struct {
	Delta float64 `json:"delta"`
}

func (c *Client) accountURL(userID, currency string, suffix string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("cash service base url is empty")
	}
	return fmt.Sprintf("%s/internal/cash/%s/%s%s",
		c.baseURL, url.PathEscape(userID), url.PathEscape(currency), suffix), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}) (*http.Response, error) {
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to cash service: %w", err)
	}
	return resp, nil
}

// GetBalance returns the user's liquid cash balance for the currency.
func (c *Client) GetBalance(ctx context.Context, userID, currency string) (float64, error) {
	endpoint, err := c.accountURL(userID, currency, "")
	if err != nil {
		return 0, err
	}

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrAccountNotFound
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("cash service returned error status %d", resp.StatusCode)
	}

	var response balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Balance, nil
}

// Adjust applies delta to the cash balance (negative = debit) and returns the
// new balance. The cash service rejects adjustments that would overdraw.
func (c *Client) Adjust(ctx context.Context, userID, currency string, delta float64) (float64, error) {
	endpoint, err := c.accountURL(userID, currency, "/adjustments")
	if err != nil {
		return 0, err
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, adjustRequest{Delta: delta})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, ErrAccountNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return 0, ErrInsufficientCash
	case resp.StatusCode >= 400:
		return 0, fmt.Errorf("cash service returned error status %d", resp.StatusCode)
	}

	var response balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Balance, nil
}

// EnsureAccount asks the cash service to create a minimal account for the
// user if one does not exist yet.
func (c *Client) EnsureAccount(ctx context.Context, userID, currency string) error {
	endpoint, err := c.accountURL(userID, currency, "")
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("cash service returned error status %d", resp.StatusCode)
	}
	return nil
}
