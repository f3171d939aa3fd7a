/**
 * @description
 * This package provides a client for communicating with the balance-service,
 * the external consumable-balance ledger. It encapsulates the two operations
 * the reconciliation engine depends on: granting value after a consumption
 * and revoking it again after a refund.
 */
package balanceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a client for the balance service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new balance service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// adjustBalanceRequest defines the payload for a balance adjustment.
type adjustBalanceRequest struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// adjustBalanceResponse defines the response from a balance adjustment.
type adjustBalanceResponse struct {
	NewBalance int64 `json:"new_balance"`
}

// Grant adds consumed quantity to the user's balance for a product and
// returns the new balance.
func (c *Client) Grant(ctx context.Context, userID uuid.UUID, productID string, quantity int64) (int64, error) {
	return c.adjust(ctx, "/internal/balances/grant", userID, productID, quantity)
}

// Revoke subtracts previously granted quantity from the user's balance for a
// product and returns the new balance.
func (c *Client) Revoke(ctx context.Context, userID uuid.UUID, productID string, quantity int64) (int64, error) {
	return c.adjust(ctx, "/internal/balances/revoke", userID, productID, quantity)
}

func (c *Client) adjust(ctx context.Context, path string, userID uuid.UUID, productID string, quantity int64) (int64, error) {
	if c.baseURL == "" {
		return 0, fmt.Errorf("balance service base url is empty")
	}

	payload := adjustBalanceRequest{
		UserID:    userID.String(),
		ProductID: productID,
		Quantity:  quantity,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request to balance service: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance service response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("balance service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var adjustResp adjustBalanceResponse
	if err := json.Unmarshal(bodyBytes, &adjustResp); err != nil {
		return 0, fmt.Errorf("failed to decode balance service response: %w", err)
	}

	return adjustResp.NewBalance, nil
}
