/**
 * @description
 * This package provides a client for the commerce platform's collections and
 * purchase APIs. It encapsulates the logic for making authenticated HTTP
 * requests: refreshing purchase-identity tokens, obtaining service-level
 * access tokens, and running the paginated refund query the reconciliation
 * engine sweeps with.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/playverse/clawback-service/internal/domain"
)

// Client is a client for the commerce platform API.
type Client struct {
	BaseURL      string
	TenantID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// NewClient creates a new commerce platform client.
func NewClient(baseURL, tenantID, clientSecret string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		TenantID:     tenantID,
		ClientSecret: clientSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// refreshIdentityRequest is the payload for refreshing a purchase-identity token.
type refreshIdentityRequest struct {
	TenantID      string `json:"tenant_id"`
	IdentityToken string `json:"identity_token"`
}

// refreshIdentityResponse is the platform's reply to an identity refresh.
type refreshIdentityResponse struct {
	Data struct {
		IdentityToken string    `json:"identity_token"`
		RefreshAfter  time.Time `json:"refresh_after"`
	} `json:"data"`
}

// serviceTokenResponse carries a short-lived service-level access token.
type serviceTokenResponse struct {
	Data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	} `json:"data"`
}

// refundQueryRequest is the payload for the paginated refund query.
type refundQueryRequest struct {
	IdentityToken     string   `json:"identity_token"`
	LineItemStates    []string `json:"line_item_states"`
	ContinuationToken string   `json:"continuation_token,omitempty"`
}

// refundQueryResponse is one page of refunded orders.
type refundQueryResponse struct {
	Data struct {
		Orders            []refundOrderPayload `json:"orders"`
		ContinuationToken string               `json:"continuation_token"`
	} `json:"data"`
}

type refundOrderPayload struct {
	OrderID      string                  `json:"order_id"`
	PurchaseDate time.Time               `json:"purchase_date"`
	RefundDate   time.Time               `json:"refund_date"`
	LineItems    []refundLineItemPayload `json:"line_items"`
}

type refundLineItemPayload struct {
	LineItemID string `json:"line_item_id"`
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
	State      string `json:"state"`
}

// RefundPage is one page of normalized refund records plus the continuation
// token for the next page ("" when the listing is exhausted).
type RefundPage struct {
	Orders            []domain.RefundOrder
	ContinuationToken string
}

// ErrorResponse represents an error from the commerce platform API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("storefront api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown storefront api error"
}

// RefreshIdentity exchanges a stale purchase-identity token for a fresh one.
// The platform requires a service-level access token for this call.
func (c *Client) RefreshIdentity(ctx context.Context, serviceToken, rawToken string) (string, time.Time, error) {
	payload := refreshIdentityRequest{
		TenantID:      c.TenantID,
		IdentityToken: rawToken,
	}

	var resp refreshIdentityResponse
	if err := c.doRequestWithAuth(ctx, "POST", "/v1/purchase-identities/refresh", "refresh_identity", serviceToken, payload, &resp); err != nil {
		return "", time.Time{}, err
	}
	if strings.TrimSpace(resp.Data.IdentityToken) == "" {
		return "", time.Time{}, fmt.Errorf("storefront returned empty identity token")
	}
	return resp.Data.IdentityToken, resp.Data.RefreshAfter, nil
}

// GetServiceToken obtains a service-level access token for tenant-scoped calls.
func (c *Client) GetServiceToken(ctx context.Context) (string, error) {
	payload := map[string]string{
		"tenant_id":     c.TenantID,
		"client_secret": c.ClientSecret,
	}

	var resp serviceTokenResponse
	if err := c.doRequest(ctx, "POST", "/v1/oauth/service-token", "service_token", payload, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Data.AccessToken) == "" {
		return "", fmt.Errorf("storefront returned empty service token")
	}
	return resp.Data.AccessToken, nil
}

// QueryRefunds returns one page of orders whose line items are in any of the
// given states. Callers loop while a continuation token comes back; the
// platform imposes no page cap, so a full sweep must drain every page.
func (c *Client) QueryRefunds(ctx context.Context, identityToken string, states []domain.LineItemState, continuation string) (*RefundPage, error) {
	stateFilters := make([]string, 0, len(states))
	for _, s := range states {
		stateFilters = append(stateFilters, string(s))
	}

	payload := refundQueryRequest{
		IdentityToken:     identityToken,
		LineItemStates:    stateFilters,
		ContinuationToken: continuation,
	}

	var resp refundQueryResponse
	if err := c.doRequest(ctx, "POST", "/v1/orders/refunds/query", "query_refunds", payload, &resp); err != nil {
		return nil, err
	}

	page := &RefundPage{
		ContinuationToken: resp.Data.ContinuationToken,
	}
	for _, order := range resp.Data.Orders {
		normalized := domain.RefundOrder{
			OrderID:      order.OrderID,
			PurchaseDate: order.PurchaseDate,
			RefundDate:   order.RefundDate,
		}
		for _, item := range order.LineItems {
			normalized.LineItems = append(normalized.LineItems, domain.RefundLineItem{
				LineItemID: item.LineItemID,
				ProductID:  item.ProductID,
				Quantity:   item.Quantity,
				State:      domain.LineItemState(item.State),
			})
		}
		page.Orders = append(page.Orders, normalized)
	}
	return page, nil
}

// doRequest is a generic helper to execute storefront API calls.
func (c *Client) doRequest(ctx context.Context, method, path, op string, payload interface{}, out interface{}) error {
	return c.doRequestWithAuth(ctx, method, path, op, "", payload, out)
}

func (c *Client) doRequestWithAuth(ctx context.Context, method, path, op, serviceToken string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-tenant-key", c.ClientSecret)
	if strings.TrimSpace(serviceToken) != "" {
		req.Header.Set("Authorization", "Bearer "+serviceToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=storefront_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=storefront_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return &errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
