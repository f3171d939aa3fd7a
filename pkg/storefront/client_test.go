package storefront

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/playverse/clawback-service/internal/domain"
)

func TestQueryRefundsFollowsContinuationToken(t *testing.T) {
	var requests []refundQueryRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders/refunds/query" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("x-tenant-key"); got != "secret" {
			t.Fatalf("missing tenant key header, got %q", got)
		}

		var req refundQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		requests = append(requests, req)

		resp := refundQueryResponse{}
		if req.ContinuationToken == "" {
			resp.Data.Orders = []refundOrderPayload{{
				OrderID: "O1",
				LineItems: []refundLineItemPayload{
					{LineItemID: "L1", ProductID: "coin_pack", Quantity: 5, State: "Revoked"},
				},
			}}
			resp.Data.ContinuationToken = "page-2"
		} else {
			resp.Data.Orders = []refundOrderPayload{{OrderID: "O2"}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL, "tenant", "secret")

	page, err := client.QueryRefunds(context.Background(), "identity-token", []domain.LineItemState{domain.LineItemRevoked}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.ContinuationToken != "page-2" {
		t.Fatalf("expected continuation token, got %q", page.ContinuationToken)
	}
	if len(page.Orders) != 1 || page.Orders[0].OrderID != "O1" {
		t.Fatalf("unexpected first page: %+v", page.Orders)
	}
	if item := page.Orders[0].LineItems[0]; item.State != domain.LineItemRevoked || item.Quantity != 5 {
		t.Fatalf("unexpected line item: %+v", item)
	}

	page, err = client.QueryRefunds(context.Background(), "identity-token", []domain.LineItemState{domain.LineItemRevoked}, page.ContinuationToken)
	if err != nil {
		t.Fatalf("unexpected error on second page: %v", err)
	}
	if page.ContinuationToken != "" {
		t.Fatalf("expected exhausted listing, got token %q", page.ContinuationToken)
	}

	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	if requests[0].LineItemStates[0] != "Revoked" {
		t.Fatalf("unexpected state filter: %v", requests[0].LineItemStates)
	}
	if requests[1].ContinuationToken != "page-2" {
		t.Fatalf("second request must carry the continuation token, got %q", requests[1].ContinuationToken)
	}
}

func TestRefreshIdentitySendsServiceToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Fatalf("expected bearer service token, got %q", got)
		}
		var resp refreshIdentityResponse
		resp.Data.IdentityToken = "fresh-token"
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL, "tenant", "secret")
	token, _, err := client.RefreshIdentity(context.Background(), "svc-token", "stale-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "fresh-token" {
		t.Fatalf("unexpected token: %q", token)
	}
}

func TestRefreshIdentityRejectsEmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(refreshIdentityResponse{})
	}))
	defer server.Close()

	client := NewClient(server.URL, "tenant", "secret")
	if _, _, err := client.RefreshIdentity(context.Background(), "svc-token", "stale-token"); err == nil {
		t.Fatal("expected an error for an empty identity token")
	}
}

func TestQueryRefundsSurfacesPlatformError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{
				{"title": "InvalidIdentity", "detail": "identity token expired", "status": "422"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "tenant", "secret")
	_, err := client.QueryRefunds(context.Background(), "expired", []domain.LineItemState{domain.LineItemRevoked}, "")
	if err == nil {
		t.Fatal("expected an error")
	}

	errResp, ok := err.(*ErrorResponse)
	if !ok {
		t.Fatalf("expected *ErrorResponse, got %T", err)
	}
	if errResp.Errors[0].Title != "InvalidIdentity" {
		t.Fatalf("unexpected error payload: %+v", errResp.Errors)
	}
}
