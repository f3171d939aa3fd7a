package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/playverse/clawback-service/internal/domain"
	"github.com/playverse/clawback-service/internal/store"
)

type consumptionRepoStub struct {
	store.Repository

	createTxErr error
	upsertErr   error

	createdTx    *domain.CompletedTransaction
	identity     *domain.PurchaseIdentity
	queueItem    *domain.ClawbackQueueItem
	upsertCalled bool
}

func (r *consumptionRepoStub) CreateCompletedTransaction(ctx context.Context, tx *domain.CompletedTransaction) error {
	if r.createTxErr != nil {
		return r.createTxErr
	}
	r.createdTx = tx
	return nil
}

func (r *consumptionRepoStub) UpsertPurchaseIdentity(ctx context.Context, userID uuid.UUID, token string, refreshAfter, consumedAt time.Time) (*domain.PurchaseIdentity, error) {
	r.upsertCalled = true
	if r.upsertErr != nil {
		return nil, r.upsertErr
	}
	r.identity = &domain.PurchaseIdentity{
		ID:             uuid.New(),
		UserID:         userID,
		IdentityToken:  token,
		RefreshAfter:   refreshAfter,
		LastConsumedAt: consumedAt,
	}
	return r.identity, nil
}

func (r *consumptionRepoStub) CreateClawbackQueueItem(ctx context.Context, item *domain.ClawbackQueueItem) error {
	r.queueItem = item
	return nil
}

func validConsumptionRequest() domain.RecordConsumptionRequest {
	return domain.RecordConsumptionRequest{
		UserID:        uuid.New(),
		ProductID:     "coin_pack_large",
		Quantity:      5,
		OrderID:       "O1",
		LineItemID:    "L1",
		IdentityToken: "opaque-token",
	}
}

func TestRecordConsumptionGrantsAndRecordsEverything(t *testing.T) {
	repo := &consumptionRepoStub{}
	balances := &balanceStub{}
	svc := NewService(repo, &storefrontStub{}, balances, nil, nil, Options{})

	req := validConsumptionRequest()
	resp, err := svc.RecordConsumption(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(balances.grants) != 1 {
		t.Fatalf("expected one grant, got %d", len(balances.grants))
	}
	if grant := balances.grants[0]; grant.userID != req.UserID || grant.quantity != 5 {
		t.Fatalf("unexpected grant call: %+v", grant)
	}
	if resp.NewBalance != 100 {
		t.Fatalf("expected new balance from the balance store, got %d", resp.NewBalance)
	}

	if repo.createdTx == nil {
		t.Fatal("expected a ledger entry")
	}
	if repo.createdTx.State != domain.TransactionGranted {
		t.Fatalf("ledger entry must start granted, got %s", repo.createdTx.State)
	}
	if repo.createdTx.TrackingID == uuid.Nil {
		t.Fatal("expected a generated tracking id")
	}
	if resp.TransactionID != repo.createdTx.ID {
		t.Fatalf("response transaction id mismatch: %s vs %s", resp.TransactionID, repo.createdTx.ID)
	}

	if repo.queueItem == nil {
		t.Fatal("expected a clawback queue entry")
	}
	if repo.queueItem.TrackingID != repo.createdTx.TrackingID {
		t.Fatal("queue entry and ledger entry must share the tracking id")
	}
	if repo.queueItem.PurchaseIdentityID != repo.identity.ID {
		t.Fatal("queue entry must point at the cached identity")
	}
}

func TestRecordConsumptionFailsWhenLedgerAppendFails(t *testing.T) {
	repo := &consumptionRepoStub{createTxErr: errors.New("insert failed")}
	svc := NewService(repo, &storefrontStub{}, &balanceStub{}, nil, nil, Options{})

	if _, err := svc.RecordConsumption(context.Background(), validConsumptionRequest()); err == nil {
		t.Fatal("expected an error when the ledger append fails")
	}
}

func TestRecordConsumptionToleratesIdentityCacheFailure(t *testing.T) {
	// A failed identity upsert degrades reconciliation but must not lose the
	// grant the caller already relies on.
	repo := &consumptionRepoStub{upsertErr: errors.New("cache down")}
	svc := NewService(repo, &storefrontStub{}, &balanceStub{}, nil, nil, Options{})

	resp, err := svc.RecordConsumption(context.Background(), validConsumptionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.NewBalance != 100 {
		t.Fatalf("expected successful grant, got balance %d", resp.NewBalance)
	}
	if repo.queueItem != nil {
		t.Fatal("queue entry must not be created without a cached identity")
	}
}

func TestRecordConsumptionValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.RecordConsumptionRequest)
	}{
		{"missing user id", func(r *domain.RecordConsumptionRequest) { r.UserID = uuid.Nil }},
		{"missing product id", func(r *domain.RecordConsumptionRequest) { r.ProductID = " " }},
		{"zero quantity", func(r *domain.RecordConsumptionRequest) { r.Quantity = 0 }},
		{"negative quantity", func(r *domain.RecordConsumptionRequest) { r.Quantity = -1 }},
		{"missing order id", func(r *domain.RecordConsumptionRequest) { r.OrderID = "" }},
		{"missing line item id", func(r *domain.RecordConsumptionRequest) { r.LineItemID = "" }},
		{"missing identity token", func(r *domain.RecordConsumptionRequest) { r.IdentityToken = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&consumptionRepoStub{}, &storefrontStub{}, &balanceStub{}, nil, nil, Options{})
			req := validConsumptionRequest()
			tt.mutate(&req)

			_, err := svc.RecordConsumption(context.Background(), req)
			if !errors.Is(err, ErrInvalidConsumption) {
				t.Fatalf("expected ErrInvalidConsumption, got %v", err)
			}
		})
	}
}
