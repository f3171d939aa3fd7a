package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/playverse/clawback-service/internal/config"
	"github.com/playverse/clawback-service/internal/domain"
	"github.com/playverse/clawback-service/internal/store"
	"github.com/playverse/clawback-service/pkg/storefront"
)

type storefrontStub struct {
	orders     []domain.RefundOrder
	refreshErr error
	queryErr   error

	refreshCalls int
	tokenCalls   int
	queryCalls   int
	lastStates   []domain.LineItemState
}

func (s *storefrontStub) RefreshIdentity(ctx context.Context, serviceToken, rawToken string) (string, time.Time, error) {
	s.refreshCalls++
	if s.refreshErr != nil {
		return "", time.Time{}, s.refreshErr
	}
	return "refreshed-" + rawToken, time.Now().UTC().Add(time.Hour), nil
}

func (s *storefrontStub) GetServiceToken(ctx context.Context) (string, error) {
	s.tokenCalls++
	return "service-token", nil
}

func (s *storefrontStub) QueryRefunds(ctx context.Context, identityToken string, states []domain.LineItemState, continuation string) (*storefront.RefundPage, error) {
	s.queryCalls++
	s.lastStates = states
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return &storefront.RefundPage{Orders: s.orders}, nil
}

type balanceCall struct {
	userID    uuid.UUID
	productID string
	quantity  int64
}

type balanceStub struct {
	grantErr  error
	revokeErr error

	grants  []balanceCall
	revokes []balanceCall
}

func (b *balanceStub) Grant(ctx context.Context, userID uuid.UUID, productID string, quantity int64) (int64, error) {
	if b.grantErr != nil {
		return 0, b.grantErr
	}
	b.grants = append(b.grants, balanceCall{userID, productID, quantity})
	return 100, nil
}

func (b *balanceStub) Revoke(ctx context.Context, userID uuid.UUID, productID string, quantity int64) (int64, error) {
	if b.revokeErr != nil {
		return 0, b.revokeErr
	}
	b.revokes = append(b.revokes, balanceCall{userID, productID, quantity})
	return 0, nil
}

type singleSweepRepoStub struct {
	store.Repository

	identities   []domain.PurchaseIdentity
	unreconciled map[string][]domain.CompletedTransaction
	claimDenied  bool

	deletedIdentities []uuid.UUID
	persistedTokens   map[uuid.UUID]string
	reconciledIDs     []uuid.UUID
	reopenedIDs       []uuid.UUID
}

func ledgerKey(orderID, lineItemID string) string {
	return orderID + "|" + lineItemID
}

func (r *singleSweepRepoStub) ListPurchaseIdentities(ctx context.Context) ([]domain.PurchaseIdentity, error) {
	return r.identities, nil
}

func (r *singleSweepRepoStub) DeletePurchaseIdentity(ctx context.Context, identityID uuid.UUID) error {
	r.deletedIdentities = append(r.deletedIdentities, identityID)
	return nil
}

func (r *singleSweepRepoStub) UpdatePurchaseIdentityToken(ctx context.Context, identityID uuid.UUID, token string, refreshAfter time.Time) error {
	if r.persistedTokens == nil {
		r.persistedTokens = map[uuid.UUID]string{}
	}
	r.persistedTokens[identityID] = token
	return nil
}

func (r *singleSweepRepoStub) FindUnreconciledTransactions(ctx context.Context, orderID, lineItemID string) ([]domain.CompletedTransaction, error) {
	return r.unreconciled[ledgerKey(orderID, lineItemID)], nil
}

func (r *singleSweepRepoStub) MarkTransactionReconciled(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	if r.claimDenied {
		return false, nil
	}
	r.reconciledIDs = append(r.reconciledIDs, transactionID)
	return true, nil
}

func (r *singleSweepRepoStub) ReopenTransaction(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	r.reopenedIDs = append(r.reopenedIDs, transactionID)
	return true, nil
}

func freshIdentity(userID uuid.UUID) domain.PurchaseIdentity {
	now := time.Now().UTC()
	return domain.PurchaseIdentity{
		ID:             uuid.New(),
		UserID:         userID,
		IdentityToken:  "token",
		RefreshAfter:   now.Add(time.Hour),
		LastConsumedAt: now.Add(-time.Hour),
	}
}

func singleModeService(repo store.Repository, sf StorefrontAPI, balances BalanceStore) *Service {
	return NewService(repo, sf, balances, nil, nil, Options{Mode: config.ModeSingleIdentity})
}

func TestSingleSweepRevokesMatchedGrant(t *testing.T) {
	userID := uuid.New()
	txID := uuid.New()
	repo := &singleSweepRepoStub{
		identities: []domain.PurchaseIdentity{freshIdentity(userID)},
		unreconciled: map[string][]domain.CompletedTransaction{
			ledgerKey("O1", "L1"): {{
				ID:        txID,
				UserID:    userID,
				ProductID: "coin_pack_large",
				Quantity:  5,
				State:     domain.TransactionGranted,
			}},
		},
	}
	sf := &storefrontStub{orders: []domain.RefundOrder{{
		OrderID: "O1",
		LineItems: []domain.RefundLineItem{
			{LineItemID: "L1", ProductID: "coin_pack_large", Quantity: 5, State: domain.LineItemRevoked},
		},
	}}}
	balances := &balanceStub{}

	report, err := singleModeService(repo, sf, balances).RunReconciliationSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}

	if len(balances.revokes) != 1 {
		t.Fatalf("expected 1 revocation, got %d", len(balances.revokes))
	}
	revoke := balances.revokes[0]
	if revoke.userID != userID || revoke.productID != "coin_pack_large" || revoke.quantity != 5 {
		t.Fatalf("unexpected revocation call: %+v", revoke)
	}
	if len(repo.reconciledIDs) != 1 || repo.reconciledIDs[0] != txID {
		t.Fatalf("expected transaction %s reconciled, got %v", txID, repo.reconciledIDs)
	}
	if report.Revocations != 1 || report.Reconciled != 1 {
		t.Fatalf("unexpected report counters: revocations=%d reconciled=%d", report.Revocations, report.Reconciled)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", report.Warnings)
	}
}

func TestSingleSweepIsIdempotentAcrossRuns(t *testing.T) {
	userID := uuid.New()
	repo := &singleSweepRepoStub{
		identities:  []domain.PurchaseIdentity{freshIdentity(userID)},
		claimDenied: true,
		unreconciled: map[string][]domain.CompletedTransaction{
			ledgerKey("O1", "L1"): {{ID: uuid.New(), UserID: userID, ProductID: "gem_bundle", Quantity: 3}},
		},
	}
	sf := &storefrontStub{orders: []domain.RefundOrder{{
		OrderID: "O1",
		LineItems: []domain.RefundLineItem{
			{LineItemID: "L1", ProductID: "gem_bundle", Quantity: 3, State: domain.LineItemRevoked},
		},
	}}}
	balances := &balanceStub{}

	report, err := singleModeService(repo, sf, balances).RunReconciliationSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}

	if len(balances.revokes) != 0 {
		t.Fatalf("expected no revocations when claim is lost, got %d", len(balances.revokes))
	}
	if report.AlreadyReconciled != 1 {
		t.Fatalf("expected already_reconciled=1, got %d", report.AlreadyReconciled)
	}
}

func TestSingleSweepClosesLedgerWithoutRevokeForStoreSideRefund(t *testing.T) {
	userID := uuid.New()
	repo := &singleSweepRepoStub{
		identities: []domain.PurchaseIdentity{freshIdentity(userID)},
		unreconciled: map[string][]domain.CompletedTransaction{
			ledgerKey("O2", "L9"): {{ID: uuid.New(), UserID: userID, ProductID: "boost", Quantity: 1}},
		},
	}
	sf := &storefrontStub{orders: []domain.RefundOrder{{
		OrderID: "O2",
		LineItems: []domain.RefundLineItem{
			{LineItemID: "L9", ProductID: "boost", Quantity: 1, State: domain.LineItemRefunded},
		},
	}}}
	balances := &balanceStub{}

	svc := NewService(repo, sf, balances, nil, nil, Options{Mode: config.ModeSingleIdentity, IncludeRefunded: true})
	report, err := svc.RunReconciliationSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}

	if len(balances.revokes) != 0 {
		t.Fatalf("store-side refund must not trigger a revocation, got %d", len(balances.revokes))
	}
	if report.Reconciled != 1 || report.Revocations != 0 {
		t.Fatalf("unexpected report counters: reconciled=%d revocations=%d", report.Reconciled, report.Revocations)
	}
}

func TestSingleSweepReopensClaimWhenRevocationFails(t *testing.T) {
	userID := uuid.New()
	txID := uuid.New()
	repo := &singleSweepRepoStub{
		identities: []domain.PurchaseIdentity{freshIdentity(userID)},
		unreconciled: map[string][]domain.CompletedTransaction{
			ledgerKey("O3", "L3"): {{ID: txID, UserID: userID, ProductID: "coin_pack", Quantity: 2}},
		},
	}
	sf := &storefrontStub{orders: []domain.RefundOrder{{
		OrderID: "O3",
		LineItems: []domain.RefundLineItem{
			{LineItemID: "L3", ProductID: "coin_pack", Quantity: 2, State: domain.LineItemRevoked},
		},
	}}}
	balances := &balanceStub{revokeErr: errors.New("balance service unavailable")}

	report, err := singleModeService(repo, sf, balances).RunReconciliationSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}

	if len(repo.reopenedIDs) != 1 || repo.reopenedIDs[0] != txID {
		t.Fatalf("expected transaction %s reopened after failed revocation, got %v", txID, repo.reopenedIDs)
	}
	if report.Revocations != 0 {
		t.Fatalf("expected no successful revocations, got %d", report.Revocations)
	}
	if len(report.Warnings) == 0 {
		t.Fatal("expected a warning for the failed revocation")
	}
}

func TestSingleSweepExpiresIdleIdentities(t *testing.T) {
	stale := freshIdentity(uuid.New())
	stale.LastConsumedAt = time.Now().UTC().Add(-91 * 24 * time.Hour)
	repo := &singleSweepRepoStub{identities: []domain.PurchaseIdentity{stale}}
	sf := &storefrontStub{}

	report, err := singleModeService(repo, sf, &balanceStub{}).RunReconciliationSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}

	if len(repo.deletedIdentities) != 1 || repo.deletedIdentities[0] != stale.ID {
		t.Fatalf("expected identity %s deleted, got %v", stale.ID, repo.deletedIdentities)
	}
	if sf.queryCalls != 0 {
		t.Fatalf("expired identity must not be queried, got %d query calls", sf.queryCalls)
	}
	if report.EntriesExpired != 1 {
		t.Fatalf("expected entries_expired=1, got %d", report.EntriesExpired)
	}
}

func TestSingleSweepRefreshesStaleTokenBeforeQuerying(t *testing.T) {
	identity := freshIdentity(uuid.New())
	identity.RefreshAfter = time.Now().UTC().Add(-time.Minute)
	repo := &singleSweepRepoStub{identities: []domain.PurchaseIdentity{identity}}
	sf := &storefrontStub{}

	report, err := singleModeService(repo, sf, &balanceStub{}).RunReconciliationSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}

	if sf.tokenCalls != 1 || sf.refreshCalls != 1 {
		t.Fatalf("expected one service-token and one refresh call, got %d and %d", sf.tokenCalls, sf.refreshCalls)
	}
	if got := repo.persistedTokens[identity.ID]; got != "refreshed-token" {
		t.Fatalf("expected refreshed token persisted, got %q", got)
	}
	if report.IdentityRefreshes != 1 {
		t.Fatalf("expected identity_refreshes=1, got %d", report.IdentityRefreshes)
	}
}

func TestRefundStateFilterHonorsIncludeRefunded(t *testing.T) {
	svc := singleModeService(&singleSweepRepoStub{}, &storefrontStub{}, &balanceStub{})
	if states := svc.refundStateFilter(); len(states) != 1 || states[0] != domain.LineItemRevoked {
		t.Fatalf("expected revoked-only filter, got %v", states)
	}

	svc = NewService(&singleSweepRepoStub{}, &storefrontStub{}, &balanceStub{}, nil, nil, Options{IncludeRefunded: true})
	if states := svc.refundStateFilter(); len(states) != 2 {
		t.Fatalf("expected revoked+refunded filter, got %v", states)
	}
}
