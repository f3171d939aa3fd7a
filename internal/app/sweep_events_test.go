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
)

type eventSourceStub struct {
	batches [][]domain.RefundEvent

	deleted  []string
	released []string
}

func (s *eventSourceStub) Fetch(ctx context.Context, max int) ([]domain.RefundEvent, error) {
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *eventSourceStub) Delete(ctx context.Context, event domain.RefundEvent) error {
	s.deleted = append(s.deleted, event.MessageID)
	return nil
}

func (s *eventSourceStub) Release(ctx context.Context, event domain.RefundEvent) error {
	s.released = append(s.released, event.MessageID)
	return nil
}

type eventDrainRepoStub struct {
	store.Repository

	unreconciled map[string][]domain.CompletedTransaction
	lookupErr    error

	reconciledIDs []uuid.UUID
}

func (r *eventDrainRepoStub) FindUnreconciledTransactions(ctx context.Context, orderID, lineItemID string) ([]domain.CompletedTransaction, error) {
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	return r.unreconciled[ledgerKey(orderID, lineItemID)], nil
}

func (r *eventDrainRepoStub) MarkTransactionReconciled(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	r.reconciledIDs = append(r.reconciledIDs, transactionID)
	return true, nil
}

func drainService(repo store.Repository, events RefundEventSource) *Service {
	return NewService(repo, &storefrontStub{}, &balanceStub{}, events, nil, Options{
		Mode:            config.ModeSingleIdentity,
		TargetSandboxID: "RETAIL",
	})
}

func retailEvent(messageID, orderID, lineItemID string) domain.RefundEvent {
	return domain.RefundEvent{
		MessageID:  messageID,
		SandboxID:  "RETAIL",
		EventState: domain.LineItemRevoked,
		OrderID:    orderID,
		LineItemID: lineItemID,
		ProductID:  "coin_pack",
	}
}

func TestDrainDeletesProcessedEvents(t *testing.T) {
	userID := uuid.New()
	txID := uuid.New()
	repo := &eventDrainRepoStub{
		unreconciled: map[string][]domain.CompletedTransaction{
			ledgerKey("O1", "L1"): {{ID: txID, UserID: userID, ProductID: "coin_pack", Quantity: 2, State: domain.TransactionGranted}},
		},
	}
	events := &eventSourceStub{batches: [][]domain.RefundEvent{{retailEvent("m1", "O1", "L1")}}}

	report, err := drainService(repo, events).DrainRefundEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}

	if report.Fetched != 1 || report.Processed != 1 || report.Deleted != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(events.deleted) != 1 || events.deleted[0] != "m1" {
		t.Fatalf("expected message m1 deleted, got %v", events.deleted)
	}
	if len(repo.reconciledIDs) != 1 || repo.reconciledIDs[0] != txID {
		t.Fatalf("expected transaction %s reconciled, got %v", txID, repo.reconciledIDs)
	}
}

func TestDrainReleasesForeignSandboxEventsUntouched(t *testing.T) {
	devEvent := retailEvent("m-dev", "O1", "L1")
	devEvent.SandboxID = "DEV"
	repo := &eventDrainRepoStub{}
	events := &eventSourceStub{batches: [][]domain.RefundEvent{{devEvent}}}

	report, err := drainService(repo, events).DrainRefundEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}

	if report.SkippedWrongSandbox != 1 {
		t.Fatalf("expected skipped_wrong_sandbox=1, got %d", report.SkippedWrongSandbox)
	}
	if len(events.deleted) != 0 {
		t.Fatalf("foreign-sandbox event must never be deleted, got %v", events.deleted)
	}
	if len(events.released) != 1 || events.released[0] != "m-dev" {
		t.Fatalf("expected message m-dev released, got %v", events.released)
	}
	if len(repo.reconciledIDs) != 0 {
		t.Fatalf("foreign-sandbox event must not touch the ledger, got %v", repo.reconciledIDs)
	}
}

func TestDrainReleasesEventsOnProcessingFailure(t *testing.T) {
	repo := &eventDrainRepoStub{lookupErr: errors.New("ledger unavailable")}
	events := &eventSourceStub{batches: [][]domain.RefundEvent{{retailEvent("m1", "O1", "L1")}}}

	report, err := drainService(repo, events).DrainRefundEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}

	if report.Failed != 1 || report.Deleted != 0 {
		t.Fatalf("expected failed=1 deleted=0, got %+v", report)
	}
	if len(events.released) != 1 {
		t.Fatalf("expected failed message released, got %v", events.released)
	}
}

func TestDrainStopsAtDeadline(t *testing.T) {
	// An endless stream of foreign-sandbox events; the wall-clock bound is
	// the only thing that terminates the loop.
	devEvent := retailEvent("m-dev", "O1", "L1")
	devEvent.SandboxID = "DEV"
	events := &eventSourceStub{}
	for i := 0; i < 1000; i++ {
		events.batches = append(events.batches, []domain.RefundEvent{devEvent})
	}

	svc := NewService(&eventDrainRepoStub{}, &storefrontStub{}, &balanceStub{}, events, nil, Options{
		Mode:              config.ModeSingleIdentity,
		TargetSandboxID:   "RETAIL",
		EventDrainTimeout: time.Nanosecond,
	})

	report, err := svc.DrainRefundEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if len(events.batches) == 0 {
		t.Fatal("expected the drain to stop before exhausting the stream")
	}
	if report.FinishedAt.Before(report.StartedAt) {
		t.Fatal("report timestamps out of order")
	}
}

func TestDrainFailsWithoutEventSource(t *testing.T) {
	svc := NewService(&eventDrainRepoStub{}, &storefrontStub{}, &balanceStub{}, nil, nil, Options{})
	if _, err := svc.DrainRefundEvents(context.Background()); err == nil {
		t.Fatal("expected an error when no event source is configured")
	}
}
