package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/playverse/clawback-service/internal/domain"
)

// DrainRefundEvents consumes the refund event queue for at most the
// configured drain window. Messages are only deleted after their line item
// has been fully processed, so a crash mid-batch just redelivers; the direct
// clawback path is idempotent, so redelivery is harmless.
func (s *Service) DrainRefundEvents(ctx context.Context) (*domain.DrainReport, error) {
	if s.events == nil {
		return nil, errors.New("refund event source is not configured")
	}

	report := &domain.DrainReport{StartedAt: time.Now().UTC()}
	deadline := report.StartedAt.Add(s.opts.EventDrainTimeout)

	for time.Now().UTC().Before(deadline) {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, err
		}

		events, err := s.events.Fetch(ctx, s.opts.EventFetchBatchSize)
		if err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, err
		}
		if len(events) == 0 {
			break
		}
		report.Fetched += len(events)

		for _, event := range events {
			s.processRefundEvent(ctx, event, report)
		}
	}

	report.FinishedAt = time.Now().UTC()
	log.Printf("level=info component=engine flow=event_drain msg=\"drain finished\" fetched=%d processed=%d deleted=%d skipped_wrong_sandbox=%d failed=%d",
		report.Fetched, report.Processed, report.Deleted, report.SkippedWrongSandbox, report.Failed)
	return report, nil
}

func (s *Service) processRefundEvent(ctx context.Context, event domain.RefundEvent, report *domain.DrainReport) {
	if event.SandboxID != s.opts.TargetSandboxID {
		// Events from other sandboxes belong to a different deployment
		// of this service; release them untouched for that deployment's
		// consumer.
		report.SkippedWrongSandbox++
		if err := s.events.Release(ctx, event); err != nil {
			log.Printf("level=warn component=engine flow=event_drain msg=\"failed to release foreign-sandbox event\" message_id=%s sandbox_id=%s err=%v", event.MessageID, event.SandboxID, err)
		}
		return
	}

	item := domain.RefundLineItem{
		LineItemID: event.LineItemID,
		ProductID:  event.ProductID,
		State:      event.EventState,
	}
	outcome := s.applyDirectClawback(ctx, event.OrderID, item)
	if len(outcome.warnings) > 0 {
		// Partial or failed processing: keep the message so the next drain
		// retries whatever the claim CAS left open.
		report.Failed++
		log.Printf("level=warn component=engine flow=event_drain msg=\"event processing incomplete; message released\" message_id=%s order_id=%s line_item_id=%s warnings=%d",
			event.MessageID, event.OrderID, event.LineItemID, len(outcome.warnings))
		if err := s.events.Release(ctx, event); err != nil {
			log.Printf("level=warn component=engine flow=event_drain msg=\"failed to release event\" message_id=%s err=%v", event.MessageID, err)
		}
		return
	}

	report.Processed++
	if err := s.events.Delete(ctx, event); err != nil {
		// Not deleted means redelivered; the idempotent claim makes the
		// retry a no-op.
		log.Printf("level=warn component=engine flow=event_drain msg=\"failed to delete processed event\" message_id=%s err=%v", event.MessageID, err)
		return
	}
	report.Deleted++
}
