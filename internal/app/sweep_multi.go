package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/playverse/clawback-service/internal/domain"
	"github.com/playverse/clawback-service/internal/store"
)

// runMultiIdentitySweep is the pull-model pass for deployments where a
// purchase identity may serve several internal users (shared store
// accounts). The revocation decision is deferred: each queue entry sighting
// only contributes a candidate, and resolution happens after the barrier,
// once every entry has had its say.
func (s *Service) runMultiIdentitySweep(ctx context.Context, report *domain.SweepReport) error {
	identities, err := s.repo.ListPurchaseIdentities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list purchase identities: %w", err)
	}

	now := time.Now().UTC()
	identityByID := make(map[uuid.UUID]*domain.PurchaseIdentity, len(identities))
	for i := range identities {
		identity := &identities[i]
		if now.After(identity.LastConsumedAt.Add(s.opts.IdentityRetention)) {
			if err := s.repo.DeletePurchaseIdentity(ctx, identity.ID); err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("failed to expire identity %s: %v", identity.ID, err))
				continue
			}
			report.EntriesExpired++
			continue
		}
		identityByID[identity.ID] = identity
	}

	items, err := s.repo.ListClawbackQueueItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to list clawback queue: %w", err)
	}

	session := &sweepSession{}
	refundsByIdentity := make(map[uuid.UUID][]domain.RefundOrder)
	queried := make(map[uuid.UUID]bool)

	for _, item := range items {
		report.EntriesExamined++

		if now.After(item.ConsumedAt.Add(s.opts.IdentityRetention)) {
			if err := s.repo.DeleteClawbackQueueItem(ctx, item.ID); err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("failed to expire queue item %s: %v", item.ID, err))
				continue
			}
			report.EntriesExpired++
			continue
		}

		identity, ok := identityByID[item.PurchaseIdentityID]
		if !ok {
			// Queue rows cascade-delete with their identity, so an orphan here
			// means the identity expired mid-sweep. Nothing to query with.
			continue
		}

		if !queried[identity.ID] {
			queried[identity.ID] = true
			token, err := s.ensureFreshIdentity(ctx, session, identity, report)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("identity %s skipped: %v", identity.ID, err))
				log.Printf("level=warn component=engine flow=clawback_sweep msg=\"identity refresh failed; skipping entries for identity\" identity_id=%s err=%v", identity.ID, err)
				continue
			}
			orders, err := s.queryAllRefunds(ctx, token)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("refund query failed for identity %s: %v", identity.ID, err))
				log.Printf("level=warn component=engine flow=clawback_sweep msg=\"refund query failed; skipping entries for identity\" identity_id=%s err=%v", identity.ID, err)
				continue
			}
			refundsByIdentity[identity.ID] = orders
			for _, order := range orders {
				report.LineItemsSeen += len(order.LineItems)
			}
		}

		for _, order := range refundsByIdentity[identity.ID] {
			for _, lineItem := range order.LineItems {
				s.registerCandidate(ctx, order, lineItem, item, report)
			}
		}
	}

	// Barrier: the true owner of an action item cannot be picked until every
	// queue entry has contributed its candidates, so only now do Building
	// items become eligible for resolution.
	promoted, err := s.repo.PromoteBuildingActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to promote building actions: %w", err)
	}
	if promoted > 0 {
		log.Printf("level=info component=engine flow=clawback_sweep msg=\"building actions promoted to pending\" count=%d", promoted)
	}

	return s.resolvePendingActions(ctx, report)
}

// registerCandidate folds one (refunded line item, queue entry) sighting into
// the action tracker.
func (s *Service) registerCandidate(ctx context.Context, order domain.RefundOrder, lineItem domain.RefundLineItem, entry domain.ClawbackQueueItem, report *domain.SweepReport) {
	// A queue entry only vouches for refunds of the product it consumed.
	if lineItem.ProductID != entry.ProductID {
		return
	}

	candidate := domain.Candidate{
		LineItemID: lineItem.LineItemID,
		UserID:     entry.UserID,
		TrackingID: entry.TrackingID,
		ConsumedAt: entry.ConsumedAt,
		Quantity:   entry.Quantity,
	}

	action, err := s.repo.FindClawbackAction(ctx, lineItem.LineItemID)
	if err != nil {
		if !errors.Is(err, store.ErrActionNotFound) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("action lookup failed for line_item %s: %v", lineItem.LineItemID, err))
			return
		}

		newAction := &domain.ClawbackAction{
			LineItemID:    lineItem.LineItemID,
			OrderID:       order.OrderID,
			ProductID:     lineItem.ProductID,
			PurchaseDate:  order.PurchaseDate,
			RefundDate:    order.RefundDate,
			LineItemState: lineItem.State,
			Candidates:    []domain.Candidate{candidate},
		}
		if lineItem.State == domain.LineItemRefunded {
			// Store already reversed the balance; nothing to revoke here.
			// Completing immediately blocks reprocessing of duplicate reports.
			newAction.State = domain.ActionCompleted
			newAction.Confidence = domain.ConfidenceNoActionOwed
		} else {
			newAction.State = domain.ActionBuilding
			newAction.Confidence = domain.ConfidenceNormal
		}

		if err := s.repo.CreateClawbackAction(ctx, newAction); err != nil {
			if errors.Is(err, store.ErrActionAlreadyExists) {
				// A racing sweep created it between lookup and insert; fall
				// through to the append path.
				if added, appendErr := s.repo.AppendCandidate(ctx, candidate); appendErr != nil {
					report.Warnings = append(report.Warnings, fmt.Sprintf("candidate append failed for line_item %s: %v", lineItem.LineItemID, appendErr))
				} else if added {
					report.CandidatesAppended++
				}
				return
			}
			report.Warnings = append(report.Warnings, fmt.Sprintf("action create failed for line_item %s: %v", lineItem.LineItemID, err))
			return
		}
		report.ActionsCreated++
		log.Printf("level=info component=engine flow=clawback_sweep msg=\"clawback action created\" line_item_id=%s order_id=%s state=%s", lineItem.LineItemID, order.OrderID, newAction.State)
		return
	}

	if action.State != domain.ActionBuilding {
		// Pending, Running or Completed: the item is already being (or has
		// been) resolved; later sightings are ignored.
		return
	}

	added, err := s.repo.AppendCandidate(ctx, candidate)
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("candidate append failed for line_item %s: %v", lineItem.LineItemID, err))
		return
	}
	if added {
		report.CandidatesAppended++
	}
}

// resolvePendingActions is the post-barrier pass: claim each Pending action,
// pick the best candidate, revoke once, collapse the candidate list.
func (s *Service) resolvePendingActions(ctx context.Context, report *domain.SweepReport) error {
	actions, err := s.repo.ListClawbackActionsByState(ctx, domain.ActionPending)
	if err != nil {
		return fmt.Errorf("failed to list pending actions: %w", err)
	}

	for _, action := range actions {
		claimed, err := s.repo.TransitionActionState(ctx, action.LineItemID, domain.ActionPending, domain.ActionRunning)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("failed to claim action %s: %v", action.LineItemID, err))
			continue
		}
		if !claimed {
			// Another sweep owns it.
			continue
		}

		winner, confidence, ok := s.selectWinner(action)
		if !ok {
			s.releaseAction(ctx, action.LineItemID, report)
			report.Unresolved++
			report.Warnings = append(report.Warnings, fmt.Sprintf("no candidate satisfies purchase-date precedence for line_item %s; left pending", action.LineItemID))
			log.Printf("level=warn component=engine flow=clawback_sweep msg=\"action unresolved; no eligible candidate\" line_item_id=%s candidates=%d", action.LineItemID, len(action.Candidates))
			continue
		}

		newBalance, err := s.balances.Revoke(ctx, winner.UserID, action.ProductID, winner.Quantity)
		if err != nil {
			// Do not retry in this pass; the action returns to Pending and the
			// next scheduled sweep picks it up.
			s.releaseAction(ctx, action.LineItemID, report)
			report.Warnings = append(report.Warnings, fmt.Sprintf("revocation failed for line_item %s: %v", action.LineItemID, err))
			log.Printf("level=warn component=engine flow=clawback_sweep msg=\"revocation failed; action returned to pending\" line_item_id=%s user_id=%s err=%v", action.LineItemID, winner.UserID, err)
			continue
		}

		if err := s.repo.CompleteClawbackAction(ctx, action.LineItemID, winner, confidence); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("failed to complete action %s after revocation: %v", action.LineItemID, err))
			log.Printf("level=error component=engine flow=clawback_sweep msg=\"revoked but completion persist failed; action left running to avoid duplicate revocation\" line_item_id=%s err=%v", action.LineItemID, err)
			continue
		}

		// The winning consumption leaves the queue so it is never matched
		// against another refund, and its ledger rows close for the audit
		// trail.
		if _, err := s.repo.DeleteClawbackQueueItemsByTrackingID(ctx, winner.TrackingID); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("failed to remove queue entries for tracking %s: %v", winner.TrackingID, err))
		}
		s.reconcileLedgerForTracking(ctx, winner.TrackingID, report)

		report.Resolved++
		report.Revocations++
		log.Printf("level=info component=engine flow=clawback_sweep msg=\"action resolved\" line_item_id=%s user_id=%s quantity=%d new_balance=%d confidence=%s",
			action.LineItemID, winner.UserID, winner.Quantity, newBalance, confidence)
		s.publishClawback(ctx, winner.UserID, action.ProductID, winner.Quantity, action.OrderID, action.LineItemID, newBalance)
	}

	return nil
}

func (s *Service) releaseAction(ctx context.Context, lineItemID string, report *domain.SweepReport) {
	released, err := s.repo.TransitionActionState(ctx, lineItemID, domain.ActionRunning, domain.ActionPending)
	if err != nil || !released {
		report.Anomalies = append(report.Anomalies, fmt.Sprintf("failed to release action %s back to pending: %v", lineItemID, err))
	}
}

func (s *Service) reconcileLedgerForTracking(ctx context.Context, trackingID uuid.UUID, report *domain.SweepReport) {
	txs, err := s.repo.FindTransactionsByTrackingID(ctx, trackingID)
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("ledger lookup by tracking %s failed: %v", trackingID, err))
		return
	}
	for _, tx := range txs {
		closed, err := s.repo.MarkTransactionReconciled(ctx, tx.ID)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("failed to reconcile ledger entry %s: %v", tx.ID, err))
			continue
		}
		if closed {
			report.Reconciled++
		}
	}
}

// selectWinner applies the candidate tie-break: candidates who consumed
// before the order's purchase date are out (cannot have consumed something
// not yet purchased); among the rest, the smallest positive gap between
// purchase and consumption wins. When nobody passes the precedence filter
// and the fallback is enabled, the earliest consumer is taken with a
// low-confidence marker.
func (s *Service) selectWinner(action domain.ClawbackAction) (domain.Candidate, string, bool) {
	var best domain.Candidate
	found := false
	for _, candidate := range action.Candidates {
		if candidate.ConsumedAt.Before(action.PurchaseDate) {
			continue
		}
		if !found || candidate.ConsumedAt.Sub(action.PurchaseDate) < best.ConsumedAt.Sub(action.PurchaseDate) {
			best = candidate
			found = true
		}
	}
	if found {
		return best, domain.ConfidenceNormal, true
	}

	if s.opts.ResolveFallbackEarliest && len(action.Candidates) > 0 {
		best = action.Candidates[0]
		for _, candidate := range action.Candidates[1:] {
			if candidate.ConsumedAt.Before(best.ConsumedAt) {
				best = candidate
			}
		}
		return best, domain.ConfidenceLowFallback, true
	}

	return domain.Candidate{}, "", false
}
