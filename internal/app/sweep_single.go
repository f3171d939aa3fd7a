package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/playverse/clawback-service/internal/domain"
)

// runSingleIdentitySweep is the pull-model pass for deployments where one
// purchase identity maps to exactly one internal user. Each cached identity
// is one queue entry: expire it, refresh it, query its refunds, and claw
// back every matching unreconciled grant directly.
func (s *Service) runSingleIdentitySweep(ctx context.Context, report *domain.SweepReport) error {
	identities, err := s.repo.ListPurchaseIdentities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list purchase identities: %w", err)
	}

	session := &sweepSession{}
	now := time.Now().UTC()

	for i := range identities {
		identity := &identities[i]
		report.EntriesExamined++

		// Identities idle past the retention window carry no further refund
		// liability; dropping them bounds the sweep backlog.
		if now.After(identity.LastConsumedAt.Add(s.opts.IdentityRetention)) {
			if err := s.repo.DeletePurchaseIdentity(ctx, identity.ID); err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("failed to expire identity %s: %v", identity.ID, err))
				continue
			}
			report.EntriesExpired++
			log.Printf("level=info component=engine flow=clawback_sweep msg=\"expired idle purchase identity\" identity_id=%s user_id=%s last_consumed_at=%s", identity.ID, identity.UserID, identity.LastConsumedAt.Format(time.RFC3339))
			continue
		}

		token, err := s.ensureFreshIdentity(ctx, session, identity, report)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("identity %s skipped: %v", identity.ID, err))
			log.Printf("level=warn component=engine flow=clawback_sweep msg=\"identity refresh failed; skipping entry\" identity_id=%s err=%v", identity.ID, err)
			continue
		}

		orders, err := s.queryAllRefunds(ctx, token)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("refund query failed for identity %s: %v", identity.ID, err))
			log.Printf("level=warn component=engine flow=clawback_sweep msg=\"refund query failed; skipping entry\" identity_id=%s err=%v", identity.ID, err)
			continue
		}

		for _, order := range orders {
			for _, item := range order.LineItems {
				report.LineItemsSeen++
				s.applyDirectClawback(ctx, order.OrderID, item).mergeInto(report)
			}
		}
	}

	return nil
}
