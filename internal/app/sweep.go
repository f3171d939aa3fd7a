package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/playverse/clawback-service/internal/config"
	"github.com/playverse/clawback-service/internal/domain"
)

// RunReconciliationSweep runs one full reconciliation pass in the configured
// mode and returns a summary report. A sweep that fails partway leaves only
// durable state behind; the next scheduled sweep resumes from it.
func (s *Service) RunReconciliationSweep(ctx context.Context) (*domain.SweepReport, error) {
	report := &domain.SweepReport{
		Mode:      s.opts.Mode,
		StartedAt: time.Now().UTC(),
	}

	var err error
	switch s.opts.Mode {
	case config.ModeMultiIdentity:
		err = s.runMultiIdentitySweep(ctx, report)
	default:
		err = s.runSingleIdentitySweep(ctx, report)
	}

	report.FinishedAt = time.Now().UTC()
	if err != nil {
		return report, err
	}

	log.Printf("level=info component=engine flow=clawback_sweep msg=\"sweep finished\" mode=%s examined=%d expired=%d revocations=%d resolved=%d unresolved=%d",
		report.Mode, report.EntriesExamined, report.EntriesExpired, report.Revocations, report.Resolved, report.Unresolved)
	return report, nil
}

// sweepSession caches the per-sweep service token so a sweep refreshing many
// identities only hits the token endpoint once.
type sweepSession struct {
	serviceToken string
}

// ensureFreshIdentity refreshes a stale purchase-identity token and persists
// it immediately, so a crash between refresh and the query does not leak a
// dangling refresh. Returns the usable token.
func (s *Service) ensureFreshIdentity(ctx context.Context, session *sweepSession, identity *domain.PurchaseIdentity, report *domain.SweepReport) (string, error) {
	if time.Now().UTC().Before(identity.RefreshAfter) {
		return identity.IdentityToken, nil
	}

	if session.serviceToken == "" {
		token, err := s.storefront.GetServiceToken(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to obtain service token: %w", err)
		}
		session.serviceToken = token
	}

	newToken, refreshAfter, err := s.storefront.RefreshIdentity(ctx, session.serviceToken, identity.IdentityToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh purchase identity: %w", err)
	}
	if refreshAfter.IsZero() {
		refreshAfter = time.Now().UTC().Add(identityTokenTTL)
	}

	if err := s.repo.UpdatePurchaseIdentityToken(ctx, identity.ID, newToken, refreshAfter); err != nil {
		return "", fmt.Errorf("failed to persist refreshed identity: %w", err)
	}
	identity.IdentityToken = newToken
	identity.RefreshAfter = refreshAfter
	report.IdentityRefreshes++
	return newToken, nil
}

// queryAllRefunds drains every page of the refund query for one identity.
// The listing is unbounded per the platform contract, so no page cap applies.
func (s *Service) queryAllRefunds(ctx context.Context, identityToken string) ([]domain.RefundOrder, error) {
	var orders []domain.RefundOrder
	continuation := ""
	for {
		page, err := s.storefront.QueryRefunds(ctx, identityToken, s.refundStateFilter(), continuation)
		if err != nil {
			return nil, err
		}
		orders = append(orders, page.Orders...)
		if page.ContinuationToken == "" {
			return orders, nil
		}
		continuation = page.ContinuationToken
	}
}

// clawbackOutcome accumulates the per-line-item results of direct matching.
type clawbackOutcome struct {
	revocations       int
	reconciled        int
	alreadyReconciled int
	warnings          []string
}

// applyDirectClawback matches one refunded line item against the ledger and
// revokes each unreconciled grant, exactly once per ledger row. Used by the
// single-identity sweep and the event-queue drain.
//
// Order of operations: the granted->reconciled transition is claimed first
// (conditional update), then the balance revocation runs. A failed revocation
// reopens the claim so the next sweep retries; a lost reopen is reported as a
// warning rather than silently retried, since retrying forever inside one
// sweep is exactly what the schedule is for.
func (s *Service) applyDirectClawback(ctx context.Context, orderID string, item domain.RefundLineItem) clawbackOutcome {
	var outcome clawbackOutcome

	matches, err := s.repo.FindUnreconciledTransactions(ctx, orderID, item.LineItemID)
	if err != nil {
		outcome.warnings = append(outcome.warnings, fmt.Sprintf("ledger lookup failed for order=%s line_item=%s: %v", orderID, item.LineItemID, err))
		return outcome
	}
	if len(matches) == 0 {
		// Nothing to claw back yet, or a previous sweep already did.
		log.Printf("level=info component=engine flow=clawback_sweep msg=\"no unreconciled grant for refunded line item\" order_id=%s line_item_id=%s", orderID, item.LineItemID)
		return outcome
	}

	for _, tx := range matches {
		claimed, err := s.repo.MarkTransactionReconciled(ctx, tx.ID)
		if err != nil {
			outcome.warnings = append(outcome.warnings, fmt.Sprintf("failed to claim transaction %s: %v", tx.ID, err))
			continue
		}
		if !claimed {
			outcome.alreadyReconciled++
			continue
		}

		if item.State == domain.LineItemRefunded {
			// The store already reversed the balance on its side; closing the
			// ledger entry is all that is owed here.
			outcome.reconciled++
			log.Printf("level=info component=engine flow=clawback_sweep msg=\"ledger entry closed for store-side refund\" transaction_id=%s order_id=%s line_item_id=%s", tx.ID, orderID, item.LineItemID)
			continue
		}

		newBalance, err := s.balances.Revoke(ctx, tx.UserID, tx.ProductID, tx.Quantity)
		if err != nil {
			outcome.warnings = append(outcome.warnings, fmt.Sprintf("revocation failed for transaction %s: %v", tx.ID, err))
			if reopened, reopenErr := s.repo.ReopenTransaction(ctx, tx.ID); reopenErr != nil || !reopened {
				outcome.warnings = append(outcome.warnings, fmt.Sprintf("failed to reopen transaction %s after revocation failure: %v", tx.ID, reopenErr))
			}
			continue
		}

		outcome.revocations++
		outcome.reconciled++
		log.Printf("level=info component=engine flow=clawback_sweep msg=\"granted value revoked\" transaction_id=%s user_id=%s product_id=%s quantity=%d new_balance=%d order_id=%s line_item_id=%s",
			tx.ID, tx.UserID, tx.ProductID, tx.Quantity, newBalance, orderID, item.LineItemID)
		s.publishClawback(ctx, tx.UserID, tx.ProductID, tx.Quantity, orderID, item.LineItemID, newBalance)
	}

	return outcome
}

func (o clawbackOutcome) mergeInto(report *domain.SweepReport) {
	report.Revocations += o.revocations
	report.Reconciled += o.reconciled
	report.AlreadyReconciled += o.alreadyReconciled
	report.Warnings = append(report.Warnings, o.warnings...)
}
