/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the clawback-service. By defining an interface,
 * we decouple the reconciliation engine from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/playverse/clawback-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// State-transition methods return (bool, error): false means the conditional
// update matched no row, i.e. another sweep already claimed the transition.
type Repository interface {
	// Purchase-identity cache methods
	FindPurchaseIdentityByUserID(ctx context.Context, userID uuid.UUID) (*domain.PurchaseIdentity, error)
	ListPurchaseIdentities(ctx context.Context) ([]domain.PurchaseIdentity, error)
	UpsertPurchaseIdentity(ctx context.Context, userID uuid.UUID, token string, refreshAfter, consumedAt time.Time) (*domain.PurchaseIdentity, error)
	UpdatePurchaseIdentityToken(ctx context.Context, identityID uuid.UUID, token string, refreshAfter time.Time) error
	DeletePurchaseIdentity(ctx context.Context, identityID uuid.UUID) error

	// Clawback queue methods
	CreateClawbackQueueItem(ctx context.Context, item *domain.ClawbackQueueItem) error
	ListClawbackQueueItems(ctx context.Context) ([]domain.ClawbackQueueItem, error)
	DeleteClawbackQueueItem(ctx context.Context, itemID uuid.UUID) error
	DeleteClawbackQueueItemsByTrackingID(ctx context.Context, trackingID uuid.UUID) (int64, error)

	// Completed-transaction ledger methods
	CreateCompletedTransaction(ctx context.Context, tx *domain.CompletedTransaction) error
	FindCompletedTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.CompletedTransaction, error)
	FindUnreconciledTransactions(ctx context.Context, orderID, lineItemID string) ([]domain.CompletedTransaction, error)
	FindTransactionsByTrackingID(ctx context.Context, trackingID uuid.UUID) ([]domain.CompletedTransaction, error)
	MarkTransactionReconciled(ctx context.Context, transactionID uuid.UUID) (bool, error)
	ReopenTransaction(ctx context.Context, transactionID uuid.UUID) (bool, error)

	// Clawback action tracker methods
	FindClawbackAction(ctx context.Context, lineItemID string) (*domain.ClawbackAction, error)
	CreateClawbackAction(ctx context.Context, action *domain.ClawbackAction) error
	AppendCandidate(ctx context.Context, candidate domain.Candidate) (bool, error)
	ListCandidates(ctx context.Context, lineItemID string) ([]domain.Candidate, error)
	PromoteBuildingActions(ctx context.Context) (int64, error)
	ListClawbackActionsByState(ctx context.Context, state domain.ActionState) ([]domain.ClawbackAction, error)
	ListClawbackActions(ctx context.Context, limit, offset int) ([]domain.ClawbackAction, error)
	TransitionActionState(ctx context.Context, lineItemID string, from, to domain.ActionState) (bool, error)
	CompleteClawbackAction(ctx context.Context, lineItemID string, winner domain.Candidate, confidence string) error
}
