/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * backing the purchase-identity cache, the clawback queue, the completed-transaction
 * ledger, and the clawback action tracker.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/playverse/clawback-service/internal/domain"
)

var (
	ErrIdentityNotFound    = errors.New("purchase identity not found")
	ErrQueueItemNotFound   = errors.New("clawback queue item not found")
	ErrLedgerEntryNotFound = errors.New("completed transaction not found")
	ErrActionNotFound      = errors.New("clawback action not found")
	ErrActionAlreadyExists = errors.New("clawback action already exists for line item")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindPurchaseIdentityByUserID retrieves the cached purchase identity for a user.
func (r *PostgresRepository) FindPurchaseIdentityByUserID(ctx context.Context, userID uuid.UUID) (*domain.PurchaseIdentity, error) {
	var identity domain.PurchaseIdentity
	query := `
		SELECT id, user_id, identity_token, refresh_after, last_consumed_at, created_at, updated_at
		FROM purchase_identities
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&identity.ID,
		&identity.UserID,
		&identity.IdentityToken,
		&identity.RefreshAfter,
		&identity.LastConsumedAt,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	return &identity, nil
}

// ListPurchaseIdentities returns every cached purchase identity, oldest activity first.
func (r *PostgresRepository) ListPurchaseIdentities(ctx context.Context) ([]domain.PurchaseIdentity, error) {
	query := `
		SELECT id, user_id, identity_token, refresh_after, last_consumed_at, created_at, updated_at
		FROM purchase_identities
		ORDER BY last_consumed_at ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []domain.PurchaseIdentity
	for rows.Next() {
		var identity domain.PurchaseIdentity
		if err := rows.Scan(
			&identity.ID,
			&identity.UserID,
			&identity.IdentityToken,
			&identity.RefreshAfter,
			&identity.LastConsumedAt,
			&identity.CreatedAt,
			&identity.UpdatedAt,
		); err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

// UpsertPurchaseIdentity creates or refreshes the cached identity for a user.
// Every successful consumption lands here, so the row always reflects the most
// recent token and activity timestamp.
func (r *PostgresRepository) UpsertPurchaseIdentity(ctx context.Context, userID uuid.UUID, token string, refreshAfter, consumedAt time.Time) (*domain.PurchaseIdentity, error) {
	var identity domain.PurchaseIdentity
	query := `
		INSERT INTO purchase_identities (id, user_id, identity_token, refresh_after, last_consumed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET identity_token = EXCLUDED.identity_token,
		    refresh_after = EXCLUDED.refresh_after,
		    last_consumed_at = GREATEST(purchase_identities.last_consumed_at, EXCLUDED.last_consumed_at),
		    updated_at = now()
		RETURNING id, user_id, identity_token, refresh_after, last_consumed_at, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, uuid.New(), userID, token, refreshAfter, consumedAt).Scan(
		&identity.ID,
		&identity.UserID,
		&identity.IdentityToken,
		&identity.RefreshAfter,
		&identity.LastConsumedAt,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// UpdatePurchaseIdentityToken persists a freshly refreshed identity token.
func (r *PostgresRepository) UpdatePurchaseIdentityToken(ctx context.Context, identityID uuid.UUID, token string, refreshAfter time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE purchase_identities SET identity_token = $2, refresh_after = $3, updated_at = now() WHERE id = $1`,
		identityID, token, refreshAfter,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// DeletePurchaseIdentity removes an identity (and its queue rows via FK cascade)
// once its refund-liability window has lapsed.
func (r *PostgresRepository) DeletePurchaseIdentity(ctx context.Context, identityID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM purchase_identities WHERE id = $1`, identityID)
	return err
}

// CreateClawbackQueueItem records one consumption as a pending refund liability.
func (r *PostgresRepository) CreateClawbackQueueItem(ctx context.Context, item *domain.ClawbackQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	query := `
		INSERT INTO clawback_queue (id, user_id, tracking_id, purchase_identity_id, product_id, quantity, consumed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		item.ID, item.UserID, item.TrackingID, item.PurchaseIdentityID, item.ProductID, item.Quantity, item.ConsumedAt,
	)
	return err
}

// ListClawbackQueueItems returns the whole queue, oldest consumption first.
func (r *PostgresRepository) ListClawbackQueueItems(ctx context.Context) ([]domain.ClawbackQueueItem, error) {
	query := `
		SELECT id, user_id, tracking_id, purchase_identity_id, product_id, quantity, consumed_at
		FROM clawback_queue
		ORDER BY consumed_at ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ClawbackQueueItem
	for rows.Next() {
		var item domain.ClawbackQueueItem
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.TrackingID, &item.PurchaseIdentityID,
			&item.ProductID, &item.Quantity, &item.ConsumedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteClawbackQueueItem removes a single queue entry.
func (r *PostgresRepository) DeleteClawbackQueueItem(ctx context.Context, itemID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM clawback_queue WHERE id = $1`, itemID)
	return err
}

// DeleteClawbackQueueItemsByTrackingID removes the winning candidate's queue rows
// so a resolved consumption is never matched again.
func (r *PostgresRepository) DeleteClawbackQueueItemsByTrackingID(ctx context.Context, trackingID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM clawback_queue WHERE tracking_id = $1`, trackingID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateCompletedTransaction appends one grant record to the ledger.
func (r *PostgresRepository) CreateCompletedTransaction(ctx context.Context, tx *domain.CompletedTransaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.State == "" {
		tx.State = domain.TransactionGranted
	}
	query := `
		INSERT INTO completed_transactions
			(id, tracking_id, user_id, product_id, quantity, order_id, line_item_id, consumed_at, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID, tx.TrackingID, tx.UserID, tx.ProductID, tx.Quantity,
		tx.OrderID, tx.LineItemID, tx.ConsumedAt, tx.State,
	)
	return err
}

// FindCompletedTransactionByID fetches one ledger entry.
func (r *PostgresRepository) FindCompletedTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.CompletedTransaction, error) {
	var tx domain.CompletedTransaction
	query := `
		SELECT id, tracking_id, user_id, product_id, quantity, order_id, line_item_id, consumed_at, state, created_at, updated_at
		FROM completed_transactions
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, transactionID).Scan(
		&tx.ID, &tx.TrackingID, &tx.UserID, &tx.ProductID, &tx.Quantity,
		&tx.OrderID, &tx.LineItemID, &tx.ConsumedAt, &tx.State, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// FindUnreconciledTransactions returns every granted (not yet reconciled)
// ledger entry matching an external (order id, line item id) pair. More than
// one row is legal when the store reported distinct grant events.
func (r *PostgresRepository) FindUnreconciledTransactions(ctx context.Context, orderID, lineItemID string) ([]domain.CompletedTransaction, error) {
	query := `
		SELECT id, tracking_id, user_id, product_id, quantity, order_id, line_item_id, consumed_at, state, created_at, updated_at
		FROM completed_transactions
		WHERE order_id = $1 AND line_item_id = $2 AND state <> $3
		ORDER BY consumed_at ASC
	`
	rows, err := r.db.Query(ctx, query, orderID, lineItemID, domain.TransactionReconciled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.CompletedTransaction
	for rows.Next() {
		var tx domain.CompletedTransaction
		if err := rows.Scan(
			&tx.ID, &tx.TrackingID, &tx.UserID, &tx.ProductID, &tx.Quantity,
			&tx.OrderID, &tx.LineItemID, &tx.ConsumedAt, &tx.State, &tx.CreatedAt, &tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// FindTransactionsByTrackingID returns ledger entries for one consumption tracking id.
func (r *PostgresRepository) FindTransactionsByTrackingID(ctx context.Context, trackingID uuid.UUID) ([]domain.CompletedTransaction, error) {
	query := `
		SELECT id, tracking_id, user_id, product_id, quantity, order_id, line_item_id, consumed_at, state, created_at, updated_at
		FROM completed_transactions
		WHERE tracking_id = $1
		ORDER BY consumed_at ASC
	`
	rows, err := r.db.Query(ctx, query, trackingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.CompletedTransaction
	for rows.Next() {
		var tx domain.CompletedTransaction
		if err := rows.Scan(
			&tx.ID, &tx.TrackingID, &tx.UserID, &tx.ProductID, &tx.Quantity,
			&tx.OrderID, &tx.LineItemID, &tx.ConsumedAt, &tx.State, &tx.CreatedAt, &tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// MarkTransactionReconciled flips a ledger entry granted -> reconciled. The
// WHERE clause on the current state is the guard that makes replayed refunds
// a no-op: only the first sweep to get here sees rows_affected = 1.
func (r *PostgresRepository) MarkTransactionReconciled(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE completed_transactions SET state = $2, updated_at = now() WHERE id = $1 AND state = $3`,
		transactionID, domain.TransactionReconciled, domain.TransactionGranted,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReopenTransaction reverts a claimed ledger entry reconciled -> granted. It
// is the compensation path for a sweep that claimed a transaction but failed
// to revoke the balance; the next sweep then retries from durable state.
func (r *PostgresRepository) ReopenTransaction(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE completed_transactions SET state = $2, updated_at = now() WHERE id = $1 AND state = $3`,
		transactionID, domain.TransactionGranted, domain.TransactionReconciled,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindClawbackAction fetches an action item and its candidates by external line item id.
func (r *PostgresRepository) FindClawbackAction(ctx context.Context, lineItemID string) (*domain.ClawbackAction, error) {
	var action domain.ClawbackAction
	query := `
		SELECT line_item_id, order_id, product_id, purchase_date, refund_date, line_item_state, state, confidence, created_at, updated_at
		FROM clawback_actions
		WHERE line_item_id = $1
	`
	err := r.db.QueryRow(ctx, query, lineItemID).Scan(
		&action.LineItemID, &action.OrderID, &action.ProductID,
		&action.PurchaseDate, &action.RefundDate, &action.LineItemState,
		&action.State, &action.Confidence, &action.CreatedAt, &action.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrActionNotFound
		}
		return nil, err
	}

	candidates, err := r.ListCandidates(ctx, lineItemID)
	if err != nil {
		return nil, err
	}
	action.Candidates = candidates
	return &action, nil
}

// CreateClawbackAction inserts an action item together with its seed
// candidates in one transaction. The primary key on line_item_id enforces the
// one-action-per-line-item invariant; a conflicting insert surfaces as
// ErrActionAlreadyExists so the caller can fall back to the append path.
func (r *PostgresRepository) CreateClawbackAction(ctx context.Context, action *domain.ClawbackAction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if action.Confidence == "" {
		action.Confidence = domain.ConfidenceNormal
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO clawback_actions
			(line_item_id, order_id, product_id, purchase_date, refund_date, line_item_state, state, confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`,
		action.LineItemID, action.OrderID, action.ProductID,
		action.PurchaseDate, action.RefundDate, action.LineItemState,
		action.State, action.Confidence,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActionAlreadyExists
		}
		return err
	}

	for i := range action.Candidates {
		candidate := &action.Candidates[i]
		if candidate.ID == uuid.Nil {
			candidate.ID = uuid.New()
		}
		candidate.LineItemID = action.LineItemID
		_, err = tx.Exec(ctx, `
			INSERT INTO clawback_candidates (id, line_item_id, user_id, tracking_id, consumed_at, quantity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`,
			candidate.ID, candidate.LineItemID, candidate.UserID,
			candidate.TrackingID, candidate.ConsumedAt, candidate.Quantity,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// AppendCandidate adds a candidate to a Building action item. The unique
// index on (line_item_id, tracking_id) de-duplicates re-sighted queue
// entries; returns false when the tracking id was already recorded or the
// action is no longer Building.
func (r *PostgresRepository) AppendCandidate(ctx context.Context, candidate domain.Candidate) (bool, error) {
	if candidate.ID == uuid.Nil {
		candidate.ID = uuid.New()
	}
	query := `
		INSERT INTO clawback_candidates (id, line_item_id, user_id, tracking_id, consumed_at, quantity, created_at)
		SELECT $1, $2, $3, $4, $5, $6, now()
		WHERE EXISTS (
			SELECT 1 FROM clawback_actions WHERE line_item_id = $2 AND state = $7
		)
		ON CONFLICT (line_item_id, tracking_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		candidate.ID, candidate.LineItemID, candidate.UserID,
		candidate.TrackingID, candidate.ConsumedAt, candidate.Quantity,
		domain.ActionBuilding,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListCandidates returns the candidates for one action item, oldest consumption first.
func (r *PostgresRepository) ListCandidates(ctx context.Context, lineItemID string) ([]domain.Candidate, error) {
	query := `
		SELECT id, line_item_id, user_id, tracking_id, consumed_at, quantity, created_at
		FROM clawback_candidates
		WHERE line_item_id = $1
		ORDER BY consumed_at ASC
	`
	rows, err := r.db.Query(ctx, query, lineItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.Candidate
	for rows.Next() {
		var c domain.Candidate
		if err := rows.Scan(&c.ID, &c.LineItemID, &c.UserID, &c.TrackingID, &c.ConsumedAt, &c.Quantity, &c.CreatedAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// PromoteBuildingActions is the sweep barrier: every action item still
// Building moves to Pending in one statement.
func (r *PostgresRepository) PromoteBuildingActions(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE clawback_actions SET state = $1, updated_at = now() WHERE state = $2`,
		domain.ActionPending, domain.ActionBuilding,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListClawbackActionsByState returns action items (with candidates) in one state.
func (r *PostgresRepository) ListClawbackActionsByState(ctx context.Context, state domain.ActionState) ([]domain.ClawbackAction, error) {
	query := `
		SELECT line_item_id, order_id, product_id, purchase_date, refund_date, line_item_state, state, confidence, created_at, updated_at
		FROM clawback_actions
		WHERE state = $1
		ORDER BY created_at ASC
	`
	return r.listActions(ctx, query, state)
}

// ListClawbackActions returns a page of action items with candidates, newest first.
func (r *PostgresRepository) ListClawbackActions(ctx context.Context, limit, offset int) ([]domain.ClawbackAction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT line_item_id, order_id, product_id, purchase_date, refund_date, line_item_state, state, confidence, created_at, updated_at
		FROM clawback_actions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.listActions(ctx, query, limit, offset)
}

func (r *PostgresRepository) listActions(ctx context.Context, query string, args ...interface{}) ([]domain.ClawbackAction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.ClawbackAction
	for rows.Next() {
		var action domain.ClawbackAction
		if err := rows.Scan(
			&action.LineItemID, &action.OrderID, &action.ProductID,
			&action.PurchaseDate, &action.RefundDate, &action.LineItemState,
			&action.State, &action.Confidence, &action.CreatedAt, &action.UpdatedAt,
		); err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range actions {
		candidates, err := r.ListCandidates(ctx, actions[i].LineItemID)
		if err != nil {
			return nil, err
		}
		actions[i].Candidates = candidates
	}
	return actions, nil
}

// TransitionActionState performs the conditional state transition that keeps
// racing sweeps from both resolving the same action item. Returns false when
// the item was not in the expected `from` state.
func (r *PostgresRepository) TransitionActionState(ctx context.Context, lineItemID string, from, to domain.ActionState) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE clawback_actions SET state = $3, updated_at = now() WHERE line_item_id = $1 AND state = $2`,
		lineItemID, from, to,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteClawbackAction collapses the candidate list to the winner and marks
// the action Completed. Runs in one transaction so an interrupted resolution
// never leaves a Completed action with stale candidates.
func (r *PostgresRepository) CompleteClawbackAction(ctx context.Context, lineItemID string, winner domain.Candidate, confidence string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM clawback_candidates WHERE line_item_id = $1 AND tracking_id <> $2`,
		lineItemID, winner.TrackingID,
	); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE clawback_actions SET state = $2, confidence = $3, updated_at = now() WHERE line_item_id = $1 AND state = $4`,
		lineItemID, domain.ActionCompleted, confidence, domain.ActionRunning,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete clawback action %s: %w", lineItemID, ErrActionNotFound)
	}

	return tx.Commit(ctx)
}
