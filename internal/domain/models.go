/**
 * @description
 * This file defines the core domain models for the clawback-service.
 * These structs represent the persistent entities swept by the reconciliation
 * engine, plus the DTOs exchanged with the API layer.
 *
 * @notes
 * - Quantities are `int64` counts of consumable units, never fractional.
 * - `CompletedTransaction` carries a synthetic UUID primary key because an
 *   (order id, line item id) pair may legitimately repeat when the store
 *   reports distinct grant events for the same external order.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LineItemState is the state the commerce platform reports for a refunded
// order line item.
type LineItemState string

const (
	// LineItemPurchased means the line item is still owned; nothing to do.
	LineItemPurchased LineItemState = "Purchased"
	// LineItemRefunded means the store already reversed the consumable
	// balance on its side; no revocation is needed from this service.
	LineItemRefunded LineItemState = "Refunded"
	// LineItemRevoked means the store could not reverse the balance, so the
	// granted in-game value must be revoked by this service.
	LineItemRevoked LineItemState = "Revoked"
)

// TransactionState tracks whether a granted consumption has been clawed back.
type TransactionState string

const (
	TransactionGranted    TransactionState = "granted"
	TransactionReconciled TransactionState = "reconciled"
)

// ActionState is the processing state of a clawback action item.
type ActionState string

const (
	ActionBuilding  ActionState = "building"
	ActionPending   ActionState = "pending"
	ActionRunning   ActionState = "running"
	ActionCompleted ActionState = "completed"
)

// Resolution confidence markers recorded on completed action items.
const (
	ConfidenceNormal       = "normal"
	ConfidenceNoActionOwed = "no_action_owed"
	ConfidenceLowFallback  = "low_confidence_fallback"
)

// PurchaseIdentity caches one opaque, refreshable purchase-identity token
// for an internal user. It maps to the `purchase_identities` table.
type PurchaseIdentity struct {
	ID             uuid.UUID `json:"id" db:"id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	IdentityToken  string    `json:"-" db:"identity_token"`
	RefreshAfter   time.Time `json:"refresh_after" db:"refresh_after"`
	LastConsumedAt time.Time `json:"last_consumed_at" db:"last_consumed_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ClawbackQueueItem is one pending refund-liability record, created per
// consumption. Each item is a potential candidate when a refund for its
// product is later observed. Maps to the `clawback_queue` table.
type ClawbackQueueItem struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	UserID             uuid.UUID `json:"user_id" db:"user_id"`
	TrackingID         uuid.UUID `json:"tracking_id" db:"tracking_id"`
	PurchaseIdentityID uuid.UUID `json:"purchase_identity_id" db:"purchase_identity_id"`
	ProductID          string    `json:"product_id" db:"product_id"`
	Quantity           int64     `json:"quantity" db:"quantity"`
	ConsumedAt         time.Time `json:"consumed_at" db:"consumed_at"`
}

// CompletedTransaction is the append-only ledger record of a consumption
// that granted value to a user. Maps to the `completed_transactions` table.
type CompletedTransaction struct {
	ID         uuid.UUID        `json:"id" db:"id"`
	TrackingID uuid.UUID        `json:"tracking_id" db:"tracking_id"`
	UserID     uuid.UUID        `json:"user_id" db:"user_id"`
	ProductID  string           `json:"product_id" db:"product_id"`
	Quantity   int64            `json:"quantity" db:"quantity"`
	OrderID    string           `json:"order_id" db:"order_id"`
	LineItemID string           `json:"line_item_id" db:"line_item_id"`
	ConsumedAt time.Time        `json:"consumed_at" db:"consumed_at"`
	State      TransactionState `json:"state" db:"state"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

// ClawbackAction is one investigation item per suspect (order, line item)
// pair, keyed by the external line item id. Maps to `clawback_actions`.
type ClawbackAction struct {
	LineItemID    string        `json:"line_item_id" db:"line_item_id"`
	OrderID       string        `json:"order_id" db:"order_id"`
	ProductID     string        `json:"product_id" db:"product_id"`
	PurchaseDate  time.Time     `json:"purchase_date" db:"purchase_date"`
	RefundDate    time.Time     `json:"refund_date" db:"refund_date"`
	LineItemState LineItemState `json:"line_item_state" db:"line_item_state"`
	State         ActionState   `json:"state" db:"state"`
	Confidence    string        `json:"confidence" db:"confidence"`
	Candidates    []Candidate   `json:"candidates"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Candidate is a provisional guess at which internal user received the
// now-refunded value. Maps to the `clawback_candidates` child table.
type Candidate struct {
	ID         uuid.UUID `json:"id" db:"id"`
	LineItemID string    `json:"line_item_id" db:"line_item_id"`
	UserID     uuid.UUID `json:"user_id" db:"user_id"`
	TrackingID uuid.UUID `json:"tracking_id" db:"tracking_id"`
	ConsumedAt time.Time `json:"consumed_at" db:"consumed_at"`
	Quantity   int64     `json:"quantity" db:"quantity"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RefundOrder is one order returned by the refund query, with its refunded
// or revoked line items.
type RefundOrder struct {
	OrderID      string           `json:"order_id"`
	PurchaseDate time.Time        `json:"purchase_date"`
	RefundDate   time.Time        `json:"refund_date"`
	LineItems    []RefundLineItem `json:"line_items"`
}

// RefundLineItem is one line item within a refunded order.
type RefundLineItem struct {
	LineItemID string        `json:"line_item_id"`
	ProductID  string        `json:"product_id"`
	Quantity   int64         `json:"quantity"`
	State      LineItemState `json:"state"`
}

// RefundEvent is one message from the refund event queue.
type RefundEvent struct {
	MessageID    string        `json:"message_id"`
	SandboxID    string        `json:"sandbox_id"`
	EventState   LineItemState `json:"event_state"`
	OrderID      string        `json:"order_id"`
	LineItemID   string        `json:"line_item_id"`
	ProductID    string        `json:"product_id"`
	PurchaseDate time.Time     `json:"purchase_date"`
	EventDate    time.Time     `json:"event_date"`

	// DeliveryTag is the broker-level handle used to delete or release the
	// message. Opaque to the engine.
	DeliveryTag uint64 `json:"-"`
}

// RecordConsumptionRequest is the DTO for recording a completed consumption.
type RecordConsumptionRequest struct {
	UserID        uuid.UUID `json:"user_id"`
	TrackingID    uuid.UUID `json:"tracking_id"`
	ProductID     string    `json:"product_id"`
	Quantity      int64     `json:"quantity"`
	OrderID       string    `json:"order_id"`
	LineItemID    string    `json:"line_item_id"`
	IdentityToken string    `json:"identity_token"`
}

// RecordConsumptionResponse reports the grant outcome.
type RecordConsumptionResponse struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	NewBalance    int64     `json:"new_balance"`
}

// SweepReport summarizes one reconciliation sweep for the caller
// (scheduler log line or admin endpoint response).
type SweepReport struct {
	Mode               string    `json:"mode"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	EntriesExamined    int       `json:"entries_examined"`
	EntriesExpired     int       `json:"entries_expired"`
	IdentityRefreshes  int       `json:"identity_refreshes"`
	LineItemsSeen      int       `json:"line_items_seen"`
	Revocations        int       `json:"revocations"`
	Reconciled         int       `json:"reconciled"`
	AlreadyReconciled  int       `json:"already_reconciled"`
	ActionsCreated     int       `json:"actions_created"`
	CandidatesAppended int       `json:"candidates_appended"`
	Resolved           int       `json:"resolved"`
	Unresolved         int       `json:"unresolved"`
	Warnings           []string  `json:"warnings,omitempty"`
	Anomalies          []string  `json:"anomalies,omitempty"`
}

// String renders the textual summary returned to schedulers and admins.
func (r *SweepReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "clawback sweep mode=%s duration=%s\n", r.Mode, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "entries: examined=%d expired=%d identity_refreshes=%d\n", r.EntriesExamined, r.EntriesExpired, r.IdentityRefreshes)
	fmt.Fprintf(&b, "line items: seen=%d revocations=%d reconciled=%d already_reconciled=%d\n", r.LineItemsSeen, r.Revocations, r.Reconciled, r.AlreadyReconciled)
	fmt.Fprintf(&b, "actions: created=%d candidates_appended=%d resolved=%d unresolved=%d\n", r.ActionsCreated, r.CandidatesAppended, r.Resolved, r.Unresolved)
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	for _, a := range r.Anomalies {
		fmt.Fprintf(&b, "anomaly: %s\n", a)
	}
	return b.String()
}

// DrainReport summarizes one pass over the refund event queue.
type DrainReport struct {
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	Fetched             int       `json:"fetched"`
	Processed           int       `json:"processed"`
	Deleted             int       `json:"deleted"`
	SkippedWrongSandbox int       `json:"skipped_wrong_sandbox"`
	Failed              int       `json:"failed"`
}

// String renders the textual drain summary.
func (r *DrainReport) String() string {
	return fmt.Sprintf(
		"refund event drain duration=%s fetched=%d processed=%d deleted=%d skipped_wrong_sandbox=%d failed=%d",
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
		r.Fetched, r.Processed, r.Deleted, r.SkippedWrongSandbox, r.Failed,
	)
}
