/**
 * @description
 * This file contains the core service wiring for the clawback-service. The
 * `Service` struct owns the reconciliation engine, coordinating between the
 * database repository, the commerce platform client, the balance-store
 * client, and the refund event queue.
 *
 * Key features:
 * - Records completed consumptions (the grant side that seeds every table
 *   the reconciliation sweeps later read).
 * - Runs the reconciliation sweep in one of two modes: single-identity
 *   (direct ledger matching) or multi-identity (candidate resolution).
 * - Drains the refund event queue as an alternative refund source.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/storefront, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/playverse/clawback-service/internal/config"
	"github.com/playverse/clawback-service/internal/domain"
	"github.com/playverse/clawback-service/internal/store"
	"github.com/playverse/clawback-service/pkg/rabbitmq"
	"github.com/playverse/clawback-service/pkg/storefront"
)

// identityTokenTTL is how long a freshly issued purchase-identity token is
// usable before the engine must refresh it against the platform.
const identityTokenTTL = 7 * 24 * time.Hour

var (
	// ErrInvalidConsumption rejects malformed consumption requests before any
	// state is mutated.
	ErrInvalidConsumption = errors.New("invalid consumption request")
)

// StorefrontAPI is the slice of the commerce platform client the engine uses.
type StorefrontAPI interface {
	RefreshIdentity(ctx context.Context, serviceToken, rawToken string) (string, time.Time, error)
	GetServiceToken(ctx context.Context) (string, error)
	QueryRefunds(ctx context.Context, identityToken string, states []domain.LineItemState, continuation string) (*storefront.RefundPage, error)
}

// BalanceStore is the external consumable-balance collaborator.
type BalanceStore interface {
	Grant(ctx context.Context, userID uuid.UUID, productID string, quantity int64) (int64, error)
	Revoke(ctx context.Context, userID uuid.UUID, productID string, quantity int64) (int64, error)
}

// RefundEventSource is the pull side of the refund event queue.
type RefundEventSource interface {
	Fetch(ctx context.Context, max int) ([]domain.RefundEvent, error)
	Delete(ctx context.Context, event domain.RefundEvent) error
	Release(ctx context.Context, event domain.RefundEvent) error
}

// Options carries the reconciliation knobs loaded from configuration.
type Options struct {
	Mode                    string
	IncludeRefunded         bool
	TargetSandboxID         string
	IdentityRetention       time.Duration
	EventDrainTimeout       time.Duration
	EventFetchBatchSize     int
	ResolveFallbackEarliest bool
}

// Service provides the core business logic for the clawback-service.
type Service struct {
	repo       store.Repository
	storefront StorefrontAPI
	balances   BalanceStore
	events     RefundEventSource
	producer   rabbitmq.Publisher
	opts       Options
}

// NewService creates a new clawback service instance. `events` and
// `producer` may be nil when the deployment runs pull-model only.
func NewService(repo store.Repository, sf StorefrontAPI, balances BalanceStore, events RefundEventSource, producer rabbitmq.Publisher, opts Options) *Service {
	if opts.Mode == "" {
		opts.Mode = config.ModeSingleIdentity
	}
	if opts.IdentityRetention <= 0 {
		opts.IdentityRetention = 90 * 24 * time.Hour
	}
	if opts.EventDrainTimeout <= 0 {
		opts.EventDrainTimeout = 270 * time.Second
	}
	if opts.EventFetchBatchSize <= 0 {
		opts.EventFetchBatchSize = 32
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Service{
		repo:       repo,
		storefront: sf,
		balances:   balances,
		events:     events,
		producer:   producer,
		opts:       opts,
	}
}

// RecordConsumption records a completed store-side consumption: it grants the
// equivalent in-game value via the balance store, appends the ledger entry
// the reconciliation engine will match refunds against, and refreshes the
// user's cached purchase identity and clawback queue entry.
func (s *Service) RecordConsumption(ctx context.Context, req domain.RecordConsumptionRequest) (*domain.RecordConsumptionResponse, error) {
	if err := validateConsumptionRequest(req); err != nil {
		return nil, err
	}
	if req.TrackingID == uuid.Nil {
		req.TrackingID = uuid.New()
	}
	now := time.Now().UTC()

	newBalance, err := s.balances.Grant(ctx, req.UserID, req.ProductID, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to grant balance: %w", err)
	}

	tx := &domain.CompletedTransaction{
		ID:         uuid.New(),
		TrackingID: req.TrackingID,
		UserID:     req.UserID,
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		OrderID:    req.OrderID,
		LineItemID: req.LineItemID,
		ConsumedAt: now,
		State:      domain.TransactionGranted,
	}
	if err := s.repo.CreateCompletedTransaction(ctx, tx); err != nil {
		// The grant already happened; without the ledger row a later refund
		// cannot be reconciled, so this is an error worth surfacing loudly.
		log.Printf("level=error component=service flow=record_consumption msg=\"granted value but ledger append failed\" tracking_id=%s user_id=%s err=%v", req.TrackingID, req.UserID, err)
		return nil, fmt.Errorf("failed to record completed transaction: %w", err)
	}

	identity, err := s.repo.UpsertPurchaseIdentity(ctx, req.UserID, req.IdentityToken, now.Add(identityTokenTTL), now)
	if err != nil {
		log.Printf("level=warn component=service flow=record_consumption msg=\"identity cache upsert failed; sweep will refresh on demand\" user_id=%s err=%v", req.UserID, err)
	} else {
		queueItem := &domain.ClawbackQueueItem{
			ID:                 uuid.New(),
			UserID:             req.UserID,
			TrackingID:         req.TrackingID,
			PurchaseIdentityID: identity.ID,
			ProductID:          req.ProductID,
			Quantity:           req.Quantity,
			ConsumedAt:         now,
		}
		if err := s.repo.CreateClawbackQueueItem(ctx, queueItem); err != nil {
			log.Printf("level=warn component=service flow=record_consumption msg=\"clawback queue append failed\" tracking_id=%s err=%v", req.TrackingID, err)
		}
	}

	log.Printf("level=info component=service flow=record_consumption msg=\"consumption recorded\" tracking_id=%s user_id=%s product_id=%s quantity=%d", req.TrackingID, req.UserID, req.ProductID, req.Quantity)
	return &domain.RecordConsumptionResponse{
		TransactionID: tx.ID,
		NewBalance:    newBalance,
	}, nil
}

func validateConsumptionRequest(req domain.RecordConsumptionRequest) error {
	if req.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", ErrInvalidConsumption)
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return fmt.Errorf("%w: product_id is required", ErrInvalidConsumption)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidConsumption)
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return fmt.Errorf("%w: order_id is required", ErrInvalidConsumption)
	}
	if strings.TrimSpace(req.LineItemID) == "" {
		return fmt.Errorf("%w: line_item_id is required", ErrInvalidConsumption)
	}
	if strings.TrimSpace(req.IdentityToken) == "" {
		return fmt.Errorf("%w: identity_token is required", ErrInvalidConsumption)
	}
	return nil
}

// ListClawbackActions exposes the action tracker for the ops surface.
func (s *Service) ListClawbackActions(ctx context.Context, limit, offset int) ([]domain.ClawbackAction, error) {
	return s.repo.ListClawbackActions(ctx, limit, offset)
}

func (s *Service) refundStateFilter() []domain.LineItemState {
	if s.opts.IncludeRefunded {
		return []domain.LineItemState{domain.LineItemRevoked, domain.LineItemRefunded}
	}
	return []domain.LineItemState{domain.LineItemRevoked}
}

func (s *Service) publishClawback(ctx context.Context, userID uuid.UUID, productID string, quantity int64, orderID, lineItemID string, newBalance int64) {
	event := rabbitmq.ClawbackEvent{
		UserID:     userID,
		ProductID:  productID,
		Quantity:   quantity,
		OrderID:    orderID,
		LineItemID: lineItemID,
		NewBalance: newBalance,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.producer.PublishClawbackEvent(ctx, event); err != nil {
		log.Printf("level=warn component=service flow=clawback_sweep msg=\"clawback event publish failed\" line_item_id=%s err=%v", lineItemID, err)
	}
}
