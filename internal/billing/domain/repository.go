package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists subscriptions and the per-event dedupe records.
// Lookups return (nil, nil) when no row matches.
type Repository interface {
	FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	FindByExternalSubscriptionID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*Subscription, error)

	// UpsertByUserID inserts or merges a row matched by user_id. This is the
	// only insertion path for the checkout-completion flow, where no
	// external_subscription_id may yet be known.
	UpsertByUserID(ctx context.Context, db *gorm.DB, incoming *Subscription) (*Subscription, error)

	// UpsertByExternalSubscriptionID inserts or merges a row matched by
	// external_subscription_id. Used for all subscription-object events.
	UpsertByExternalSubscriptionID(ctx context.Context, db *gorm.DB, incoming *Subscription) (*Subscription, error)

	// MarkCanceled sets status=canceled and canceled_at. Returns (nil, nil)
	// when the subscription was never tracked locally.
	MarkCanceled(ctx context.Context, db *gorm.DB, externalSubscriptionID string, canceledAt time.Time) (*Subscription, error)

	// UpdateStatusByExternalSubscriptionID applies an invoice-driven status
	// transition to an existing row, honoring the period monotonicity guard.
	// Returns (nil, nil) when no row matches.
	UpdateStatusByExternalSubscriptionID(ctx context.Context, db *gorm.DB, externalSubscriptionID string, status Status, periodStart, periodEnd *time.Time, updatedAt time.Time) (*Subscription, error)

	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}
