package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paygate/internal/billing/domain"
	dbpkg "github.com/smallbiznis/paygate/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, status, plan, external_customer_id, external_subscription_id,
			current_period_start, current_period_end, cancel_at, canceled_at,
			created_at, updated_at
		 FROM subscriptions
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByExternalSubscriptionID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, status, plan, external_customer_id, external_subscription_id,
			current_period_start, current_period_end, cancel_at, canceled_at,
			created_at, updated_at
		 FROM subscriptions
		 WHERE external_subscription_id = ?
		 LIMIT 1`,
		externalSubscriptionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpsertByUserID(ctx context.Context, db *gorm.DB, incoming *domain.Subscription) (*domain.Subscription, error) {
	existing, err := r.FindByUserID(ctx, db, incoming.UserID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		insertErr := r.insert(ctx, db, incoming)
		if insertErr == nil {
			return incoming, nil
		}
		if !dbpkg.IsDuplicateKeyErr(insertErr) {
			return nil, insertErr
		}
		// Lost an insert race against a concurrent delivery for the same
		// user; fall through and merge into the winner's row.
		if existing, err = r.FindByUserID(ctx, db, incoming.UserID); err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, insertErr
		}
	}

	merged, replaced := mergeSubscription(existing, incoming)
	if err := r.update(ctx, db, merged, replaced); err != nil {
		return nil, err
	}
	return merged, nil
}

func (r *repo) UpsertByExternalSubscriptionID(ctx context.Context, db *gorm.DB, incoming *domain.Subscription) (*domain.Subscription, error) {
	if incoming.ExternalSubscriptionID == nil || *incoming.ExternalSubscriptionID == "" {
		return nil, domain.ErrMissingCorrelation
	}

	existing, err := r.FindByExternalSubscriptionID(ctx, db, *incoming.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// First sighting of this billing object. A row for the same user may
		// already exist from the checkout path; merge into it instead of
		// violating the user_id uniqueness constraint.
		if incoming.UserID != "" {
			return r.UpsertByUserID(ctx, db, incoming)
		}
		return nil, domain.ErrOrphanEvent
	}

	merged, replaced := mergeSubscription(existing, incoming)
	if err := r.update(ctx, db, merged, replaced); err != nil {
		return nil, err
	}
	return merged, nil
}

// MarkCanceled is a single conditional statement: cancellation must win over
// any concurrently processed status update, so it never goes through a
// read-merge-write cycle.
func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, externalSubscriptionID string, canceledAt time.Time) (*domain.Subscription, error) {
	err := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?,
		     canceled_at = COALESCE(canceled_at, ?),
		     updated_at = ?
		 WHERE external_subscription_id = ?`,
		domain.StatusCanceled,
		canceledAt,
		canceledAt,
		externalSubscriptionID,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternalSubscriptionID(ctx, db, externalSubscriptionID)
}

// UpdateStatusByExternalSubscriptionID applies an invoice-driven transition.
// Both guards are evaluated inside the statement against the committed row,
// not a previously read snapshot: canceled stays terminal and
// current_period_end never moves backwards, whatever order concurrent
// deliveries for the same billing object commit in.
func (r *repo) UpdateStatusByExternalSubscriptionID(ctx context.Context, db *gorm.DB, externalSubscriptionID string, status domain.Status, periodStart, periodEnd *time.Time, updatedAt time.Time) (*domain.Subscription, error) {
	err := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET current_period_start = CASE
		         WHEN ? IS NOT NULL AND (current_period_end IS NULL OR current_period_end <= ?)
		         THEN ? ELSE current_period_start END,
		     current_period_end = CASE
		         WHEN ? IS NOT NULL AND (current_period_end IS NULL OR current_period_end <= ?)
		         THEN ? ELSE current_period_end END,
		     status = CASE WHEN status = ? THEN status ELSE ? END,
		     updated_at = ?
		 WHERE external_subscription_id = ?`,
		periodEnd, periodEnd, periodStart,
		periodEnd, periodEnd, periodEnd,
		domain.StatusCanceled, status,
		updatedAt,
		externalSubscriptionID,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternalSubscriptionID(ctx, db, externalSubscriptionID)
}

func (r *repo) insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, status, plan, external_customer_id, external_subscription_id,
			current_period_start, current_period_end, cancel_at, canceled_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.Status,
		sub.Plan,
		sub.ExternalCustomerID,
		sub.ExternalSubscriptionID,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAt,
		sub.CanceledAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

// update writes a merged row back. The replace form overwrites wholesale (a
// new billing object for the user supersedes the old one, cancel fields
// included). The merge form re-evaluates the terminal-cancellation and
// period-monotonicity guards inside the statement, so a cancellation or a
// newer period committed between our read and this write survives.
func (r *repo) update(ctx context.Context, db *gorm.DB, sub *domain.Subscription, replace bool) error {
	if replace {
		return db.WithContext(ctx).Exec(
			`UPDATE subscriptions SET
				user_id = ?, status = ?, plan = ?, external_customer_id = ?,
				external_subscription_id = ?, current_period_start = ?, current_period_end = ?,
				cancel_at = ?, canceled_at = ?, updated_at = ?
			 WHERE id = ?`,
			sub.UserID,
			sub.Status,
			sub.Plan,
			sub.ExternalCustomerID,
			sub.ExternalSubscriptionID,
			sub.CurrentPeriodStart,
			sub.CurrentPeriodEnd,
			sub.CancelAt,
			sub.CanceledAt,
			sub.UpdatedAt,
			sub.ID,
		).Error
	}

	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			user_id = ?,
			plan = ?,
			external_customer_id = ?,
			external_subscription_id = ?,
			current_period_start = CASE
				WHEN ? IS NOT NULL AND (? = ? OR current_period_end IS NULL OR current_period_end <= ?)
				THEN ? ELSE current_period_start END,
			current_period_end = CASE
				WHEN ? IS NOT NULL AND (? = ? OR current_period_end IS NULL OR current_period_end <= ?)
				THEN ? ELSE current_period_end END,
			status = CASE WHEN status = ? AND ? <> ? THEN status ELSE ? END,
			cancel_at = COALESCE(?, cancel_at),
			canceled_at = COALESCE(?, canceled_at),
			updated_at = ?
		 WHERE id = ?`,
		sub.UserID,
		sub.Plan,
		sub.ExternalCustomerID,
		sub.ExternalSubscriptionID,
		sub.CurrentPeriodEnd, sub.Status, domain.StatusCanceled, sub.CurrentPeriodEnd, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.Status, domain.StatusCanceled, sub.CurrentPeriodEnd, sub.CurrentPeriodEnd,
		domain.StatusCanceled, sub.Status, domain.StatusCanceled, sub.Status,
		sub.CancelAt,
		sub.CanceledAt,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

// mergeSubscription folds incoming fields into the stored row and reports
// whether the incoming event introduces a new billing object (replaced). Last
// write wins on updated_at, with two guards: canceled never reverts to an
// earlier status, and the stored current_period_end never regresses when an
// out-of-order event carries an older period. The same guards are re-applied
// in SQL by update; this copy shapes the returned struct.
func mergeSubscription(existing, incoming *domain.Subscription) (*domain.Subscription, bool) {
	merged := *existing

	replaced := incoming.ExternalSubscriptionID != nil &&
		*incoming.ExternalSubscriptionID != "" &&
		(existing.ExternalSubscriptionID == nil || *existing.ExternalSubscriptionID != *incoming.ExternalSubscriptionID)

	if replaced {
		// A new billing object for the same user (re-subscription after
		// cancellation). State carries over from the incoming event wholesale.
		merged.Status = incoming.Status
		merged.CurrentPeriodStart = incoming.CurrentPeriodStart
		merged.CurrentPeriodEnd = incoming.CurrentPeriodEnd
		merged.CancelAt = incoming.CancelAt
		merged.CanceledAt = incoming.CanceledAt
	} else {
		if incoming.Status != "" && (existing.Status != domain.StatusCanceled || incoming.Status == domain.StatusCanceled) {
			merged.Status = incoming.Status
		}
		if allowsPeriodOverwrite(existing.CurrentPeriodEnd, incoming.CurrentPeriodEnd, incoming.Status) {
			merged.CurrentPeriodStart = incoming.CurrentPeriodStart
			merged.CurrentPeriodEnd = incoming.CurrentPeriodEnd
		}
		if incoming.CancelAt != nil {
			merged.CancelAt = incoming.CancelAt
		}
		if incoming.CanceledAt != nil {
			merged.CanceledAt = incoming.CanceledAt
		}
	}

	if incoming.Plan != "" {
		merged.Plan = incoming.Plan
	}
	if incoming.ExternalCustomerID != nil && *incoming.ExternalCustomerID != "" {
		merged.ExternalCustomerID = incoming.ExternalCustomerID
	}
	if incoming.ExternalSubscriptionID != nil && *incoming.ExternalSubscriptionID != "" {
		merged.ExternalSubscriptionID = incoming.ExternalSubscriptionID
	}
	if !incoming.UpdatedAt.IsZero() {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return &merged, replaced
}

// allowsPeriodOverwrite applies the monotonicity guard: period fields are
// only overwritten when the incoming period_end is not older than the stored
// one, or when the incoming status is authoritative (canceled).
func allowsPeriodOverwrite(stored, incoming *time.Time, status domain.Status) bool {
	if incoming == nil {
		return false
	}
	if status == domain.StatusCanceled {
		return true
	}
	if stored == nil {
		return true
	}
	return !incoming.Before(*stored)
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (
			id, provider, provider_event_id, event_type, user_id,
			payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.UserID,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, user_id,
			payload, received_at, processed_at
		 FROM billing_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}
