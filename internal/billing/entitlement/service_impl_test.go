package entitlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paygate/internal/billing/domain"
	"github.com/smallbiznis/paygate/internal/billing/repository"
	"github.com/smallbiznis/paygate/internal/clock"
	"github.com/smallbiznis/paygate/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE subscriptions (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		plan TEXT,
		external_customer_id TEXT,
		external_subscription_id TEXT UNIQUE,
		current_period_start DATETIME,
		current_period_end DATETIME,
		cancel_at DATETIME,
		canceled_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error)
	return db
}

func newService(t *testing.T, db *gorm.DB, fake *clock.FakeClock) domain.Entitlements {
	t.Helper()
	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		Cfg:   config.Config{RecentPaymentGraceSecs: 3600},
		Repo:  repository.Provide(),
	})
}

func seedSubscription(t *testing.T, db *gorm.DB, userID string, status domain.Status, periodEnd *time.Time, cancelAt *time.Time) {
	t.Helper()
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	now := time.Now().UTC()
	extID := "sub_" + userID
	_, err = repository.Provide().UpsertByUserID(context.Background(), db, &domain.Subscription{
		ID:                     node.Generate(),
		UserID:                 userID,
		Status:                 status,
		Plan:                   "price_pro",
		ExternalSubscriptionID: &extID,
		CurrentPeriodEnd:       periodEnd,
		CancelAt:               cancelAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	require.NoError(t, err)
}

func TestIsEntitledPeriodBoundary(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, db, "u1", domain.StatusActive, &periodEnd, nil)

	fake := clock.NewFakeClock(periodEnd.Add(-time.Second))
	svc := newService(t, db, fake)

	entitled, err := svc.IsEntitled(ctx, "u1")
	require.NoError(t, err)
	require.True(t, entitled, "one second before period end must entitle")

	fake.SetNow(periodEnd.Add(time.Second))
	entitled, err = svc.IsEntitled(ctx, "u1")
	require.NoError(t, err)
	require.False(t, entitled, "one second after period end must not entitle")
}

func TestIsEntitledStatusRules(t *testing.T) {
	ctx := context.Background()
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := periodEnd.Add(-24 * time.Hour)

	cases := []struct {
		name     string
		status   domain.Status
		entitled bool
	}{
		{"active", domain.StatusActive, true},
		{"trialing", domain.StatusTrialing, true},
		{"past_due", domain.StatusPastDue, false},
		{"canceled", domain.StatusCanceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := setupTestDB(t)
			seedSubscription(t, db, "u1", tc.status, &periodEnd, nil)
			svc := newService(t, db, clock.NewFakeClock(now))

			entitled, err := svc.IsEntitled(ctx, "u1")
			require.NoError(t, err)
			require.Equal(t, tc.entitled, entitled)
		})
	}
}

func TestIsEntitledScheduledCancellation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cancelAt := periodEnd.Add(-10 * 24 * time.Hour)
	seedSubscription(t, db, "u1", domain.StatusActive, &periodEnd, &cancelAt)

	fake := clock.NewFakeClock(cancelAt.Add(-time.Hour))
	svc := newService(t, db, fake)

	entitled, err := svc.IsEntitled(ctx, "u1")
	require.NoError(t, err)
	require.True(t, entitled)

	fake.SetNow(cancelAt.Add(time.Hour))
	entitled, err = svc.IsEntitled(ctx, "u1")
	require.NoError(t, err)
	require.False(t, entitled, "elapsed cancel_at must revoke access")
}

func TestGraceFlagBridgesWebhookLatency(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	svc := newService(t, db, fake)

	entitled, err := svc.IsEntitled(ctx, "u1")
	require.NoError(t, err)
	require.False(t, entitled)

	require.NoError(t, svc.MarkRecentPayment(ctx, "u1"))

	entitled, err = svc.IsEntitled(ctx, "u1")
	require.NoError(t, err)
	require.True(t, entitled, "live grace flag must entitle before the row lands")
}

func TestGraceFlagDoesNotOverrideCanceledRow(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, db, "u1", domain.StatusCanceled, &periodEnd, nil)

	fake := clock.NewFakeClock(periodEnd.Add(-24 * time.Hour))
	svc := newService(t, db, fake)

	require.NoError(t, svc.MarkRecentPayment(ctx, "u1"))

	entitled, err := svc.IsEntitled(ctx, "u1")
	require.NoError(t, err)
	require.False(t, entitled, "canceled row must contradict the grace flag")
}

func TestMarkRecentPaymentInvalidatesReadCache(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	svc := newService(t, db, fake)

	// Prime the negative cache entry.
	entitled, err := svc.IsEntitled(ctx, "u1")
	require.NoError(t, err)
	require.False(t, entitled)

	require.NoError(t, svc.MarkRecentPayment(ctx, "u1"))
	periodEnd := fake.Now().Add(30 * 24 * time.Hour)
	seedSubscription(t, db, "u1", domain.StatusActive, &periodEnd, nil)

	sub, err := svc.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, sub.Status)
}

func TestGetSubscriptionDerivesExpired(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	periodEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, db, "u1", domain.StatusActive, &periodEnd, nil)

	svc := newService(t, db, clock.NewFakeClock(periodEnd.Add(time.Hour)))

	sub, err := svc.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, sub.Status)

	// Stored status must be untouched by reads.
	stored, err := repository.Provide().FindByUserID(ctx, db, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, stored.Status)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newService(t, db, clock.NewFakeClock(time.Now()))

	_, err := svc.GetSubscription(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
