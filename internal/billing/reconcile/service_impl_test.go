package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paygate/internal/billing/domain"
	"github.com/smallbiznis/paygate/internal/billing/repository"
	"github.com/smallbiznis/paygate/internal/billing/stripe"
	"github.com/smallbiznis/paygate/internal/clock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	ddl := []string{
		`CREATE TABLE subscriptions (
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
		)`,
		`CREATE TABLE billing_events (
			id INTEGER PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			user_id TEXT,
			payload TEXT,
			received_at DATETIME NOT NULL,
			processed_at DATETIME,
			UNIQUE (provider, provider_event_id)
		)`,
	}
	for _, stmt := range ddl {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return db
}

func newService(t *testing.T, db *gorm.DB, fake *clock.FakeClock, apiURL string) *Service {
	t.Helper()

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Repo:     repository.Provide(),
		Verifier: stripe.NewVerifier(testSecret, 5*time.Minute),
		Client:   stripe.NewClient("sk_test", apiURL),
	})
}

func sign(payload []byte, now time.Time) string {
	ts := now.Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, string(payload))))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutPayload(eventID, userID, subID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"created": 1700000000,
		"data": {"object": {
			"id": "cs_1",
			"customer": "cus_1",
			"subscription": %q,
			"client_reference_id": %q,
			"metadata": {"plan": "price_pro"}
		}}
	}`, eventID, subID, userID))
}

func subscriptionPayload(eventID, eventType, subID, status string, periodEnd int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"created": 1700000000,
		"data": {"object": {
			"id": %q,
			"customer": "cus_1",
			"status": %q,
			"current_period_start": 1700000000,
			"current_period_end": %d,
			"metadata": {"user_id": "u1"}
		}}
	}`, eventID, eventType, subID, status, periodEnd))
}

func invoicePayload(eventID, eventType, subID string, periodEnd int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"created": 1700000000,
		"data": {"object": {
			"id": "in_1",
			"customer": "cus_1",
			"subscription": %q,
			"lines": {"data": [{"period": {"start": 1700000000, "end": %d}}]}
		}}
	}`, eventID, eventType, subID, periodEnd))
}

func stripeAPIStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "sub_1",
			"customer": "cus_1",
			"status": "active",
			"current_period_start": 1700000000,
			"current_period_end": 1702592000,
			"items": {"data": [{"price": {"id": "price_pro"}}]}
		}`)
	}))
}

func TestCheckoutCompletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	api := stripeAPIStub(t)
	defer api.Close()
	svc := newService(t, db, fake, api.URL)

	payload := checkoutPayload("evt_1", "u1", "sub_1")
	outcome, err := svc.ProcessWebhook(ctx, payload, sign(payload, fake.Now()))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if outcome != domain.OutcomeApplied {
		t.Fatalf("unexpected outcome %s", outcome)
	}

	outcome, err = svc.ProcessWebhook(ctx, payload, sign(payload, fake.Now()))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if outcome != domain.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, "u1").Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}

	row, err := repository.Provide().FindByUserID(ctx, db, "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != domain.StatusActive || *row.ExternalSubscriptionID != "sub_1" || *row.ExternalCustomerID != "cus_1" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.CurrentPeriodEnd == nil || row.CurrentPeriodEnd.Unix() != 1702592000 {
		t.Fatalf("expected enriched period bounds, got %v", row.CurrentPeriodEnd)
	}
}

func TestCheckoutMissingCorrelationIsFatal(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	payload := checkoutPayload("evt_1", "", "sub_1")
	_, err := svc.ProcessWebhook(ctx, payload, sign(payload, fake.Now()))
	if !errors.Is(err, domain.ErrMissingCorrelation) {
		t.Fatalf("expected missing correlation, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("missing correlation must surface as retryable (5xx)")
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	payload := checkoutPayload("evt_1", "u1", "sub_1")
	header := sign(payload, fake.Now())
	tampered := checkoutPayload("evt_1", "attacker", "sub_1")

	_, err := svc.ProcessWebhook(ctx, tampered, header)
	if !errors.Is(err, domain.ErrSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("signature errors must not be retryable")
	}
}

func TestMonotonicityOnOutOfOrderUpdates(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	later := subscriptionPayload("evt_1", "customer.subscription.updated", "sub_1", "active", 1705000000)
	if _, err := svc.ProcessWebhook(ctx, later, sign(later, fake.Now())); err != nil {
		t.Fatalf("later event: %v", err)
	}

	earlier := subscriptionPayload("evt_2", "customer.subscription.updated", "sub_1", "active", 1702000000)
	if _, err := svc.ProcessWebhook(ctx, earlier, sign(earlier, fake.Now())); err != nil {
		t.Fatalf("earlier event: %v", err)
	}

	row, err := repository.Provide().FindByExternalSubscriptionID(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.CurrentPeriodEnd.Unix() != 1705000000 {
		t.Fatalf("period end regressed to %v", row.CurrentPeriodEnd)
	}
}

func TestCancellationPrecedence(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	created := subscriptionPayload("evt_1", "customer.subscription.created", "sub_1", "active", 1705000000)
	if _, err := svc.ProcessWebhook(ctx, created, sign(created, fake.Now())); err != nil {
		t.Fatalf("created event: %v", err)
	}

	deleted := subscriptionPayload("evt_2", "customer.subscription.deleted", "sub_1", "canceled", 1705000000)
	if _, err := svc.ProcessWebhook(ctx, deleted, sign(deleted, fake.Now())); err != nil {
		t.Fatalf("deleted event: %v", err)
	}

	// An active-setting update processed after the deletion must not win.
	revive := subscriptionPayload("evt_3", "customer.subscription.updated", "sub_1", "active", 1706000000)
	if _, err := svc.ProcessWebhook(ctx, revive, sign(revive, fake.Now())); err != nil {
		t.Fatalf("revive event: %v", err)
	}

	row, err := repository.Provide().FindByExternalSubscriptionID(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != domain.StatusCanceled {
		t.Fatalf("canceled must win, got %s", row.Status)
	}
	if row.CanceledAt == nil {
		t.Fatalf("expected canceled_at to be set")
	}
}

func TestOrphanSubscriptionEventAcknowledged(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	payload := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_unknown", "status": "active"}}
	}`)
	outcome, err := svc.ProcessWebhook(ctx, payload, sign(payload, fake.Now()))
	if err != nil {
		t.Fatalf("orphan event must be acknowledged: %v", err)
	}
	if outcome != domain.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", outcome)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM subscriptions`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("orphan event must not create rows, got %d", count)
	}
}

func TestInvoiceTransitions(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	created := subscriptionPayload("evt_1", "customer.subscription.created", "sub_1", "active", 1705000000)
	if _, err := svc.ProcessWebhook(ctx, created, sign(created, fake.Now())); err != nil {
		t.Fatalf("created event: %v", err)
	}

	failed := invoicePayload("evt_2", "invoice.payment_failed", "sub_1", 1705000000)
	if _, err := svc.ProcessWebhook(ctx, failed, sign(failed, fake.Now())); err != nil {
		t.Fatalf("failed invoice: %v", err)
	}
	row, _ := repository.Provide().FindByExternalSubscriptionID(ctx, db, "sub_1")
	if row.Status != domain.StatusPastDue {
		t.Fatalf("expected past_due, got %s", row.Status)
	}

	// Renewal payment reaffirms entitlement and rolls the period forward.
	paid := invoicePayload("evt_3", "invoice.paid", "sub_1", 1707600000)
	if _, err := svc.ProcessWebhook(ctx, paid, sign(paid, fake.Now())); err != nil {
		t.Fatalf("paid invoice: %v", err)
	}
	row, _ = repository.Provide().FindByExternalSubscriptionID(ctx, db, "sub_1")
	if row.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", row.Status)
	}
	if row.CurrentPeriodEnd.Unix() != 1707600000 {
		t.Fatalf("expected rolled period end, got %v", row.CurrentPeriodEnd)
	}
}

func TestInvoiceWithoutSubscriptionIgnored(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	payload := []byte(`{
		"id": "evt_1",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_1", "customer": "cus_1"}}
	}`)
	outcome, err := svc.ProcessWebhook(ctx, payload, sign(payload, fake.Now()))
	if err != nil {
		t.Fatalf("one-off invoice: %v", err)
	}
	if outcome != domain.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", outcome)
	}
}

func TestDeletedUnknownSubscriptionIsNoOp(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	payload := subscriptionPayload("evt_1", "customer.subscription.deleted", "sub_ghost", "canceled", 1705000000)
	outcome, err := svc.ProcessWebhook(ctx, payload, sign(payload, fake.Now()))
	if err != nil {
		t.Fatalf("deleted unknown: %v", err)
	}
	if outcome != domain.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", outcome)
	}
}

func TestUnhandledEventAcknowledged(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Unix(1700000100, 0))
	svc := newService(t, db, fake, "http://127.0.0.1:0")

	payload := []byte(`{"id": "evt_1", "type": "charge.refunded", "data": {"object": {}}}`)
	outcome, err := svc.ProcessWebhook(ctx, payload, sign(payload, fake.Now()))
	if err != nil {
		t.Fatalf("unhandled event: %v", err)
	}
	if outcome != domain.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", outcome)
	}
}
