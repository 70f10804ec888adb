// Package reconcile keeps local subscription state consistent with the
// payment processor's at-least-once, unordered webhook event stream.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paygate/internal/billing/domain"
	"github.com/smallbiznis/paygate/internal/billing/stripe"
	"github.com/smallbiznis/paygate/internal/clock"
	obsmetrics "github.com/smallbiznis/paygate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Verifier   *stripe.Verifier
	Client     *stripe.Client
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	verifier   *stripe.Verifier
	client     *stripe.Client
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.reconcile"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		verifier:   p.Verifier,
		client:     p.Client,
		obsMetrics: p.ObsMetrics,
	}
}

// ProcessWebhook verifies, normalizes, dedupes and dispatches one webhook
// delivery. Handlers are idempotent: redelivery of any event, in any order,
// must converge on the same stored state.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (domain.Outcome, error) {
	now := s.clock.Now()

	if err := s.verifier.Verify(payload, signatureHeader, now); err != nil {
		return "", err
	}

	event, err := stripe.Normalize(payload)
	if err != nil {
		return "", err
	}

	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.ProviderType,
		UserID:          event.UserID,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return "", err
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return "", err
		}
		if stored != nil && stored.ProcessedAt != nil {
			s.log.Debug("duplicate webhook delivery acknowledged",
				zap.String("provider_event_id", event.ProviderEventID),
				zap.String("event_type", event.ProviderType),
			)
			s.recordMetric(ctx, event, domain.OutcomeDuplicate)
			return domain.OutcomeDuplicate, nil
		}
		if stored != nil {
			record = stored
		}
	}

	outcome, err := s.dispatch(ctx, event, now)
	if err != nil {
		return "", err
	}

	if err := s.repo.MarkEventProcessed(ctx, s.db, record.ID, now); err != nil {
		return "", err
	}

	s.recordMetric(ctx, event, outcome)
	s.log.Info("webhook event reconciled",
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.ProviderType),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

func (s *Service) dispatch(ctx context.Context, event *domain.Event, now time.Time) (domain.Outcome, error) {
	switch event.Kind {
	case domain.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event, now)
	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated:
		return s.handleSubscriptionUpserted(ctx, event, now)
	case domain.EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event, now)
	case domain.EventInvoicePaid:
		return s.handleInvoice(ctx, event, domain.StatusActive, now)
	case domain.EventInvoicePaymentFailed:
		return s.handleInvoice(ctx, event, domain.StatusPastDue, now)
	default:
		return domain.OutcomeIgnored, nil
	}
}

// handleCheckoutCompleted attaches the new billing object to a user. Missing
// correlation here is fatal: without a user there is nothing to attach to,
// and no redelivery will ever supply one.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *domain.Event, now time.Time) (domain.Outcome, error) {
	if event.UserID == "" || event.ExternalSubscriptionID == "" {
		s.log.Error("checkout event missing correlation",
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return "", domain.ErrMissingCorrelation
	}

	incoming := s.subscriptionFromEvent(event, now)
	incoming.Status = domain.StatusActive

	// Checkout payloads are thin; fetch the subscription object when the
	// period bounds are absent.
	if incoming.CurrentPeriodEnd == nil {
		resource, err := s.client.GetSubscription(ctx, event.ExternalSubscriptionID)
		if err != nil {
			return "", err
		}
		incoming.Status = resource.Status
		incoming.CurrentPeriodStart = resource.CurrentPeriodStart
		incoming.CurrentPeriodEnd = resource.CurrentPeriodEnd
		incoming.CancelAt = resource.CancelAt
		incoming.CanceledAt = resource.CanceledAt
		if incoming.Plan == "" {
			incoming.Plan = resource.PriceID
		}
		if resource.CustomerID != "" {
			incoming.ExternalCustomerID = &resource.CustomerID
		}
	}

	// Prefer the row already keyed by this external id to avoid a duplicate
	// row for the same user.
	existing, err := s.repo.FindByExternalSubscriptionID(ctx, s.db, event.ExternalSubscriptionID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if _, err := s.repo.UpsertByExternalSubscriptionID(ctx, s.db, incoming); err != nil {
			return "", err
		}
		return domain.OutcomeApplied, nil
	}

	if _, err := s.repo.UpsertByUserID(ctx, s.db, incoming); err != nil {
		return "", err
	}
	return domain.OutcomeApplied, nil
}

func (s *Service) handleSubscriptionUpserted(ctx context.Context, event *domain.Event, now time.Time) (domain.Outcome, error) {
	if event.ExternalSubscriptionID == "" {
		return "", domain.ErrInvalidPayload
	}

	existing, err := s.repo.FindByExternalSubscriptionID(ctx, s.db, event.ExternalSubscriptionID)
	if err != nil {
		return "", err
	}
	if existing == nil && event.UserID == "" {
		// No local row and no way to attach one. Acknowledged, not retried:
		// redelivery can never produce the missing user mapping.
		s.log.Warn("orphan subscription event acknowledged",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("external_subscription_id", event.ExternalSubscriptionID),
		)
		return domain.OutcomeIgnored, nil
	}

	incoming := s.subscriptionFromEvent(event, now)
	if _, err := s.repo.UpsertByExternalSubscriptionID(ctx, s.db, incoming); err != nil {
		return "", err
	}
	return domain.OutcomeApplied, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *domain.Event, now time.Time) (domain.Outcome, error) {
	if event.ExternalSubscriptionID == "" {
		return "", domain.ErrInvalidPayload
	}

	canceledAt := now
	if event.CanceledAt != nil {
		canceledAt = *event.CanceledAt
	}
	row, err := s.repo.MarkCanceled(ctx, s.db, event.ExternalSubscriptionID, canceledAt)
	if err != nil {
		return "", err
	}
	if row == nil {
		// Never tracked locally; nothing to cancel.
		return domain.OutcomeIgnored, nil
	}
	return domain.OutcomeApplied, nil
}

func (s *Service) handleInvoice(ctx context.Context, event *domain.Event, status domain.Status, now time.Time) (domain.Outcome, error) {
	if event.ExternalSubscriptionID == "" {
		// One-off invoice with no subscription reference.
		return domain.OutcomeIgnored, nil
	}

	row, err := s.repo.UpdateStatusByExternalSubscriptionID(ctx, s.db,
		event.ExternalSubscriptionID, status, event.CurrentPeriodStart, event.CurrentPeriodEnd, now)
	if err != nil {
		return "", err
	}
	if row == nil {
		s.log.Warn("invoice event for untracked subscription acknowledged",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("external_subscription_id", event.ExternalSubscriptionID),
		)
		return domain.OutcomeIgnored, nil
	}
	return domain.OutcomeApplied, nil
}

func (s *Service) subscriptionFromEvent(event *domain.Event, now time.Time) *domain.Subscription {
	sub := &domain.Subscription{
		ID:                 s.genID.Generate(),
		UserID:             event.UserID,
		Status:             event.Status,
		Plan:               event.Plan,
		CurrentPeriodStart: event.CurrentPeriodStart,
		CurrentPeriodEnd:   event.CurrentPeriodEnd,
		CancelAt:           event.CancelAt,
		CanceledAt:         event.CanceledAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if event.ExternalCustomerID != "" {
		id := event.ExternalCustomerID
		sub.ExternalCustomerID = &id
	}
	if event.ExternalSubscriptionID != "" {
		id := event.ExternalSubscriptionID
		sub.ExternalSubscriptionID = &id
	}
	return sub
}

// CreateCheckoutSession creates a provider checkout session carrying the
// correlation contract the webhook path depends on.
func (s *Service) CreateCheckoutSession(ctx context.Context, params domain.CheckoutParams) (*domain.CheckoutSession, error) {
	session, err := s.client.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordCheckoutSession(ctx, stripe.Provider, params.Plan)
	}
	return session, nil
}

func (s *Service) recordMetric(ctx context.Context, event *domain.Event, outcome domain.Outcome) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordWebhookEvent(ctx, event.Provider, event.ProviderType, string(outcome))
}

// IsRetryable reports whether a processing error should surface as a 5xx so
// the upstream redelivers, as opposed to a rejection the upstream must not
// retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrSignatureMismatch),
		errors.Is(err, domain.ErrStaleTimestamp),
		errors.Is(err, domain.ErrInvalidPayload):
		return false
	default:
		return true
	}
}

var _ domain.Reconciler = (*Service)(nil)
var _ domain.Checkout = (*Service)(nil)
