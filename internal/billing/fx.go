package billing

import (
	"time"

	"github.com/smallbiznis/paygate/internal/billing/domain"
	"github.com/smallbiznis/paygate/internal/billing/entitlement"
	"github.com/smallbiznis/paygate/internal/billing/reconcile"
	"github.com/smallbiznis/paygate/internal/billing/repository"
	"github.com/smallbiznis/paygate/internal/billing/stripe"
	"github.com/smallbiznis/paygate/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) *stripe.Verifier {
		return stripe.NewVerifier(cfg.StripeWebhookSecret, time.Duration(cfg.WebhookToleranceSecs)*time.Second)
	}),
	fx.Provide(func(cfg config.Config) *stripe.Client {
		return stripe.NewClient(cfg.StripeAPIKey, cfg.StripeAPIBaseURL)
	}),
	fx.Provide(reconcile.NewService),
	fx.Provide(func(s *reconcile.Service) domain.Reconciler { return s }),
	fx.Provide(func(s *reconcile.Service) domain.Checkout { return s }),
	fx.Provide(entitlement.NewService),
)
