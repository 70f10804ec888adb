// Package entitlement answers "does this user currently have access" from
// reconciled subscription state.
package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/paygate/internal/billing/domain"
	"github.com/smallbiznis/paygate/internal/cache"
	"github.com/smallbiznis/paygate/internal/clock"
	"github.com/smallbiznis/paygate/internal/config"
	obsmetrics "github.com/smallbiznis/paygate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// subscriptionCacheTTL bounds staleness on the hot read path.
const subscriptionCacheTTL = 45 * time.Second

const graceKeyPrefix = "paygate:grace:"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	Repo       domain.Repository
	Redis      *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       domain.Repository
	redis      *redis.Client
	obsMetrics *obsmetrics.Metrics

	graceTTL   time.Duration
	localGrace cache.Cache[string, bool]
	subCache   cache.Cache[string, *domain.Subscription]
}

func NewService(p Params) domain.Entitlements {
	graceTTL := time.Duration(p.Cfg.RecentPaymentGraceSecs) * time.Second
	if graceTTL <= 0 {
		graceTTL = time.Hour
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.entitlement"),
		clock:      p.Clock,
		repo:       p.Repo,
		redis:      p.Redis,
		obsMetrics: p.ObsMetrics,
		graceTTL:   graceTTL,
		localGrace: cache.NewTTLCache[string, bool](),
		subCache:   cache.NewTTLCache[string, *domain.Subscription](),
	}
}

// IsEntitled reports whether the user has access right now. A live recent
// payment grace flag grants access while the webhook-driven row is still in
// flight, unless a contradicting canceled row exists.
func (s *Service) IsEntitled(ctx context.Context, userID string) (bool, error) {
	now := s.clock.Now()

	sub, err := s.lookup(ctx, userID)
	if err != nil {
		return false, err
	}

	if sub.Entitling(now) {
		s.record(ctx, true, "subscription")
		return true, nil
	}

	if sub != nil && sub.Status == domain.StatusCanceled {
		s.record(ctx, false, "canceled")
		return false, nil
	}

	if s.graceActive(ctx, userID) {
		s.record(ctx, true, "grace")
		return true, nil
	}

	reason := "no_subscription"
	if sub != nil {
		reason = string(sub.EffectiveStatus(now))
	}
	s.record(ctx, false, reason)
	return false, nil
}

// GetSubscription returns the user's subscription with the read-time derived
// status, or ErrNotFound.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := s.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNotFound
	}

	reported := *sub
	reported.Status = sub.EffectiveStatus(s.clock.Now())
	return &reported, nil
}

// MarkRecentPayment sets the bounded grace flag for the user, bridging the
// window between checkout redirect and the webhook-driven row creation.
func (s *Service) MarkRecentPayment(ctx context.Context, userID string) error {
	s.subCache.Delete(userID)

	if s.redis != nil {
		err := s.redis.Set(ctx, graceKeyPrefix+userID, "1", s.graceTTL).Err()
		if err == nil {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordGraceFlag(ctx, "redis")
			}
			return nil
		}
		s.log.Warn("grace flag redis write failed, using local fallback", zap.Error(err))
	}

	s.localGrace.Set(userID, true, s.graceTTL)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordGraceFlag(ctx, "local")
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, userID string) (*domain.Subscription, error) {
	if cached, ok := s.subCache.Get(userID); ok {
		return cached, nil
	}

	sub, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	s.subCache.Set(userID, sub, subscriptionCacheTTL)
	return sub, nil
}

func (s *Service) graceActive(ctx context.Context, userID string) bool {
	if s.redis != nil {
		exists, err := s.redis.Exists(ctx, graceKeyPrefix+userID).Result()
		if err == nil {
			return exists > 0
		}
		s.log.Warn("grace flag redis read failed, using local fallback", zap.Error(err))
	}
	_, ok := s.localGrace.Get(userID)
	return ok
}

func (s *Service) record(ctx context.Context, entitled bool, reason string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordEntitlementCheck(ctx, entitled, reason)
}
