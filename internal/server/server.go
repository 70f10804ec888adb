package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/paygate/internal/billing/domain"
	"github.com/smallbiznis/paygate/internal/config"
	"github.com/smallbiznis/paygate/internal/observability"
	obsmiddleware "github.com/smallbiznis/paygate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/paygate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/paygate/internal/observability/tracing"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	reconciler   domain.Reconciler
	entitlements domain.Entitlements
	checkout     domain.Checkout
}

type ServerParams struct {
	fx.In

	Engine       *gin.Engine
	Cfg          config.Config
	Reconciler   domain.Reconciler
	Entitlements domain.Entitlements
	Checkout     domain.Checkout
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:       p.Engine,
		cfg:          p.Cfg,
		reconciler:   p.Reconciler,
		entitlements: p.Entitlements,
		checkout:     p.Checkout,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	billing := s.engine.Group("/api/billing")
	{
		billing.POST("/webhooks/stripe", s.handleStripeWebhook)
		billing.GET("/entitlement/:user_id", s.handleGetEntitlement)
		billing.GET("/subscriptions/:user_id", s.handleGetSubscription)
		billing.POST("/checkout", s.handleCreateCheckout)
		billing.POST("/checkout/confirmed", s.handleCheckoutConfirmed)
	}
}
