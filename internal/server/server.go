package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nairaflow/reconciler/internal/audit"
	auditdomain "github.com/nairaflow/reconciler/internal/audit/domain"
	"github.com/nairaflow/reconciler/internal/config"
	"github.com/nairaflow/reconciler/internal/lock"
	"github.com/nairaflow/reconciler/internal/notification"
	"github.com/nairaflow/reconciler/internal/reconcile"
	"github.com/nairaflow/reconciler/internal/retry"
	retrydomain "github.com/nairaflow/reconciler/internal/retry/domain"
	"github.com/nairaflow/reconciler/internal/transaction"
	"github.com/nairaflow/reconciler/internal/wallet"
	"github.com/nairaflow/reconciler/internal/webhook"
	webhookdomain "github.com/nairaflow/reconciler/internal/webhook/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	notification.Module,
	lock.Module,
	transaction.Module,
	wallet.Module,
	reconcile.Module,
	webhook.Module,
	retry.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	webhookSvc webhookdomain.Service
	queue      retrydomain.Queue
	auditSvc   auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	WebhookSvc webhookdomain.Service
	Queue      retrydomain.Queue
	AuditSvc   auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		webhookSvc: p.WebhookSvc,
		queue:      p.Queue,
		auditSvc:   p.AuditSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/webhooks/:provider", s.handleWebhook)

	admin := s.engine.Group("/admin", AdminAuthMiddleware(s.cfg.AdminAPIToken))
	admin.GET("/dead-letters", s.listDeadLetters)
	admin.POST("/dead-letters/:id/requeue", s.requeueDeadLetter)
	admin.GET("/audit-logs", s.listAuditLogs)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
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
