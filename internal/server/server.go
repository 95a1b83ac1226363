// Package server exposes the thin ingest surface over HTTP. Ingestion is
// accept-first: handlers validate shape, store the raw event and return;
// tag resolution and rating happen later in the reconcile sweep.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/config"
	"github.com/smallbiznis/jupiter/internal/discount"
	"github.com/smallbiznis/jupiter/internal/invoice"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
	"github.com/smallbiznis/jupiter/internal/lock"
	"github.com/smallbiznis/jupiter/internal/model"
	"github.com/smallbiznis/jupiter/internal/reconcile"
	"github.com/smallbiznis/jupiter/internal/resolver"
	"github.com/smallbiznis/jupiter/internal/usage"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	"github.com/smallbiznis/jupiter/internal/user"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("server",
	user.Module,
	model.Module,
	discount.Module,
	resolver.Module,
	usage.Module,
	reconcile.Module,
	invoice.Module,
	lock.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
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
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	genID      *snowflake.Node
	clock      clock.Clock
	usagesvc   usagedomain.Service
	invoiceSvc invoicedomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	GenID      *snowflake.Node
	Clock      clock.Clock
	Usagesvc   usagedomain.Service
	InvoiceSvc invoicedomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		genID:      p.GenID,
		clock:      p.Clock,
		usagesvc:   p.Usagesvc,
		invoiceSvc: p.InvoiceSvc,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1")
	{
		billing := v1.Group("/billing")
		{
			billing.POST("", s.IngestUsage)
			billing.POST("/batch", s.IngestUsageBatch)
			billing.GET("/:id/status", s.GetUsageStatus)
			billing.POST("/:id/review", s.RequestUsageReview)
			billing.GET("/company/:tag/recent", s.RecentCompanyUsage)
		}

		invoices := v1.Group("/invoices")
		{
			invoices.GET("", s.ListUserInvoices)
			invoices.GET("/:id", s.GetInvoice)
			invoices.GET("/:id/pdf", s.DownloadInvoicePDF)
			invoices.POST("/:id/pay", s.MarkInvoicePaid)
		}
	}
}
