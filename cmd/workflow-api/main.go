package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/limsflow/workflow-api/api/swagger"
	"github.com/limsflow/workflow-api/internal/handler"
	"github.com/limsflow/workflow-api/internal/middleware"
	"github.com/limsflow/workflow-api/internal/models"
	"github.com/limsflow/workflow-api/internal/repository"
	"github.com/limsflow/workflow-api/internal/service"
	"github.com/limsflow/workflow-api/pkg/cache"
	"github.com/limsflow/workflow-api/pkg/config"
	"github.com/limsflow/workflow-api/pkg/database"
	"github.com/limsflow/workflow-api/pkg/events"
	"github.com/limsflow/workflow-api/pkg/logger"
	corsmiddleware "github.com/limsflow/workflow-api/pkg/middleware/cors"
	reqidmiddleware "github.com/limsflow/workflow-api/pkg/middleware/requestid"
)

// issuableDocumentTypes are the business object types whose lifecycle the
// approval engine drives on issue.
var issuableDocumentTypes = []string{"quotation", "contract", "client_report"}

// @title LIMS Workflow API
// @version 1.0.0
// @description Feasibility assessment and approval workflow engine
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, summary cache disabled", "error", err)
		redisClient = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsService := service.NewMetricsService()

	dispatcher := events.NewDispatcher(events.Config{
		Workers:    cfg.Events.Workers,
		BufferSize: cfg.Events.BufferSize,
		MaxRetries: cfg.Events.MaxRetries,
		RetryDelay: cfg.Events.RetryDelay,
		QueueDepth: metricsService.SetEventQueueDepth,
		Logger:     logr,
	})
	if cfg.Events.Enabled {
		subscribeEventLogging(dispatcher, logr)
	}
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	validate := validator.New()

	assessmentRepo := repository.NewAssessmentRepository(db)
	consultationRepo := repository.NewConsultationRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	authService := service.NewAuthService(cfg.JWT)
	consultationService := service.NewConsultationService(consultationRepo, assessmentRepo, cacheRepo, auditRepo, dispatcher, logr, service.ConsultationServiceConfig{
		SummaryCacheTTL: cfg.Assessments.SummaryCacheTTL,
	})
	assessmentService := service.NewAssessmentService(assessmentRepo, consultationService, auditRepo, metricsService, db, validate, logr)
	reassessmentService := service.NewReassessmentService(assessmentRepo, consultationRepo, consultationService, auditRepo, metricsService, dispatcher, db, validate, logr)
	approvalService := service.NewApprovalService(approvalRepo, auditRepo, metricsService, dispatcher, db, validate, logr)
	registerDocumentTransitioners(approvalService, documentRepo)

	assessmentHandler := handler.NewAssessmentHandler(assessmentService, reassessmentService)
	consultationHandler := handler.NewConsultationHandler(consultationService, reassessmentService)
	approvalHandler := handler.NewApprovalHandler(approvalService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "reason": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsService.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authService))
	api.Use(middleware.Audit(auditRepo, "HTTP_REQUEST", "workflow-api"))

	if cfg.Assessments.Enabled {
		assessments := api.Group("/assessments")
		assessments.POST("/:id/submit", middleware.RequireRoles(models.RoleAssessor, models.RoleAdmin), assessmentHandler.Submit)
		assessments.PUT("/:id", middleware.RequireRoles(models.RoleAssessor, models.RoleAdmin), assessmentHandler.Modify)
		assessments.POST("/items/:id/reassess", middleware.RequireRoles(models.RoleClerk, models.RoleAdmin), assessmentHandler.ReassessItem)
		assessments.GET("/items/:id/history", assessmentHandler.History)

		consultations := api.Group("/consultations")
		consultations.GET("/:id", consultationHandler.Get)
		consultations.POST("/:id/reassess", middleware.RequireRoles(models.RoleClerk, models.RoleAdmin), consultationHandler.Reassess)
		consultations.POST("/:id/close", middleware.RequireRoles(models.RoleClerk, models.RoleAdmin), consultationHandler.Close)
	}

	if cfg.Approvals.Enabled {
		approvals := api.Group("/approvals")
		approvals.POST("", approvalHandler.Submit)
		approvals.GET("/:id", approvalHandler.Get)
		approvals.GET("/:id/records", approvalHandler.Records)
		approvals.PATCH("/:id", middleware.RequireRoles(models.RoleApprover, models.RoleAdmin), approvalHandler.Act)
		approvals.DELETE("/:id", approvalHandler.Cancel)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
	if err := cacheRepo.Close(); err != nil {
		logr.Sugar().Warnw("failed to close redis", "error", err)
	}
}

// registerDocumentTransitioners binds the approval issue action to the
// lifecycle column of each issuable document type.
func registerDocumentTransitioners(approvalService *service.ApprovalService, documentRepo *repository.DocumentRepository) {
	for _, bizType := range issuableDocumentTypes {
		bt := bizType
		approvalService.RegisterTransitioner(bt, service.BizTransitionerFunc(func(ctx context.Context, tx *sqlx.Tx, bizID string) error {
			return documentRepo.SetStatusTx(ctx, tx, bt, bizID, repository.DocumentStatusSubmitted, repository.DocumentStatusIssued)
		}))
	}
}

func subscribeEventLogging(dispatcher *events.Dispatcher, logr *zap.Logger) {
	logEvent := func(message string) events.Handler {
		return func(_ context.Context, event events.Event) error {
			logr.Sugar().Infow(message, "entity_id", event.EntityID, "payload", event.Payload)
			return nil
		}
	}
	dispatcher.Subscribe(events.TopicConsultationStatusChanged, logEvent("consultation status changed"))
	dispatcher.Subscribe(events.TopicItemReassessed, logEvent("item reassessed"))
	dispatcher.Subscribe(events.TopicApprovalCompleted, logEvent("approval completed"))
}
