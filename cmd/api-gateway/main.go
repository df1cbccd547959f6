package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/facultydesk/proxy-api/api/swagger"
	"github.com/facultydesk/proxy-api/internal/handler"
	"github.com/facultydesk/proxy-api/internal/middleware"
	"github.com/facultydesk/proxy-api/internal/models"
	"github.com/facultydesk/proxy-api/internal/repository"
	"github.com/facultydesk/proxy-api/internal/service"
	"github.com/facultydesk/proxy-api/pkg/cache"
	"github.com/facultydesk/proxy-api/pkg/config"
	"github.com/facultydesk/proxy-api/pkg/database"
	"github.com/facultydesk/proxy-api/pkg/email"
	"github.com/facultydesk/proxy-api/pkg/logger"
	corsmiddleware "github.com/facultydesk/proxy-api/pkg/middleware/cors"
	reqidmiddleware "github.com/facultydesk/proxy-api/pkg/middleware/requestid"
	"github.com/facultydesk/proxy-api/pkg/response"
)

// @title Faculty Proxy API
// @version 1.0.0
// @description Lecture cover requests with peer acceptance and HOD approval
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	cacheRepo := repository.NewCacheRepository(nil, logr)
	if cfg.Catalog.CacheEnabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, catalog cache disabled", "error", err)
		} else {
			cacheRepo = repository.NewCacheRepository(redisClient, logr)
		}
	}
	defer cacheRepo.Close() //nolint:errcheck

	leaveDefaults := repository.LeaveDefaults{
		Casual: cfg.Leave.CasualAllotment,
		Sick:   cfg.Leave.SickAllotment,
		Earned: cfg.Leave.EarnedAllotment,
	}

	userRepo := repository.NewUserRepository(db)
	proxyRepo := repository.NewProxyRequestRepository(db)
	leaveRepo := repository.NewLeaveBalanceRepository(db, leaveDefaults)
	departmentRepo := repository.NewDepartmentRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Catalog.CacheTTL, logr, cfg.Catalog.CacheEnabled)

	var sender email.Sender
	if cfg.Notifications.EmailEnabled && cfg.Notifications.SendGridAPIKey != "" {
		sender = email.NewSendGridSender(cfg.Notifications.SendGridAPIKey, cfg.Notifications.FromName, cfg.Notifications.FromEmail)
	} else {
		sender = email.NewConsoleSender(logr)
	}

	notificationSvc := service.NewNotificationService(notificationRepo, userRepo, sender, cfg.Notifications, logr)
	notificationSvc.Start(ctx)
	defer notificationSvc.Stop()

	authSvc := service.NewAuthService(userRepo, departmentRepo, leaveRepo, cfg.JWT, logr)
	proxySvc := service.NewProxyService(proxyRepo, userRepo, notificationSvc, leaveDefaults, logr, service.WithMetrics(metricsSvc))
	leaveSvc := service.NewLeaveService(leaveRepo, logr)
	userSvc := service.NewUserService(userRepo, departmentRepo, subjectRepo, leaveRepo, logr)
	departmentSvc := service.NewDepartmentService(departmentRepo, cacheSvc, logr)
	subjectSvc := service.NewSubjectService(subjectRepo, departmentRepo, cacheSvc, logr)
	reportSvc := service.NewReportService(proxySvc, userRepo, subjectRepo, logr)

	if cfg.Expiry.Enabled {
		go runExpirySweeper(ctx, proxySvc, cfg.Expiry.SweepInterval, logr)
	}

	authHandler := handler.NewAuthHandler(authSvc)
	proxyHandler := handler.NewProxyHandler(proxySvc)
	userHandler := handler.NewUserHandler(userSvc, subjectSvc)
	departmentHandler := handler.NewDepartmentHandler(departmentSvc)
	subjectHandler := handler.NewSubjectHandler(subjectSvc)
	leaveHandler := handler.NewLeaveHandler(leaveSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)
	reportHandler := handler.NewReportHandler(reportSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)

		authed := auth.Group("")
		authed.Use(middleware.JWT(authSvc))
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/change-password", authHandler.ChangePassword)
		authed.GET("/me", authHandler.Me)
	}

	proxies := api.Group("/proxy-requests")
	proxies.Use(middleware.JWT(authSvc))
	{
		proxies.POST("", middleware.RequireRoles(models.RoleFaculty), proxyHandler.Create)
		proxies.GET("", proxyHandler.List)
		proxies.GET("/:id", proxyHandler.Get)
		proxies.POST("/:id/accept", middleware.RequireRoles(models.RoleFaculty), proxyHandler.Accept)
		proxies.POST("/:id/decline", middleware.RequireRoles(models.RoleFaculty), proxyHandler.Decline)
		proxies.POST("/:id/approve", middleware.RequireRoles(models.RoleHOD), proxyHandler.Approve)
		proxies.POST("/:id/reject", middleware.RequireRoles(models.RoleHOD), proxyHandler.Reject)
		proxies.POST("/:id/cancel", middleware.RequireRoles(models.RoleFaculty), proxyHandler.Cancel)
	}

	users := api.Group("/users")
	users.Use(middleware.JWT(authSvc))
	{
		users.GET("", middleware.RequireRoles(models.RoleAdmin, models.RoleHOD), userHandler.List)
		users.POST("", middleware.RequireRoles(models.RoleAdmin), middleware.Audit(userRepo, models.AuditActionUserCreate, "user"), userHandler.Create)
		users.GET("/:id", middleware.RBAC("ADMIN", "HOD", "SELF"), userHandler.Get)
		users.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), middleware.Audit(userRepo, models.AuditActionUserUpdate, "user"), userHandler.Update)
		users.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), middleware.Audit(userRepo, models.AuditActionUserDeactivate, "user"), userHandler.Deactivate)
		users.GET("/:id/subjects", middleware.RBAC("ADMIN", "HOD", "SELF"), userHandler.ListSubjects)
		users.PUT("/:id/subjects/:subjectId", middleware.RequireRoles(models.RoleAdmin), userHandler.AssignSubject)
		users.DELETE("/:id/subjects/:subjectId", middleware.RequireRoles(models.RoleAdmin), userHandler.UnassignSubject)
	}

	departments := api.Group("/departments")
	departments.Use(middleware.JWT(authSvc))
	{
		departments.GET("", departmentHandler.List)
		departments.GET("/:id", departmentHandler.Get)
		departments.POST("", middleware.RequireRoles(models.RoleAdmin), departmentHandler.Create)
		departments.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), departmentHandler.Update)
	}

	subjects := api.Group("/subjects")
	subjects.Use(middleware.JWT(authSvc))
	{
		subjects.GET("", subjectHandler.List)
		subjects.GET("/mine", middleware.RequireRoles(models.RoleFaculty), subjectHandler.Mine)
		subjects.GET("/:id", subjectHandler.Get)
		subjects.POST("", middleware.RequireRoles(models.RoleAdmin), subjectHandler.Create)
		subjects.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), subjectHandler.Update)
	}

	leaves := api.Group("/leave-balances")
	leaves.Use(middleware.JWT(authSvc))
	{
		leaves.GET("/me", leaveHandler.MyBalance)
		leaves.GET("/:id", middleware.RBAC("ADMIN", "HOD", "SELF"), leaveHandler.Balance)
		leaves.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), leaveHandler.UpdateAllotment)
	}

	notifications := api.Group("/notifications")
	notifications.Use(middleware.JWT(authSvc))
	{
		notifications.GET("", notificationHandler.List)
		notifications.POST("/:id/read", notificationHandler.MarkRead)
		notifications.POST("/read-all", notificationHandler.MarkAllRead)
	}

	if cfg.Reports.Enabled {
		reports := api.Group("/reports")
		reports.Use(middleware.JWT(authSvc))
		reports.GET("/proxy-requests", middleware.RequireRoles(models.RoleAdmin, models.RoleHOD, models.RoleFaculty), reportHandler.ProxyHistory)
	}

	api.GET("/metrics/summary", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin), func(c *gin.Context) {
		response.JSON(c, http.StatusOK, metricsSvc.Snapshot(), nil)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

// runExpirySweeper periodically cancels pending requests whose date has
// passed. A sweep on startup catches anything that expired while down.
func runExpirySweeper(ctx context.Context, proxySvc *service.ProxyService, interval time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if _, err := proxySvc.ExpireOverdue(ctx); err != nil {
		logr.Warn("expiry sweep failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := proxySvc.ExpireOverdue(ctx); err != nil {
				logr.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
