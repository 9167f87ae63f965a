package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/handlers"
	"github.com/yj147/bilibili-sub001/middleware"
	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/services"
	"github.com/yj147/bilibili-sub001/storage"
)

func main() {
	// .env 可选，不存在时静默跳过
	_ = godotenv.Load()

	// 配置文件加载
	if err := config.LoadConfig(""); err != nil {
		log.Printf("⚠️ 配置文件加载失败，使用默认值: %v", err)
	}

	// 单实例锁：冷却与熔断状态在进程内存，双实例会互相踩踏
	lock, err := storage.AcquireProcessLock(config.GetLockPath())
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer lock.Release()

	// 数据库初始化 + 启动对账
	db, err := storage.Open(config.GetDatabasePath())
	if err != nil {
		log.Fatalf("❌ 数据库初始化失败: %v", err)
	}
	if _, err := storage.Reconcile(db); err != nil {
		log.Fatalf("❌ 启动对账失败: %v", err)
	}

	// 服务装配
	events := services.NewEventBus()
	keys := services.NewKeyCache(
		services.NewNavKeyFetcher(config.GetAPIBaseURL(), config.GetRequestTimeout()),
		config.GetKeyTTL(),
	)
	client := services.NewClient(keys)
	cooldown := services.NewCooldownTracker(config.GetCooldownWindow())
	reports := services.NewReportService(db, client, cooldown, events)
	batch := services.NewBatchService(db, reports, events)
	login := services.NewLoginService(db, events)
	inbox := services.NewInboxService(db, client, events)
	maintenance := services.NewMaintenanceService(db, cooldown, login)

	// 调度器
	scheduler := services.NewScheduler(db, events)
	registerTaskHandlers(scheduler, keys, batch, reports, inbox, maintenance)
	if config.IsFeatureEnabled("cron") {
		if err := services.SeedDefaultTasks(db); err != nil {
			log.Fatalf("❌ 内置任务初始化失败: %v", err)
		}
		if err := scheduler.Start(); err != nil {
			log.Fatalf("❌ 调度器启动失败: %v", err)
		}
	}

	// Gin 引擎
	if !config.IsDebugMode() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	setupCORS(r)
	setupRoutes(r, db, reports, batch, login, keys, events, maintenance, scheduler)

	srv := &http.Server{
		Addr:    ":" + config.GetPort(),
		Handler: r,
	}

	go func() {
		log.Printf("🚀 举报工作台启动 (端口: %s)", config.GetPort())
		if config.Config != nil {
			log.Printf("   应用: %s v%s", config.Config.App.Name, config.Config.App.Version)
			log.Printf("   环境: %s", config.Config.App.Environment)
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 服务启动失败: %v", err)
		}
	}()

	// 优雅退出：停收新请求 → 等在途执行 → 释放锁
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 收到退出信号，开始关停")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP 服务关停超时: %v", err)
	}

	if config.IsFeatureEnabled("cron") {
		scheduler.Stop()
	}
	batch.Close()
	log.Println("✅ 已退出")
}

// registerTaskHandlers 内置任务类型与执行函数的绑定
func registerTaskHandlers(
	scheduler *services.Scheduler,
	keys *services.KeyCache,
	batch *services.BatchService,
	reports *services.ReportService,
	inbox *services.InboxService,
	maintenance *services.MaintenanceService,
) {
	scheduler.RegisterHandler(models.TaskTypeKeyRefresh, func(ctx context.Context, _ *models.ScheduledTask) error {
		return keys.Refresh(ctx)
	})

	scheduler.RegisterHandler(models.TaskTypeReportBatch, func(ctx context.Context, _ *models.ScheduledTask) error {
		ids, err := batch.PendingTargetIDs(0)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		accepted, err := batch.ExecuteBatch(ids, nil)
		log.Printf("📅 定时批量：受理 %d/%d 个目标", accepted, len(ids))
		return err
	})

	scheduler.RegisterHandler(models.TaskTypeHealthCheck, func(ctx context.Context, _ *models.ScheduledTask) error {
		return reports.CheckAccounts(ctx)
	})

	scheduler.RegisterHandler(models.TaskTypeInboxPoll, func(ctx context.Context, _ *models.ScheduledTask) error {
		return inbox.Poll(ctx)
	})

	scheduler.RegisterHandler(models.TaskTypeCleanup, func(ctx context.Context, _ *models.ScheduledTask) error {
		_, err := maintenance.Run(ctx)
		return err
	})
}

// setupCORS CORS 配置
func setupCORS(r *gin.Engine) {
	var corsConfig cors.Config
	if config.Config != nil {
		corsConfig = cors.Config{
			AllowOrigins:     config.Config.CORS.AllowedOrigins,
			AllowMethods:     config.Config.CORS.AllowedMethods,
			AllowHeaders:     config.Config.CORS.AllowedHeaders,
			ExposeHeaders:    config.Config.CORS.ExposeHeaders,
			AllowCredentials: config.Config.CORS.AllowCredentials,
		}
	} else {
		corsConfig = cors.Config{
			AllowOrigins:     []string{"*"},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Token"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
		}
	}
	r.Use(cors.New(corsConfig))
	log.Println("✅ CORS 配置完成")
}

// setupRoutes 路由注册
func setupRoutes(
	r *gin.Engine,
	db *gorm.DB,
	reports *services.ReportService,
	batch *services.BatchService,
	login *services.LoginService,
	keys *services.KeyCache,
	events *services.EventBus,
	maintenance *services.MaintenanceService,
	scheduler *services.Scheduler,
) {
	accountHandler := handlers.NewAccountHandler(db, reports)
	reportHandler := handlers.NewReportHandler(db, reports, batch)
	loginHandler := handlers.NewLoginHandler(login)
	taskHandler := handlers.NewTaskHandler(db, scheduler)
	adminHandler := handlers.NewAdminHandler(db, keys, events, maintenance)

	// 公开路由
	r.GET("/health", adminHandler.Health)

	if config.IsFeatureEnabled("login") {
		loginGroup := r.Group("/api/login")
		{
			loginGroup.POST("/qr", loginHandler.BeginLogin)
			loginGroup.GET("/qr/:ref", loginHandler.PollLogin)
		}
		log.Println("✅ 扫码登录路由激活")
	}

	// 认证路由
	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	{
		api.GET("/accounts", accountHandler.ListAccounts)
		api.POST("/accounts", accountHandler.CreateAccount)
		api.GET("/accounts/:id", accountHandler.GetAccount)
		api.PUT("/accounts/:id", accountHandler.UpdateAccount)
		api.DELETE("/accounts/:id", accountHandler.DeleteAccount)
		api.POST("/accounts/:id/check", accountHandler.CheckAccount)
		api.POST("/accounts/check-all", accountHandler.CheckAllAccounts)

		if config.IsFeatureEnabled("report") {
			api.GET("/targets", reportHandler.ListTargets)
			api.POST("/targets", reportHandler.CreateTarget)
			api.POST("/targets/import", reportHandler.ImportTargets)
			api.GET("/targets/:id", reportHandler.GetTarget)
			api.DELETE("/targets/:id", reportHandler.DeleteTarget)
			api.POST("/targets/:id/reset", reportHandler.ResetTarget)
			api.POST("/targets/:id/execute", reportHandler.ExecuteTarget)
			api.POST("/reports/batch", reportHandler.ExecuteBatch)
			api.GET("/reports/logs", reportHandler.ListLogs)
		}

		api.GET("/tasks", taskHandler.ListTasks)
		api.POST("/tasks", taskHandler.CreateTask)
		api.PUT("/tasks/:id", taskHandler.UpdateTask)
		api.DELETE("/tasks/:id", taskHandler.DeleteTask)
		api.POST("/tasks/:id/run", taskHandler.RunTask)
		api.GET("/tasks/runs", taskHandler.ListRuns)

		if config.IsFeatureEnabled("events") {
			api.GET("/events", adminHandler.Events)
		}
	}

	// 管理路由
	admin := r.Group("/api/admin")
	admin.Use(middleware.AdminAuthRequired())
	{
		admin.GET("/stats", adminHandler.Stats)
		admin.POST("/keys/refresh", adminHandler.RefreshKeys)
		admin.POST("/cleanup", adminHandler.Cleanup)
		admin.POST("/token", adminHandler.IssueToken)
	}

	log.Println("✅ API 路由注册完成")
}
