package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/services"
	"github.com/yj147/bilibili-sub001/storage"
)

// 独立调度器进程：不起 HTTP 服务，只跑定时任务。
// 与主进程共用锁文件，两者不能同时运行。
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := config.LoadConfig(""); err != nil {
		log.Printf("⚠️ 配置文件加载失败，使用默认值: %v", err)
	}

	if !config.IsFeatureEnabled("cron") {
		log.Println("⚠️ 定时任务功能已禁用")
		return
	}

	lock, err := storage.AcquireProcessLock(config.GetLockPath())
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer lock.Release()

	db, err := storage.Open(config.GetDatabasePath())
	if err != nil {
		log.Fatalf("❌ 数据库初始化失败: %v", err)
	}
	if _, err := storage.Reconcile(db); err != nil {
		log.Fatalf("❌ 启动对账失败: %v", err)
	}

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

	if err := services.SeedDefaultTasks(db); err != nil {
		log.Fatalf("❌ 内置任务初始化失败: %v", err)
	}

	scheduler := services.NewScheduler(db, events)
	scheduler.RegisterHandler(models.TaskTypeKeyRefresh, func(ctx context.Context, _ *models.ScheduledTask) error {
		return keys.Refresh(ctx)
	})
	scheduler.RegisterHandler(models.TaskTypeReportBatch, func(ctx context.Context, _ *models.ScheduledTask) error {
		ids, err := batch.PendingTargetIDs(0)
		if err != nil || len(ids) == 0 {
			return err
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

	if err := scheduler.Start(); err != nil {
		log.Fatalf("❌ 调度器启动失败: %v", err)
	}
	log.Println("✅ 独立调度器运行中...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("🛑 调度器退出中...")
	scheduler.Stop()
	batch.Close()
	log.Println("✅ 调度器退出完成")
}
