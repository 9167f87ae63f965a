package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yj147/bilibili-sub001/models"
)

// Open 打开数据库并自动建表
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %v", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.Account{},
		&models.Target{},
		&models.ReportLog{},
		&models.ScheduledTask{},
		&models.TaskRun{},
	); err != nil {
		return nil, err
	}

	log.Printf("✅ 数据库连接完成: %s", path)
	return db, nil
}

// Reconcile 启动对账：进程崩溃时卡在 processing 的目标复位为 pending。
// 单目标的 pending→processing 门闩保证同一目标不会并发执行，
// 所以启动时残留的 processing 一定是上次进程中断留下的。
func Reconcile(db *gorm.DB) (int64, error) {
	res := db.Model(&models.Target{}).
		Where("status = ?", models.TargetStatusProcessing).
		Update("status", models.TargetStatusPending)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("🔄 启动对账：%d 个 processing 目标已复位为 pending", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
