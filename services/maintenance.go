package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/models"
)

// MaintenanceService 过期状态清理：冷却表、登录会话、
// 超过保留期的流水和运行历史。
type MaintenanceService struct {
	db       *gorm.DB
	cooldown *CooldownTracker
	login    *LoginService
}

// NewMaintenanceService 创建清理器
func NewMaintenanceService(db *gorm.DB, cooldown *CooldownTracker, login *LoginService) *MaintenanceService {
	return &MaintenanceService{db: db, cooldown: cooldown, login: login}
}

// Run 执行一轮清理，返回摘要
func (m *MaintenanceService) Run(ctx context.Context) (string, error) {
	_ = ctx

	cooldownFreed := 0
	if m.cooldown != nil {
		cooldownFreed = m.cooldown.GC()
	}

	sessionsFreed := 0
	if m.login != nil {
		// 二维码有效期三分钟左右，留十分钟余量再清
		sessionsFreed = m.login.CleanupSessions(10 * time.Minute)
	}

	cutoff := time.Now().Add(-config.GetLogRetention())

	logsRes := m.db.Where("created_at < ?", cutoff).Delete(&models.ReportLog{})
	if logsRes.Error != nil {
		return "", fmt.Errorf("流水清理失败: %w", logsRes.Error)
	}

	runsRes := m.db.Where("started_at < ?", cutoff).Delete(&models.TaskRun{})
	if runsRes.Error != nil {
		return "", fmt.Errorf("运行历史清理失败: %w", runsRes.Error)
	}

	summary := fmt.Sprintf("冷却释放 %d，登录会话清理 %d，流水删除 %d，运行历史删除 %d",
		cooldownFreed, sessionsFreed, logsRes.RowsAffected, runsRes.RowsAffected)
	log.Printf("🔄 清理完成: %s", summary)
	return summary, nil
}
