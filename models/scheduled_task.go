package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// 内置任务类型
const (
	TaskTypeKeyRefresh  = "key_refresh"
	TaskTypeReportBatch = "report_batch"
	TaskTypeHealthCheck = "health_check"
	TaskTypeInboxPoll   = "inbox_poll"
	TaskTypeCleanup     = "cleanup"
)

// ScheduledTask 定时任务。Schedule 字段是 "cron:<表达式>" 或
// "every:<秒数>" 二选一，解析后得到 TaskSchedule，两种形式不可能同时存在。
type ScheduledTask struct {
	gorm.Model
	Name      string     `gorm:"type:varchar(64);not null" json:"name"`
	TaskType  string     `gorm:"type:varchar(32);not null;index" json:"task_type"`
	Schedule  string     `gorm:"type:varchar(128);not null" json:"schedule"`
	IsActive  bool       `gorm:"not null;default:true;index" json:"is_active"`
	LastRunAt *time.Time `json:"last_run_at"`
	NextRunAt *time.Time `json:"next_run_at"`
	Payload   string     `gorm:"type:text" json:"payload"` // 任务私有配置，JSON
}

// TableName 指定表名
func (ScheduledTask) TableName() string {
	return "scheduled_tasks"
}

// ScheduleKind 调度形式
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// TaskSchedule 调度形式的标签联合：cron 表达式或固定间隔
type TaskSchedule struct {
	Kind     ScheduleKind
	Cron     string
	Interval time.Duration
}

// ParseSchedule 解析 Schedule 字段
func ParseSchedule(s string) (TaskSchedule, error) {
	switch {
	case strings.HasPrefix(s, "cron:"):
		expr := strings.TrimSpace(strings.TrimPrefix(s, "cron:"))
		if expr == "" {
			return TaskSchedule{}, fmt.Errorf("cron 表达式为空")
		}
		return TaskSchedule{Kind: ScheduleCron, Cron: expr}, nil
	case strings.HasPrefix(s, "every:"):
		raw := strings.TrimSpace(strings.TrimPrefix(s, "every:"))
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return TaskSchedule{}, fmt.Errorf("无效的间隔秒数: %q", raw)
		}
		return TaskSchedule{Kind: ScheduleInterval, Interval: time.Duration(secs) * time.Second}, nil
	default:
		return TaskSchedule{}, fmt.Errorf("无法识别的调度形式: %q", s)
	}
}

// ValidTaskType 校验任务类型
func ValidTaskType(t string) bool {
	switch t {
	case TaskTypeKeyRefresh, TaskTypeReportBatch, TaskTypeHealthCheck, TaskTypeInboxPoll, TaskTypeCleanup:
		return true
	}
	return false
}

// TaskRun 一次任务执行的历史记录
type TaskRun struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	TaskID     uint      `gorm:"not null;index" json:"task_id"`
	TaskType   string    `gorm:"type:varchar(32);not null" json:"task_type"`
	Success    bool      `gorm:"not null" json:"success"`
	Message    string    `gorm:"type:text" json:"message"`
	StartedAt  time.Time `gorm:"not null;index" json:"started_at"`
	DurationMs int64     `gorm:"not null" json:"duration_ms"`
}

// TableName 指定表名
func (TaskRun) TableName() string {
	return "task_runs"
}
