package models

import (
	"time"
)

// ReportLog 单次执行的不可变记录，只追加不修改
type ReportLog struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	TargetID  uint      `gorm:"not null;index" json:"target_id"`
	AccountID *uint     `gorm:"index" json:"account_id"` // 执行前失败时为空
	Request   string    `gorm:"type:text" json:"request"`
	Response  string    `gorm:"type:text" json:"response"`
	Success   bool      `gorm:"not null;index" json:"success"`
	ErrorMsg  string    `gorm:"type:text" json:"error_msg"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (ReportLog) TableName() string {
	return "report_logs"
}
