package models

import (
	"time"

	"gorm.io/gorm"
)

// AccountStatus 账号状态
type AccountStatus string

const (
	// AccountStatusValid 会话有效，可用于新的举报
	AccountStatusValid AccountStatus = "valid"
	// AccountStatusExpiring 会话临近失效，只参与健康检查
	AccountStatusExpiring AccountStatus = "expiring"
	// AccountStatusInvalid 会话已失效或被风控
	AccountStatusInvalid AccountStatus = "invalid"
)

// Account 平台账号及其会话凭证
type Account struct {
	gorm.Model
	Name         string        `gorm:"type:varchar(64);not null" json:"name"`
	UID          *int64        `gorm:"index" json:"uid"` // 登录验证前为空
	SessionToken string        `gorm:"type:text;not null" json:"-"`
	CSRFToken    string        `gorm:"type:text;not null" json:"-"`
	RefreshToken string        `gorm:"type:text" json:"-"`
	Buvid3       string        `gorm:"type:text" json:"-"`
	Buvid4       string        `gorm:"type:text" json:"-"`
	Status       AccountStatus `gorm:"type:varchar(16);not null;default:'valid';index" json:"status"`
	LastCheckAt  *time.Time    `json:"last_check_at"`
}

// TableName 指定表名
func (Account) TableName() string {
	return "accounts"
}

// Usable 是否可用于新的举报提交
func (a *Account) Usable() bool {
	return a.Status == AccountStatusValid
}

// Checkable 是否参与健康检查（valid 和 expiring 都要查）
func (a *Account) Checkable() bool {
	return a.Status == AccountStatusValid || a.Status == AccountStatusExpiring
}
