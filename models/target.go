package models

import (
	"gorm.io/gorm"
)

// TargetType 举报对象类型
type TargetType string

const (
	TargetTypeVideo   TargetType = "video"
	TargetTypeComment TargetType = "comment"
	TargetTypeUser    TargetType = "user"
)

// TargetStatus 举报对象状态
type TargetStatus string

const (
	// TargetStatusPending 等待执行
	TargetStatusPending TargetStatus = "pending"
	// TargetStatusProcessing 正在执行（网络调用前原子写入）
	TargetStatusProcessing TargetStatus = "processing"
	// TargetStatusCompleted 举报成功，终态
	TargetStatusCompleted TargetStatus = "completed"
	// TargetStatusFailed 达到重试上限后熔断，终态
	TargetStatusFailed TargetStatus = "failed"
)

// Target 一个待举报的对象
type Target struct {
	gorm.Model
	Type       TargetType   `gorm:"type:varchar(16);not null;index" json:"type"`
	Identifier string       `gorm:"type:varchar(128);not null;index" json:"identifier"`
	Reason     int          `gorm:"not null" json:"reason"`
	Detail     string       `gorm:"type:text" json:"detail"`
	Status     TargetStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	RetryCount int          `gorm:"not null;default:0" json:"retry_count"`
	LastError  string       `gorm:"type:text" json:"last_error"`
}

// TableName 指定表名
func (Target) TableName() string {
	return "targets"
}

// Terminal 是否处于终态
func (t *Target) Terminal() bool {
	return t.Status == TargetStatusCompleted || t.Status == TargetStatusFailed
}

// 各类型的举报理由域。理由编号与平台接口一致，对外保持稳定。
var (
	// VideoReasons 视频投诉理由
	VideoReasons = map[int]string{
		1:  "违法违禁",
		2:  "色情低俗",
		3:  "赌博诈骗",
		4:  "人身攻击",
		5:  "侵犯隐私",
		6:  "垃圾广告",
		7:  "引战",
		8:  "涉政谣言",
		9:  "涉社会事件谣言",
		10: "其他",
	}
	// CommentReasons 评论举报理由
	CommentReasons = map[int]string{
		1:  "违法违禁",
		2:  "色情",
		3:  "低俗",
		4:  "赌博诈骗",
		5:  "人身攻击",
		6:  "侵犯隐私",
		7:  "垃圾广告",
		8:  "引战",
		9:  "剧透",
		10: "刷屏",
		12: "青少年不良信息",
		0:  "其他",
	}
	// UserReasons 用户举报理由
	UserReasons = map[int]string{
		1: "色情低俗",
		2: "不实信息",
		3: "违禁",
		4: "人身攻击",
		5: "侵犯隐私",
		6: "垃圾广告",
		7: "其他",
	}
)

// 理由无效时的安全兜底值（"其他"）
const (
	FallbackVideoReason   = 10
	FallbackCommentReason = 0
	FallbackUserReason    = 7
)

// NormalizeReason 校验理由编号，不在理由域内时退回该类型的兜底值
func NormalizeReason(t TargetType, reason int) (int, bool) {
	switch t {
	case TargetTypeVideo:
		if _, ok := VideoReasons[reason]; ok {
			return reason, true
		}
		return FallbackVideoReason, false
	case TargetTypeComment:
		if _, ok := CommentReasons[reason]; ok {
			return reason, true
		}
		return FallbackCommentReason, false
	case TargetTypeUser:
		if _, ok := UserReasons[reason]; ok {
			return reason, true
		}
		return FallbackUserReason, false
	default:
		return reason, false
	}
}

// ValidTargetType 校验对象类型
func ValidTargetType(t TargetType) bool {
	switch t {
	case TargetTypeVideo, TargetTypeComment, TargetTypeUser:
		return true
	}
	return false
}
