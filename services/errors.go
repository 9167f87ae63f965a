package services

import (
	"errors"
	"fmt"
)

// ErrorClass 平台响应的错误分类，决定重试/中止/标记策略
type ErrorClass int

const (
	// ClassOK 成功
	ClassOK ErrorClass = iota
	// ClassRateLimited 触发频率限制：指数退避后重试，次数有界
	ClassRateLimited
	// ClassRiskControl 账号被风控：立刻失败，不重试，账号标记候选失效
	ClassRiskControl
	// ClassUnauthenticated 会话失效：立刻失败，账号标记失效，不重试
	ClassUnauthenticated
	// ClassVerification 平台要求交互式验证：立即中止并上抛，不重试
	ClassVerification
	// ClassTransient 网络超时/连接重置：退避后重试，次数有界
	ClassTransient
	// ClassInvalidInput 参数不合法：能兜底则兜底，否则直接拒绝
	ClassInvalidInput
)

// String 分类的稳定标识
func (c ErrorClass) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRateLimited:
		return "rate_limited"
	case ClassRiskControl:
		return "risk_control"
	case ClassUnauthenticated:
		return "unauthenticated"
	case ClassVerification:
		return "verification_required"
	case ClassTransient:
		return "transient"
	case ClassInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Retryable 该分类是否允许客户端内部重试
func (c ErrorClass) Retryable() bool {
	return c == ClassRateLimited || c == ClassTransient
}

// HumanMessage 给外部界面看的翻译后文案，不含原始错误码细节
func (c ErrorClass) HumanMessage() string {
	switch c {
	case ClassRateLimited:
		return "请求过于频繁，稍后会自动重试"
	case ClassRiskControl:
		return "账号被风控，请稍后再试"
	case ClassUnauthenticated:
		return "账号登录已失效，请重新扫码登录"
	case ClassVerification:
		return "平台要求人工验证，请手动处理后重试"
	case ClassTransient:
		return "网络波动，稍后会自动重试"
	case ClassInvalidInput:
		return "举报参数不合法"
	default:
		return "执行失败"
	}
}

// PlatformError 带分类的平台错误
type PlatformError struct {
	Code    int
	Message string
	Class   ErrorClass
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("平台返回 %d: %s (%s)", e.Code, e.Message, e.Class)
}

// 平台业务错误码。来自线上观测，外部依赖这些值保持稳定。
const (
	codeSuccess        = 0
	codeNotLoggedIn    = -101
	codeCSRFInvalid    = -111
	codeRiskControl    = -352
	codeRequestBlocked = -412
	codeRateLimited    = -509
	codeReplyFrequent  = 12019
	codeReportConflict = 12008 // 已举报过，视为成功幂等
)

// Classify 把平台错误码映射到分类。voucher 非空表示平台附带了
// 人工验证票据，此时风控码升级为 verification_required。
func Classify(code int, voucher string) ErrorClass {
	switch code {
	case codeSuccess, codeReportConflict:
		return ClassOK
	case codeNotLoggedIn, codeCSRFInvalid:
		return ClassUnauthenticated
	case codeRiskControl:
		if voucher != "" {
			return ClassVerification
		}
		return ClassRiskControl
	case codeRequestBlocked:
		return ClassRiskControl
	case codeRateLimited, codeReplyFrequent:
		return ClassRateLimited
	default:
		if code > 0 {
			return ClassInvalidInput
		}
		return ClassTransient
	}
}

// 哨兵错误：调用方按语义分流，避免用空值表达两种含义
var (
	// ErrNoEligibleAccount 没有可用账号（冷却中或全部失效），
	// 是"无事可做"而不是"执行失败"，不消耗重试次数
	ErrNoEligibleAccount = errors.New("当前没有可用账号")
	// ErrTargetNotPending 目标不处于 pending，门闩未通过
	ErrTargetNotPending = errors.New("目标不在待执行状态")
	// ErrSupervisorClosed 任务监督器已关闭，无法再受理异步工作
	ErrSupervisorClosed = errors.New("任务监督器已关闭")
	// ErrNoKeyMaterial 没有任何可用的签名密钥
	ErrNoKeyMaterial = errors.New("签名密钥不可用")
)
