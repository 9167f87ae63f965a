package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/middleware"
	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/services"
)

// AdminHandler 管理与观测接口
type AdminHandler struct {
	db          *gorm.DB
	keys        *services.KeyCache
	events      *services.EventBus
	maintenance *services.MaintenanceService
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(db *gorm.DB, keys *services.KeyCache, events *services.EventBus, maintenance *services.MaintenanceService) *AdminHandler {
	return &AdminHandler{db: db, keys: keys, events: events, maintenance: maintenance}
}

// Health 健康检查：进程活着 + 数据库可达
func (h *AdminHandler) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now()})
}

// Stats 运行概览：目标各状态计数、账号各状态计数、流水总量
func (h *AdminHandler) Stats(c *gin.Context) {
	targetCounts := map[string]int64{}
	for _, s := range []models.TargetStatus{
		models.TargetStatusPending, models.TargetStatusProcessing,
		models.TargetStatusCompleted, models.TargetStatusFailed,
	} {
		var n int64
		h.db.Model(&models.Target{}).Where("status = ?", s).Count(&n)
		targetCounts[string(s)] = n
	}

	accountCounts := map[string]int64{}
	for _, s := range []models.AccountStatus{
		models.AccountStatusValid, models.AccountStatusExpiring, models.AccountStatusInvalid,
	} {
		var n int64
		h.db.Model(&models.Account{}).Where("status = ?", s).Count(&n)
		accountCounts[string(s)] = n
	}

	var logs int64
	h.db.Model(&models.ReportLog{}).Count(&logs)

	c.JSON(http.StatusOK, gin.H{
		"targets":  targetCounts,
		"accounts": accountCounts,
		"logs":     logs,
	})
}

// RefreshKeys 手动刷新签名密钥
func (h *AdminHandler) RefreshKeys(c *gin.Context) {
	if err := h.keys.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "密钥刷新失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "签名密钥已刷新"})
}

// Cleanup 手动触发一轮过期状态清理
func (h *AdminHandler) Cleanup(c *gin.Context) {
	summary, err := h.maintenance.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "清理失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "清理完成", "summary": summary})
}

type issueTokenRequest struct {
	Subject string `json:"subject" binding:"required"`
}

// IssueToken 签发操作令牌（管理员入口）
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}

	token, err := middleware.IssueToken(req.Subject, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "令牌签发失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int((24 * time.Hour).Seconds())})
}

// Events SSE 事件流：目标状态、账号状态、登录进度、任务运行
// 的实时推送，前端看板免轮询。
func (h *AdminHandler) Events(c *gin.Context) {
	id, ch := h.events.Subscribe()
	defer h.events.Unsubscribe(id)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// 心跳保活，代理层不超时断流
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
