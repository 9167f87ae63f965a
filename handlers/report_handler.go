package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/services"
)

// ReportHandler 举报目标与执行接口
type ReportHandler struct {
	db      *gorm.DB
	reports *services.ReportService
	batch   *services.BatchService
}

// NewReportHandler 创建举报接口处理器
func NewReportHandler(db *gorm.DB, reports *services.ReportService, batch *services.BatchService) *ReportHandler {
	return &ReportHandler{db: db, reports: reports, batch: batch}
}

type createTargetRequest struct {
	Type       models.TargetType `json:"type" binding:"required"`
	Identifier string            `json:"identifier" binding:"required"`
	Reason     int               `json:"reason"`
	Detail     string            `json:"detail"`
}

// CreateTarget 登记一个举报目标。理由编号不在理由域内时落到
// 该类型的兜底值，不拒绝请求。
func (h *ReportHandler) CreateTarget(c *gin.Context) {
	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}
	if !models.ValidTargetType(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的目标类型", "type": req.Type})
		return
	}

	reason, valid := models.NormalizeReason(req.Type, req.Reason)
	target := models.Target{
		Type:       req.Type,
		Identifier: req.Identifier,
		Reason:     reason,
		Detail:     req.Detail,
		Status:     models.TargetStatusPending,
	}
	if err := h.db.Create(&target).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "目标保存失败", "details": err.Error()})
		return
	}

	resp := gin.H{"message": "目标已登记", "data": target}
	if !valid {
		resp["warning"] = "理由编号无效，已使用兜底理由"
	}
	c.JSON(http.StatusCreated, resp)
}

type importTargetsRequest struct {
	Targets []createTargetRequest `json:"targets" binding:"required"`
}

// ImportTargets 批量登记目标，非法条目跳过并计数
func (h *ReportHandler) ImportTargets(c *gin.Context) {
	var req importTargetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}

	created, skipped := 0, 0
	for _, item := range req.Targets {
		if !models.ValidTargetType(item.Type) || item.Identifier == "" {
			skipped++
			continue
		}
		reason, _ := models.NormalizeReason(item.Type, item.Reason)
		target := models.Target{
			Type:       item.Type,
			Identifier: item.Identifier,
			Reason:     reason,
			Detail:     item.Detail,
			Status:     models.TargetStatusPending,
		}
		if err := h.db.Create(&target).Error; err != nil {
			skipped++
			continue
		}
		created++
	}
	c.JSON(http.StatusCreated, gin.H{"message": "批量登记完成", "created": created, "skipped": skipped})
}

// ListTargets 目标列表，支持状态/类型过滤和分页
func (h *ReportHandler) ListTargets(c *gin.Context) {
	query := h.db.Model(&models.Target{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if typ := c.Query("type"); typ != "" {
		query = query.Where("type = ?", typ)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "目标查询失败", "details": err.Error()})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "50"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}

	var targets []models.Target
	if err := query.Order("id ASC").Offset((page - 1) * size).Limit(size).Find(&targets).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "目标查询失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": targets, "total": total, "page": page, "size": size})
}

// GetTarget 单个目标详情
func (h *ReportHandler) GetTarget(c *gin.Context) {
	var target models.Target
	if err := h.db.First(&target, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "目标不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": target})
}

// DeleteTarget 删除目标。正在执行的目标不允许删除，
// 避免在途执行落库时找不到行。
func (h *ReportHandler) DeleteTarget(c *gin.Context) {
	var target models.Target
	if err := h.db.First(&target, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "目标不存在"})
		return
	}
	if target.Status == models.TargetStatusProcessing {
		c.JSON(http.StatusConflict, gin.H{"error": "目标正在执行，无法删除"})
		return
	}
	if err := h.db.Delete(&target).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "目标删除失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "目标已删除"})
}

// ResetTarget 把熔断的目标复位回 pending，重试计数清零
func (h *ReportHandler) ResetTarget(c *gin.Context) {
	res := h.db.Model(&models.Target{}).
		Where("id = ? AND status = ?", c.Param("id"), models.TargetStatusFailed).
		Updates(map[string]interface{}{
			"status":      models.TargetStatusPending,
			"retry_count": 0,
			"last_error":  "",
		})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "目标复位失败", "details": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "只有熔断状态的目标可以复位"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "目标已复位"})
}

type executeRequest struct {
	AccountIDs []uint `json:"account_ids"`
}

// ExecuteTarget 受理单个目标的执行。拟人延迟加退避最长要十几秒，
// 不能同步压在请求里：走批量派发通道，受理即返回，进度看事件流
// 和举报流水。
func (h *ReportHandler) ExecuteTarget(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "目标 ID 无效"})
		return
	}

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}

	accepted, err := h.batch.ExecuteBatch([]uint{uint(id)}, req.AccountIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "执行派发失败", "details": err.Error()})
		return
	}
	if accepted == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "目标无法执行（不在 pending 状态）"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "执行已受理", "accepted": accepted})
}

type executeBatchRequest struct {
	TargetIDs  []uint `json:"target_ids"`
	AccountIDs []uint `json:"account_ids"`
	Limit      int    `json:"limit"`
}

// ExecuteBatch 批量派发。不指定目标时取一批 pending；
// 受理即返回，执行进度走事件流。
func (h *ReportHandler) ExecuteBatch(c *gin.Context) {
	var req executeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}

	targetIDs := req.TargetIDs
	if len(targetIDs) == 0 {
		var err error
		targetIDs, err = h.batch.PendingTargetIDs(req.Limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "待执行目标查询失败", "details": err.Error()})
			return
		}
	}
	if len(targetIDs) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "没有待执行目标", "accepted": 0})
		return
	}

	accepted, err := h.batch.ExecuteBatch(targetIDs, req.AccountIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "批量派发失败", "details": err.Error(), "accepted": accepted})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "批量派发已受理", "accepted": accepted})
}

// ListLogs 举报流水查询
func (h *ReportHandler) ListLogs(c *gin.Context) {
	query := h.db.Model(&models.ReportLog{})
	if targetID := c.Query("target_id"); targetID != "" {
		query = query.Where("target_id = ?", targetID)
	}
	if success := c.Query("success"); success != "" {
		query = query.Where("success = ?", success == "true")
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var logs []models.ReportLog
	if err := query.Order("created_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "流水查询失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs, "total": len(logs)})
}
