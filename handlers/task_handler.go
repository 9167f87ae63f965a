package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/services"
)

// TaskHandler 定时任务管理接口
type TaskHandler struct {
	db        *gorm.DB
	scheduler *services.Scheduler
}

// NewTaskHandler 创建任务接口处理器
func NewTaskHandler(db *gorm.DB, scheduler *services.Scheduler) *TaskHandler {
	return &TaskHandler{db: db, scheduler: scheduler}
}

// ListTasks 任务列表
func (h *TaskHandler) ListTasks(c *gin.Context) {
	var tasks []models.ScheduledTask
	if err := h.db.Order("id ASC").Find(&tasks).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务查询失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tasks, "total": len(tasks)})
}

type createTaskRequest struct {
	Name     string `json:"name" binding:"required"`
	TaskType string `json:"task_type" binding:"required"`
	Schedule string `json:"schedule" binding:"required"`
	Payload  string `json:"payload"`
}

// CreateTask 新建任务。调度表达式在入库前校验；
// 间隔任务立即生效，cron 任务重启后注册。
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}
	if !models.ValidTaskType(req.TaskType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的任务类型", "task_type": req.TaskType})
		return
	}
	if _, err := models.ParseSchedule(req.Schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "调度表达式无效", "details": err.Error()})
		return
	}

	task := models.ScheduledTask{
		Name:     req.Name,
		TaskType: req.TaskType,
		Schedule: req.Schedule,
		Payload:  req.Payload,
		IsActive: true,
	}
	if err := h.db.Create(&task).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务保存失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "任务已创建", "data": task})
}

type updateTaskRequest struct {
	Name     *string `json:"name"`
	Schedule *string `json:"schedule"`
	IsActive *bool   `json:"is_active"`
	Payload  *string `json:"payload"`
}

// UpdateTask 更新任务
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	var task models.ScheduledTask
	if err := h.db.First(&task, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}

	if req.Schedule != nil {
		if _, err := models.ParseSchedule(*req.Schedule); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "调度表达式无效", "details": err.Error()})
			return
		}
		task.Schedule = *req.Schedule
	}
	if req.Name != nil {
		task.Name = *req.Name
	}
	if req.IsActive != nil {
		task.IsActive = *req.IsActive
	}
	if req.Payload != nil {
		task.Payload = *req.Payload
	}

	if err := h.db.Save(&task).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务更新失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "任务已更新", "data": task})
}

// DeleteTask 删除任务
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.db.Delete(&models.ScheduledTask{}, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务删除失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "任务已删除"})
}

// RunTask 手动触发一次任务
func (h *TaskHandler) RunTask(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "任务 ID 无效"})
		return
	}

	var task models.ScheduledTask
	if err := h.db.First(&task, uint(id)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	h.scheduler.RunNow(uint(id))
	c.JSON(http.StatusAccepted, gin.H{"message": "任务已触发", "task_type": task.TaskType})
}

// ListRuns 任务运行历史
func (h *TaskHandler) ListRuns(c *gin.Context) {
	query := h.db.Model(&models.TaskRun{})
	if taskID := c.Query("task_id"); taskID != "" {
		query = query.Where("task_id = ?", taskID)
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	var runs []models.TaskRun
	if err := query.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "运行历史查询失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs, "total": len(runs)})
}
