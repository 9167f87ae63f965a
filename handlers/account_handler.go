package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/models"
	"github.com/yj147/bilibili-sub001/services"
)

// AccountHandler 账号管理接口
type AccountHandler struct {
	db      *gorm.DB
	reports *services.ReportService
}

// NewAccountHandler 创建账号接口处理器
func NewAccountHandler(db *gorm.DB, reports *services.ReportService) *AccountHandler {
	return &AccountHandler{db: db, reports: reports}
}

type createAccountRequest struct {
	Name         string `json:"name" binding:"required"`
	SessionToken string `json:"session_token" binding:"required"`
	CSRFToken    string `json:"csrf_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
	Buvid3       string `json:"buvid3"`
	Buvid4       string `json:"buvid4"`
}

// accountView 账号的对外视图，凭证字段只露掩码
func accountView(a *models.Account) gin.H {
	return gin.H{
		"id":            a.ID,
		"name":          a.Name,
		"uid":           a.UID,
		"status":        a.Status,
		"session_token": config.MaskString(a.SessionToken),
		"last_check_at": a.LastCheckAt,
		"created_at":    a.CreatedAt,
	}
}

// CreateAccount 手工导入账号凭证。扫码登录之外的补充入口，
// 新账号先标记为待验证，由健康检查确认有效性。
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}

	account := models.Account{
		Name:         req.Name,
		SessionToken: req.SessionToken,
		CSRFToken:    req.CSRFToken,
		RefreshToken: req.RefreshToken,
		Buvid3:       req.Buvid3,
		Buvid4:       req.Buvid4,
		Status:       models.AccountStatusExpiring,
	}
	if err := h.db.Create(&account).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "账号保存失败", "details": err.Error()})
		return
	}

	// 导入后立刻做一次健康检查，确认凭证可用
	if err := h.reports.CheckAccount(c.Request.Context(), &account); err != nil {
		c.JSON(http.StatusCreated, gin.H{
			"message": "账号已保存，但健康检查未完成",
			"data":    accountView(&account),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "账号已保存", "data": accountView(&account)})
}

// ListAccounts 账号列表
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	var accounts []models.Account
	query := h.db.Order("id ASC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&accounts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "账号查询失败", "details": err.Error()})
		return
	}

	views := make([]gin.H, 0, len(accounts))
	for i := range accounts {
		views = append(views, accountView(&accounts[i]))
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "total": len(views)})
}

// GetAccount 单个账号详情
func (h *AccountHandler) GetAccount(c *gin.Context) {
	var account models.Account
	if err := h.db.First(&account, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "账号不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": accountView(&account)})
}

type updateAccountRequest struct {
	Name         *string `json:"name"`
	SessionToken *string `json:"session_token"`
	CSRFToken    *string `json:"csrf_token"`
	RefreshToken *string `json:"refresh_token"`
}

// UpdateAccount 更新账号名称或替换凭证。凭证换新后状态回到
// 待验证，等健康检查重新确认。
func (h *AccountHandler) UpdateAccount(c *gin.Context) {
	var account models.Account
	if err := h.db.First(&account, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "账号不存在"})
		return
	}

	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}

	if req.Name != nil {
		account.Name = *req.Name
	}
	credentialChanged := false
	if req.SessionToken != nil {
		account.SessionToken = *req.SessionToken
		credentialChanged = true
	}
	if req.CSRFToken != nil {
		account.CSRFToken = *req.CSRFToken
		credentialChanged = true
	}
	if req.RefreshToken != nil {
		account.RefreshToken = *req.RefreshToken
	}
	if credentialChanged {
		account.Status = models.AccountStatusExpiring
	}

	if err := h.db.Save(&account).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "账号更新失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "账号已更新", "data": accountView(&account)})
}

// DeleteAccount 删除账号
func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	if err := h.db.Delete(&models.Account{}, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "账号删除失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "账号已删除"})
}

// CheckAccount 手动触发单个账号的健康检查
func (h *AccountHandler) CheckAccount(c *gin.Context) {
	var account models.Account
	if err := h.db.First(&account, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "账号不存在"})
		return
	}

	if err := h.reports.CheckAccount(c.Request.Context(), &account); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "健康检查失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "健康检查完成", "data": accountView(&account)})
}

// CheckAllAccounts 手动触发全量健康检查
func (h *AccountHandler) CheckAllAccounts(c *gin.Context) {
	if err := h.reports.CheckAccounts(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "健康检查失败", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "健康检查完成"})
}
