package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yj147/bilibili-sub001/services"
)

// LoginHandler 扫码登录接口
type LoginHandler struct {
	login *services.LoginService
}

// NewLoginHandler 创建登录接口处理器
func NewLoginHandler(login *services.LoginService) *LoginHandler {
	return &LoginHandler{login: login}
}

type beginLoginRequest struct {
	AccountName string `json:"account_name" binding:"required"`
}

// BeginLogin 发起扫码登录：返回登录引用和二维码内容，
// 后续进度由前端拿引用轮询。
func (h *LoginHandler) BeginLogin(c *gin.Context) {
	var req beginLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "details": err.Error()})
		return
	}

	ref, qrURL, err := h.login.Begin(c.Request.Context(), req.AccountName)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "登录发起失败", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ref":    ref,
		"qr_url": qrURL,
	})
}

// PollLogin 查询登录进度
func (h *LoginHandler) PollLogin(c *gin.Context) {
	state, message, err := h.login.Poll(c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "登录会话不存在或已清理"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":   state,
		"message": message,
	})
}
