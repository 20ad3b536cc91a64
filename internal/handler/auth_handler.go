package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"team-copilot-go/internal/service"
	"team-copilot-go/pkg/log"
)

// AuthHandler 负责处理登录与刷新 token 的请求。
type AuthHandler struct {
	authService service.AuthService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(authService service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// LoginRequest 定义了登录 API 的请求体结构。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Login 校验用户名和密码并签发 token 对。
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "用户名和密码不能为空", nil)
		return
	}

	pair, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		log.Warnf("[AuthHandler] 用户 %s 登录失败: %v", req.Username, err)
		fail(c, err, "登录失败")
		return
	}
	success(c, "登录成功", pair)
}

// RefreshToken 处理刷新 token 的请求。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("RefreshToken: Invalid request payload, error: %v", err)
		respond(c, http.StatusBadRequest, "无效的请求负载：refreshToken 不能为空", nil)
		return
	}

	pair, err := h.authService.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warnf("RefreshToken: Failed to refresh token, error: %v", err)
		respond(c, http.StatusUnauthorized, "无效的 refresh token", nil)
		return
	}

	log.Info("Token refreshed successfully")
	success(c, "Token refreshed successfully", pair)
}
