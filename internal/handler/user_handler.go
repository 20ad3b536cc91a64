package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"team-copilot-go/internal/middleware"
	"team-copilot-go/internal/service"
	"team-copilot-go/pkg/log"
)

// UserHandler 负责账号相关的 API。除 Me 之外的接口只对员工开放。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// CreateUserRequest 定义了创建账号 API 的请求体结构。
type CreateUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Staff    bool   `json:"staff"`
	Enabled  *bool  `json:"enabled"`
}

// Me 返回当前登录用户的信息。
func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.userService.Me(c.Request.Context(), middleware.SessionFrom(c))
	if err != nil {
		fail(c, err, "无法获取用户信息")
		return
	}
	success(c, "success", user)
}

// List 返回全部账号，按用户名排序。
func (h *UserHandler) List(c *gin.Context) {
	users, err := h.userService.List(c.Request.Context())
	if err != nil {
		log.Error("[UserHandler] 获取用户列表失败", err)
		fail(c, err, "获取用户列表失败")
		return
	}
	success(c, "获取用户列表成功", users)
}

// Get 按 ID 返回单个账号。
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.userService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, "获取用户失败")
		return
	}
	success(c, "获取用户成功", user)
}

// Create 创建账号。未指定 enabled 时默认启用。
func (h *UserHandler) Create(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[UserHandler] 无效的请求负载, error: %v", err)
		respond(c, http.StatusBadRequest, "无效的请求负载：用户名和密码不能为空", nil)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	user, err := h.userService.Create(c.Request.Context(), service.CreateUserInput{
		Username: req.Username,
		Password: req.Password,
		Name:     req.Name,
		Email:    req.Email,
		Staff:    req.Staff,
		Enabled:  enabled,
	})
	if err != nil {
		log.Warnf("[UserHandler] 创建用户失败, username: %s, error: %v", req.Username, err)
		fail(c, err, "创建用户失败")
		return
	}
	respond(c, http.StatusCreated, "用户创建成功", user)
}

// Delete 删除账号。不能删除当前登录的账号。
func (h *UserHandler) Delete(c *gin.Context) {
	if err := h.userService.Delete(c.Request.Context(), middleware.SessionFrom(c), c.Param("id")); err != nil {
		log.Warnf("[UserHandler] 删除用户失败: %v", err)
		fail(c, err, "删除用户失败")
		return
	}
	success(c, "用户删除成功", nil)
}
