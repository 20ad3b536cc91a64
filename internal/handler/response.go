// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"team-copilot-go/internal/model"
)

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

func success(c *gin.Context, message string, data interface{}) {
	respond(c, http.StatusOK, message, data)
}

// fail 把领域错误映射为 HTTP 状态码，不向客户端暴露内部细节。
func fail(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrInvalidDocument):
		respond(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, model.ErrDocumentNotFound):
		respond(c, http.StatusNotFound, "文档不存在", nil)
	case errors.Is(err, model.ErrDocumentLocked):
		respond(c, http.StatusConflict, "文档正在入库处理中，请稍后再试", nil)
	case errors.Is(err, model.ErrInvalidUser):
		respond(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, model.ErrUserNotFound):
		respond(c, http.StatusNotFound, "用户不存在", nil)
	case errors.Is(err, model.ErrUserExists):
		respond(c, http.StatusConflict, "用户名或邮箱已被占用", nil)
	case errors.Is(err, model.ErrInvalidCredentials):
		respond(c, http.StatusUnauthorized, "用户名或密码错误", nil)
	default:
		respond(c, http.StatusInternalServerError, fallback, nil)
	}
}
