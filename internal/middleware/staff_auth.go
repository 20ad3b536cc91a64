package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StaffOnly 检查当前会话是否具有员工权限。
// 此中间件必须在 AuthMiddleware 之后使用。
func StaffOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFrom(c)
		if sess == nil {
			// 会话不存在说明 AuthMiddleware 未生效，这是一个服务器内部错误
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息", "data": nil})
			return
		}
		if !sess.Staff {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足，需要员工权限", "data": nil})
			return
		}
		c.Next()
	}
}
