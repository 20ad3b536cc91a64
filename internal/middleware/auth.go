// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"team-copilot-go/internal/model"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/token"
)

const sessionKey = "session"

// UserLookup 按用户名读取账号的当前状态，repository.UserRepository 实现了它。
type UserLookup interface {
	FindByUsername(ctx context.Context, username string) (*model.User, error)
}

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 token，验证其有效性，并确认账号仍然存在且处于启用状态，
// 然后把构造好的 Session 存入 Gin 的上下文中。
func AuthMiddleware(jwtManager *token.JWTManager, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头", "data": nil})
			return
		}

		// Token 通常以 "Bearer <token>" 的形式提供，我们需要提取出 token 本身
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式", "data": nil})
			return
		}

		sess, err := Authenticate(c.Request.Context(), jwtManager, users, strings.TrimPrefix(authHeader, bearerPrefix), RequestID(c))
		if errors.Is(err, model.ErrInvalidCredentials) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}
		if err != nil {
			log.Error("[AuthMiddleware] 查询用户失败", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息", "data": nil})
			return
		}

		c.Set(sessionKey, sess)
		c.Next()
	}
}

// Authenticate 校验 access token 并加载账号。token 无效、账号不存在或已禁用时
// 返回 model.ErrInvalidCredentials。会话中的员工标志取自数据库而不是 token。
func Authenticate(ctx context.Context, jwtManager *token.JWTManager, users UserLookup, tokenString, requestID string) (*model.Session, error) {
	claims, err := jwtManager.VerifyToken(tokenString)
	if err != nil {
		return nil, model.ErrInvalidCredentials
	}
	user, err := users.FindByUsername(ctx, claims.Username)
	if errors.Is(err, model.ErrUserNotFound) {
		return nil, model.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !user.Enabled {
		log.Warnf("[AuthMiddleware] 已禁用的账号尝试访问, username: %s", user.Username)
		return nil, model.ErrInvalidCredentials
	}
	return NewSession(user, claims, requestID), nil
}

// NewSession 根据账号与 token 声明构造请求会话。
func NewSession(user *model.User, claims *token.CustomClaims, requestID string) *model.Session {
	sess := &model.Session{
		RequestID: requestID,
		UserID:    user.ID,
		Username:  user.Username,
		Staff:     user.Staff,
		TokenID:   claims.ID,
	}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	return sess
}

// SetSession 把会话存入上下文，供测试与 WebSocket 入口使用。
func SetSession(c *gin.Context, sess *model.Session) {
	c.Set(sessionKey, sess)
}

// SessionFrom 返回 AuthMiddleware 存入的会话，不存在时返回 nil。
func SessionFrom(c *gin.Context) *model.Session {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil
	}
	sess, _ := v.(*model.Session)
	return sess
}
