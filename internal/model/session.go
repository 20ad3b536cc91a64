package model

import "time"

// Session 是随每个请求显式传递的会话上下文，由认证中间件构造。
type Session struct {
	RequestID string
	UserID    string
	Username  string
	Staff     bool
	TokenID   string
	IssuedAt  time.Time
}

// TokenPair 是登录或刷新后返回给客户端的令牌。
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
