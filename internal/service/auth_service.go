package service

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"team-copilot-go/internal/model"
	"team-copilot-go/internal/repository"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/token"
)

// AuthService 负责登录与令牌刷新。账号保存在 users 表，密码以 bcrypt 哈希保存。
type AuthService interface {
	Login(ctx context.Context, username, password string) (*model.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*model.TokenPair, error)
}

type authService struct {
	users      repository.UserRepository
	jwtManager *token.JWTManager
}

// NewAuthService 创建一个新的 AuthService 实例。
func NewAuthService(users repository.UserRepository, jwtManager *token.JWTManager) AuthService {
	return &authService{users: users, jwtManager: jwtManager}
}

// Login 处理用户登录的业务逻辑。
func (s *authService) Login(ctx context.Context, username, password string) (*model.TokenPair, error) {
	user, err := s.activeUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, model.ErrInvalidCredentials
	}
	log.Infof("[AuthService] 用户登录成功, username: %s", username)
	return s.issue(user)
}

// RefreshToken 用 refresh token 换取新的令牌对。被禁用或已删除的账号不能刷新。
func (s *authService) RefreshToken(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	claims, err := s.jwtManager.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, model.ErrInvalidCredentials
	}
	user, err := s.activeUser(ctx, claims.Username)
	if err != nil {
		return nil, err
	}
	return s.issue(user)
}

// activeUser 返回存在且已启用的账号，否则返回 model.ErrInvalidCredentials。
func (s *authService) activeUser(ctx context.Context, username string) (*model.User, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if errors.Is(err, model.ErrUserNotFound) {
		return nil, model.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !user.Enabled {
		return nil, model.ErrInvalidCredentials
	}
	return user, nil
}

func (s *authService) issue(user *model.User) (*model.TokenPair, error) {
	access, err := s.jwtManager.GenerateToken(user.Username, user.Staff)
	if err != nil {
		return nil, err
	}
	refresh, err := s.jwtManager.GenerateRefreshToken(user.Username, user.Staff)
	if err != nil {
		return nil, err
	}
	return &model.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
