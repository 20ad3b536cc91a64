package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/model"
	"team-copilot-go/internal/repository"
	"team-copilot-go/pkg/log"
)

const minPasswordLength = 8

// CreateUserInput 是创建账号所需的字段。
type CreateUserInput struct {
	Username string
	Password string
	Name     string
	Email    string
	Staff    bool
	Enabled  bool
}

// UserService 接口定义了用户管理相关的业务操作。
type UserService interface {
	Me(ctx context.Context, sess *model.Session) (*model.UserDTO, error)
	List(ctx context.Context) ([]model.UserDTO, error)
	Get(ctx context.Context, id string) (*model.UserDTO, error)
	Create(ctx context.Context, in CreateUserInput) (*model.UserDTO, error)
	Delete(ctx context.Context, sess *model.Session, id string) error
	// EnsureUsers 在启动时创建配置中列出但数据库里还没有的账号，已存在的账号保持不变。
	EnsureUsers(ctx context.Context, users []config.AuthUser) error
}

type userService struct {
	users repository.UserRepository
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(users repository.UserRepository) UserService {
	return &userService{users: users}
}

func (s *userService) Me(ctx context.Context, sess *model.Session) (*model.UserDTO, error) {
	if sess == nil {
		return nil, model.ErrInvalidCredentials
	}
	user, err := s.users.FindByUsername(ctx, sess.Username)
	if err != nil {
		return nil, err
	}
	dto := user.ToDTO()
	return &dto, nil
}

func (s *userService) List(ctx context.Context) ([]model.UserDTO, error) {
	users, err := s.users.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.UserDTO, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToDTO())
	}
	return out, nil
}

func (s *userService) Get(ctx context.Context, id string) (*model.UserDTO, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := user.ToDTO()
	return &dto, nil
}

// Create 校验输入、哈希密码并保存新账号。
func (s *userService) Create(ctx context.Context, in CreateUserInput) (*model.UserDTO, error) {
	username := strings.TrimSpace(in.Username)
	if n := utf8.RuneCountInString(username); n < 3 || n > 100 {
		return nil, fmt.Errorf("%w: 用户名长度必须在 3 到 100 个字符之间", model.ErrInvalidUser)
	}
	if utf8.RuneCountInString(in.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: 密码长度不能少于 %d 个字符", model.ErrInvalidUser, minPasswordLength)
	}
	if utf8.RuneCountInString(in.Name) > 100 {
		return nil, fmt.Errorf("%w: 姓名不能超过 100 个字符", model.ErrInvalidUser)
	}

	user := &model.User{
		ID:       uuid.NewString(),
		Username: username,
		Name:     strings.TrimSpace(in.Name),
		Staff:    in.Staff,
		Enabled:  in.Enabled,
	}
	if email := strings.TrimSpace(in.Email); email != "" {
		if _, err := mail.ParseAddress(email); err != nil || len(email) > 100 {
			return nil, fmt.Errorf("%w: 邮箱格式不正确", model.ErrInvalidUser)
		}
		user.Email = &email
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("密码哈希失败: %w", err)
	}
	user.PasswordHash = string(hash)

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	log.Infof("[UserService] 用户已创建, ID: %s, username: %s", user.ID, user.Username)
	dto := user.ToDTO()
	return &dto, nil
}

// Delete 删除账号。不能删除自己，避免员工把自己锁在系统之外。
func (s *userService) Delete(ctx context.Context, sess *model.Session, id string) error {
	if sess != nil && sess.UserID == id {
		return fmt.Errorf("%w: 不能删除当前登录的账号", model.ErrInvalidUser)
	}
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	who, _ := sessionFields(sess)
	log.Infof("[UserService] 用户已删除, ID: %s, username: %s, 操作人: %s", user.ID, user.Username, who)
	return nil
}

func (s *userService) EnsureUsers(ctx context.Context, users []config.AuthUser) error {
	for _, u := range users {
		_, err := s.users.FindByUsername(ctx, u.Username)
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrUserNotFound) {
			return err
		}
		user := &model.User{
			ID:           uuid.NewString(),
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Name:         u.Name,
			Staff:        u.Staff,
			Enabled:      !u.Disabled,
		}
		if err := s.users.Create(ctx, user); err != nil && !errors.Is(err, model.ErrUserExists) {
			return err
		}
		log.Infof("[UserService] 已根据配置创建初始账号: %s", u.Username)
	}
	return nil
}
