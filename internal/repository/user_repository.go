package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"team-copilot-go/internal/model"
)

// UserRepository 接口定义了用户数据的持久化操作。
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindAll(ctx context.Context) ([]model.User, error)
	Delete(ctx context.Context, id string) error
}

// userRepository 是 UserRepository 接口的 GORM 实现。
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create 在数据库中创建一个新的用户记录。用户名或邮箱冲突时返回 model.ErrUserExists。
func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrUserExists, user.Username)
	}
	if err != nil {
		return fmt.Errorf("%w: 创建用户失败: %w", model.ErrPersistence, err)
	}
	return nil
}

// FindByUsername 根据用户名从数据库中查找一个用户。
func (r *userRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.first(ctx, "username = ?", username)
}

// FindByID 根据用户 ID 从数据库中查找一个用户。格式不合法的 ID 视为不存在。
func (r *userRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	if uuid.Validate(id) != nil {
		return nil, model.ErrUserNotFound
	}
	return r.first(ctx, "id = ?", id)
}

func (r *userRepository) first(ctx context.Context, query string, arg string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 查询用户失败: %w", model.ErrPersistence, err)
	}
	return &user, nil
}

// FindAll 按用户名顺序返回所有用户。
func (r *userRepository) FindAll(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := r.db.WithContext(ctx).Order("username").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("%w: 查询用户列表失败: %w", model.ErrPersistence, err)
	}
	return users, nil
}

// Delete 删除一个用户，不存在时返回 model.ErrUserNotFound。
func (r *userRepository) Delete(ctx context.Context, id string) error {
	if uuid.Validate(id) != nil {
		return model.ErrUserNotFound
	}
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.User{})
	if res.Error != nil {
		return fmt.Errorf("%w: 删除用户失败: %w", model.ErrPersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

// isUniqueViolation 识别未开启 TranslateError 时 Postgres(23505) 与 MySQL(1062) 的唯一约束错误。
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "Error 1062")
}
