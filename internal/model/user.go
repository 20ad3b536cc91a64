package model

import "time"

// User 对应 users 表。Enabled 为 false 的账号不能登录，已签发的 token 也会在下一次请求时失效。
type User struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username     string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	Name         string    `gorm:"type:varchar(100);not null" json:"name"`
	Email        *string   `gorm:"type:varchar(100);uniqueIndex" json:"email,omitempty"`
	Staff        bool      `gorm:"not null;default:false" json:"staff"`
	Enabled      bool      `gorm:"not null;default:false" json:"enabled"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"-"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}

// UserDTO 是返回给客户端的用户视图，不包含密码哈希。
type UserDTO struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Staff     bool      `json:"staff"`
	Enabled   bool      `json:"enabled"`
	CreatedAt LocalTime `json:"createdAt"`
	UpdatedAt LocalTime `json:"updatedAt"`
}

// ToDTO 转换为对外视图。
func (u *User) ToDTO() UserDTO {
	dto := UserDTO{
		ID:        u.ID,
		Username:  u.Username,
		Name:      u.Name,
		Staff:     u.Staff,
		Enabled:   u.Enabled,
		CreatedAt: LocalTime(u.CreatedAt),
		UpdatedAt: LocalTime(u.UpdatedAt),
	}
	if u.Email != nil {
		dto.Email = *u.Email
	}
	return dto
}
