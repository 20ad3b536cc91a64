// Package model 定义了领域模型与错误分类。
package model

import "time"

// DocumentStatus 是文档入库状态机的状态。
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal 表示该状态之后不再发生任何转换。
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid 报告 s 是否为已知状态。
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// MaxDocumentNameLength 是文档显示名称的最大字符数。
const MaxDocumentNameLength = 100

// Document 对应 documents 表。
// Path 指向上传文件的临时存放位置，入库结束后文件即被删除。
type Document struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name         string         `gorm:"type:varchar(100);not null" json:"name"`
	Path         string         `gorm:"type:text;not null" json:"-"`
	Status       DocumentStatus `gorm:"type:varchar(16);not null;index;default:pending" json:"status"`
	ErrorMessage string         `gorm:"type:text;not null" json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"-"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// DocumentDTO 是返回给客户端的文档视图。
type DocumentDTO struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       DocumentStatus `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CreatedAt    LocalTime      `json:"createdAt"`
	UpdatedAt    LocalTime      `json:"updatedAt"`
}

// ToDTO 转换为对外视图，不暴露存储路径。
func (d *Document) ToDTO() DocumentDTO {
	return DocumentDTO{
		ID:           d.ID,
		Name:         d.Name,
		Status:       d.Status,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    LocalTime(d.CreatedAt),
		UpdatedAt:    LocalTime(d.UpdatedAt),
	}
}
