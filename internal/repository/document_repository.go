// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"team-copilot-go/internal/model"
)

// DocumentRepository 定义了对 documents 表的数据操作接口。
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.Document) error
	FindByID(ctx context.Context, id string) (*model.Document, error)
	List(ctx context.Context) ([]model.Document, error)
	UpdateStatus(ctx context.Context, id string, status model.DocumentStatus, errorMessage string) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 插入一条新文档记录。
func (r *documentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("%w: 创建文档记录失败: %w", model.ErrPersistence, err)
	}
	return nil
}

// FindByID 根据 ID 查找文档，不存在时返回 model.ErrDocumentNotFound。
func (r *documentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 查询文档失败: %w", model.ErrPersistence, err)
	}
	return &doc, nil
}

// List 按创建时间倒序返回全部文档。
func (r *documentRepository) List(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("%w: 查询文档列表失败: %w", model.ErrPersistence, err)
	}
	return docs, nil
}

// UpdateStatus 写入新的状态与错误信息。
func (r *documentRepository) UpdateStatus(ctx context.Context, id string, status model.DocumentStatus, errorMessage string) error {
	res := r.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
	})
	if res.Error != nil {
		return fmt.Errorf("%w: 更新文档状态失败: %w", model.ErrPersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrDocumentNotFound
	}
	return nil
}

// Delete 删除文档记录，分块由外键级联删除。
func (r *documentRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Document{})
	if res.Error != nil {
		return fmt.Errorf("%w: 删除文档失败: %w", model.ErrPersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrDocumentNotFound
	}
	return nil
}

// Ping 检查数据库连通性。
func (r *documentRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
