package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"team-copilot-go/internal/model"
	"team-copilot-go/pkg/log"
)

// InitMySQL 打开 MySQL 连接。MySQL 只保存 documents 表，
// 分块向量需要配合 elasticsearch 或 qdrant 后端。
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("MySQL database connected successfully")
	return db, nil
}

// AutoMigrateMySQL 创建或更新 documents 与 users 表。
func AutoMigrateMySQL(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Document{}, &model.User{}); err != nil {
		return fmt.Errorf("MySQL 自动迁移失败: %w", err)
	}
	return nil
}
