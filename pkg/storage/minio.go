package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"team-copilot-go/internal/config"
	"team-copilot-go/pkg/log"
)

const pdfContentType = "application/pdf"

// MinIOStore 将上传文件保存到 MinIO 存储桶，路径即对象名。
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOStore(ctx context.Context, cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Infof("MinIO 存储初始化成功, bucket: %s", cfg.BucketName)
	return &MinIOStore{client: client, bucket: cfg.BucketName}, nil
}

// Save 上传对象，返回对象名。
func (s *MinIOStore) Save(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	objectName := "uploads/" + name
	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{ContentType: pdfContentType})
	if err != nil {
		return "", fmt.Errorf("上传对象到 MinIO 失败: %w", err)
	}
	return objectName, nil
}

// Open 读取对象内容。
func (s *MinIOStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("从 MinIO 下载文件失败: %w", err)
	}
	return obj, nil
}

// Remove 删除对象。MinIO 删除不存在的对象不会报错。
func (s *MinIOStore) Remove(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除 MinIO 对象失败: %w", err)
	}
	return nil
}
