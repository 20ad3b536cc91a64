// Package storage 提供上传文件的临时存储。
package storage

import (
	"context"
	"io"
)

// FileStore 保存上传的原始文件，直到入库流程将其删除。
// Remove 对不存在的路径返回 nil。
type FileStore interface {
	Save(ctx context.Context, name string, r io.Reader, size int64) (path string, err error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, path string) error
}
