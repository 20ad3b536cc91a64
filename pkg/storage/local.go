package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore 将文件保存在本地目录中。
type LocalStore struct {
	dir string
}

// NewLocalStore 创建本地存储并确保目录存在。
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("创建上传目录失败: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Save 将内容写入 dir/name。写入失败时删除残留文件。
func (s *LocalStore) Save(_ context.Context, name string, r io.Reader, _ int64) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("创建文件失败: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("写入文件失败: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("关闭文件失败: %w", err)
	}
	return path, nil
}

// Open 打开已保存的文件。
func (s *LocalStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Remove 删除文件，文件不存在时视为成功。
func (s *LocalStore) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
