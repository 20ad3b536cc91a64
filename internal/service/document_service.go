package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"team-copilot-go/internal/model"
	"team-copilot-go/internal/pipeline"
	"team-copilot-go/internal/repository"
	"team-copilot-go/pkg/lock"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/storage"
	"team-copilot-go/pkg/tasks"
)

const sniffLen = 3072

// IngestionAborter 在调度失败时收尾一个 pending 文档，*pipeline.Processor 实现了它。
type IngestionAborter interface {
	Abort(ctx context.Context, documentID string, cause error) error
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, sess *model.Session, name string, file io.Reader, size int64) (*model.Document, error)
	List(ctx context.Context) ([]model.DocumentDTO, error)
	Get(ctx context.Context, id string) (*model.DocumentDTO, error)
	Delete(ctx context.Context, sess *model.Session, id string) error
}

type documentService struct {
	docs       repository.DocumentRepository
	chunks     repository.ChunkRepository
	files      storage.FileStore
	locker     lock.Locker
	dispatcher pipeline.Dispatcher
	aborter    IngestionAborter
	maxBytes   int64
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(
	docs repository.DocumentRepository,
	chunks repository.ChunkRepository,
	files storage.FileStore,
	locker lock.Locker,
	dispatcher pipeline.Dispatcher,
	aborter IngestionAborter,
	maxFileSizeMB int,
) DocumentService {
	return &documentService{
		docs:       docs,
		chunks:     chunks,
		files:      files,
		locker:     locker,
		dispatcher: dispatcher,
		aborter:    aborter,
		maxBytes:   int64(maxFileSizeMB) << 20,
	}
}

// Upload 校验并保存上传的 PDF，创建 pending 文档后异步调度入库。
func (s *documentService) Upload(ctx context.Context, sess *model.Session, name string, file io.Reader, size int64) (*model.Document, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > model.MaxDocumentNameLength {
		return nil, fmt.Errorf("%w: 文档名称长度必须在 1 到 %d 个字符之间", model.ErrInvalidDocument, model.MaxDocumentNameLength)
	}
	if size > s.maxBytes {
		return nil, fmt.Errorf("%w: 文件大小超过 %d MB", model.ErrInvalidDocument, s.maxBytes>>20)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: 读取上传文件失败: %w", model.ErrInvalidDocument, err)
	}
	head = head[:n]
	if !mimetype.Detect(head).Is("application/pdf") {
		return nil, fmt.Errorf("%w: 仅支持 PDF 文件", model.ErrInvalidDocument)
	}

	// 多读一个字节用于发现超限的文件
	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), file), s.maxBytes+1)
	counted := &countingReader{r: body}

	id := uuid.NewString()
	path, err := s.files.Save(ctx, id+".pdf", counted, size)
	if err != nil {
		return nil, fmt.Errorf("%w: 保存上传文件失败: %w", model.ErrPersistence, err)
	}
	if counted.n > s.maxBytes {
		s.removeFile(ctx, path)
		return nil, fmt.Errorf("%w: 文件大小超过 %d MB", model.ErrInvalidDocument, s.maxBytes>>20)
	}

	doc := &model.Document{ID: id, Name: name, Path: path, Status: model.StatusPending}
	if err := s.docs.Create(ctx, doc); err != nil {
		s.removeFile(ctx, path)
		return nil, err
	}

	_, requestID := sessionFields(sess)
	log.Infof("[DocumentService] 文档已创建, ID: %s, Name: %s, Size: %d", doc.ID, doc.Name, counted.n)

	if err := s.dispatcher.Dispatch(ctx, tasks.IngestTask{DocumentID: doc.ID, RequestID: requestID}); err != nil {
		log.Error("[DocumentService] 调度入库任务失败", err)
		if aerr := s.aborter.Abort(context.WithoutCancel(ctx), doc.ID, err); aerr != nil {
			log.Error("[DocumentService] 标记文档失败状态出错", aerr)
		}
		return nil, fmt.Errorf("调度入库任务失败: %w", err)
	}
	return doc, nil
}

func (s *documentService) List(ctx context.Context) ([]model.DocumentDTO, error) {
	docs, err := s.docs.List(ctx)
	if err != nil {
		return nil, err
	}
	dtos := make([]model.DocumentDTO, len(docs))
	for i := range docs {
		dtos[i] = docs[i].ToDTO()
	}
	return dtos, nil
}

func (s *documentService) Get(ctx context.Context, id string) (*model.DocumentDTO, error) {
	doc, err := s.docs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := doc.ToDTO()
	return &dto, nil
}

// Delete 删除一个文档及其分块。入库进行中的文档不能删除。
func (s *documentService) Delete(ctx context.Context, sess *model.Session, id string) error {
	release, err := s.locker.TryLock(ctx, pipeline.LockKey(id))
	if errors.Is(err, lock.ErrLocked) {
		return model.ErrDocumentLocked
	}
	if err != nil {
		return fmt.Errorf("获取文档锁失败: %w", err)
	}
	defer release()

	doc, err := s.docs.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.chunks.DeleteByDocument(ctx, id); err != nil {
		return err
	}
	if err := s.docs.Delete(ctx, id); err != nil {
		return err
	}
	s.removeFile(ctx, doc.Path)

	who, _ := sessionFields(sess)
	log.Infof("[DocumentService] 文档已删除, ID: %s, 操作人: %s", id, who)
	return nil
}

func (s *documentService) removeFile(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := s.files.Remove(context.WithoutCancel(ctx), path); err != nil {
		log.Warnf("[DocumentService] 删除文件失败, Path: %s, Error: %v", path, err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
