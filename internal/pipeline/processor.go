// Package pipeline 定义了文档入库的核心流程：状态机、文本切分以及编排抽取、OCR、向量化和持久化的 Processor。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/model"
	"team-copilot-go/internal/repository"
	"team-copilot-go/pkg/embedding"
	"team-copilot-go/pkg/lock"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/metrics"
	"team-copilot-go/pkg/storage"
	"team-copilot-go/pkg/tasks"
)

// Extractor 从 PDF 中取出纯文本和嵌入图片。
type Extractor interface {
	Extract(ctx context.Context, content []byte, fileName string) (*model.Extraction, error)
}

// Recognizer 对单张图片做 OCR。
type Recognizer interface {
	Recognize(ctx context.Context, img model.ExtractedImage) (string, error)
}

// LockKey 是文档入库与删除共用的锁键。
func LockKey(documentID string) string {
	return "document:" + documentID
}

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	docs      repository.DocumentRepository
	chunks    repository.ChunkRepository
	files     storage.FileStore
	locker    lock.Locker
	extractor Extractor
	ocr       Recognizer
	embedder  embedding.Client
	cfg       config.IngestionConfig
}

// NewProcessor 创建一个新的 Processor 实例。ocr 为 nil 时跳过图片识别。
func NewProcessor(
	cfg config.IngestionConfig,
	docs repository.DocumentRepository,
	chunks repository.ChunkRepository,
	files storage.FileStore,
	locker lock.Locker,
	extractor Extractor,
	ocr Recognizer,
	embedder embedding.Client,
) *Processor {
	return &Processor{
		docs:      docs,
		chunks:    chunks,
		files:     files,
		locker:    locker,
		extractor: extractor,
		ocr:       ocr,
		embedder:  embedder,
		cfg:       cfg,
	}
}

// Process 实现 kafka.TaskProcessor，供消费者与进程内调度器调用。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	return p.Ingest(ctx, task.DocumentID)
}

// Ingest 对一个 pending 文档执行完整的入库流程。
// 任一步骤失败时文档进入 failed 且不保留任何分块；临时文件在所有路径上都会被删除。
func (p *Processor) Ingest(ctx context.Context, documentID string) error {
	release, err := p.locker.TryLock(ctx, LockKey(documentID))
	if errors.Is(err, lock.ErrLocked) {
		log.Warnf("[Processor] 文档 %s 正在被其他任务处理, 跳过", documentID)
		return model.ErrDocumentLocked
	}
	if err != nil {
		return fmt.Errorf("获取文档锁失败: %w", err)
	}
	defer release()

	doc, err := p.docs.FindByID(ctx, documentID)
	if err != nil {
		return err
	}
	defer p.removeFile(ctx, doc)

	started := time.Now()
	log.Infof("[Processor] 开始处理文档, ID: %s, Name: %s", doc.ID, doc.Name)

	state := doc.Status
	step, err := Transition(state, EventStart)
	if err != nil {
		log.Warnf("[Processor] 文档 %s 当前状态为 %s, 无法开始处理", doc.ID, state)
		return err
	}
	if err := p.apply(ctx, doc.ID, step, nil, ""); err != nil {
		return p.fail(ctx, doc.ID, state, err)
	}
	state = step.Next

	chunks, err := p.prepare(ctx, doc)
	if err != nil {
		return p.fail(ctx, doc.ID, state, err)
	}

	step, err = Transition(state, EventSucceed)
	if err != nil {
		return p.fail(ctx, doc.ID, state, err)
	}
	if err := p.apply(ctx, doc.ID, step, chunks, ""); err != nil {
		return p.fail(ctx, doc.ID, state, err)
	}

	metrics.IngestionsTotal.WithLabelValues(string(model.StatusCompleted)).Inc()
	metrics.IngestionDuration.Observe(time.Since(started).Seconds())
	log.Infof("[Processor] 文档处理成功完成, ID: %s, 分块数: %d, 耗时: %s", doc.ID, len(chunks), time.Since(started))
	return nil
}

// Abort 在调度失败时把仍处于 pending 的文档置为 failed 并删除其临时文件。
func (p *Processor) Abort(ctx context.Context, documentID string, cause error) error {
	release, err := p.locker.TryLock(ctx, LockKey(documentID))
	if errors.Is(err, lock.ErrLocked) {
		return model.ErrDocumentLocked
	}
	if err != nil {
		return fmt.Errorf("获取文档锁失败: %w", err)
	}
	defer release()

	doc, err := p.docs.FindByID(ctx, documentID)
	if err != nil {
		return err
	}
	defer p.removeFile(ctx, doc)

	log.Warnf("[Processor] 文档 %s 调度失败, 标记为 failed: %v", doc.ID, cause)
	return p.markFailed(ctx, doc.ID, doc.Status, cause)
}

// prepare 读取文件并完成抽取、OCR、切分和向量化，返回待提交的分块。
func (p *Processor) prepare(ctx context.Context, doc *model.Document) ([]model.DocumentChunk, error) {
	rc, err := p.files.Open(ctx, doc.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: 打开上传文件失败: %w", model.ErrExtraction, err)
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: 读取上传文件失败: %w", model.ErrExtraction, err)
	}
	log.Infof("[Processor] 步骤1: 文件读取成功, 大小: %d 字节", len(content))

	extraction, err := p.extractor.Extract(ctx, content, filepath.Base(doc.Path))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExtraction, err)
	}
	text := p.collectText(ctx, extraction)
	log.Infof("[Processor] 步骤2: 文本提取成功, 图片数: %d, 内容长度: %d 字符", len(extraction.Images), utf8.RuneCountInString(text))

	pieces := Split(text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if len(pieces) == 0 {
		return nil, model.ErrChunking
	}
	log.Infof("[Processor] 步骤3: 文本分块完成, chunkSize: %d, chunkOverlap: %d, 共生成 %d 个分块",
		p.cfg.ChunkSize, p.cfg.ChunkOverlap, len(pieces))

	vectors, err := embedding.EmbedAll(ctx, p.embedder, pieces, embedding.PurposeDocument)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrEmbedding, err)
	}
	log.Infof("[Processor] 步骤4: 向量化完成, 共 %d 个向量", len(vectors))

	chunks := make([]model.DocumentChunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = model.DocumentChunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			ChunkIndex: i,
			ChunkText:  piece,
			Embedding:  vectors[i],
		}
	}
	return chunks, nil
}

// collectText 把纯文本与各图片的 OCR 结果按出现顺序拼接。单张图片识别失败只记录，不中断流程。
func (p *Processor) collectText(ctx context.Context, extraction *model.Extraction) string {
	parts := make([]string, 0, len(extraction.Images)+1)
	if t := strings.TrimSpace(extraction.Text); t != "" {
		parts = append(parts, t)
	}
	if p.ocr == nil {
		return strings.Join(parts, "\n")
	}
	for _, img := range extraction.Images {
		text, err := p.ocr.Recognize(ctx, img)
		if err != nil {
			metrics.OCRFailuresTotal.Inc()
			log.Warnf("[Processor] 图片 %s OCR 失败, 按空文本处理: %v", img.Name, fmt.Errorf("%w: %w", model.ErrOCR, err))
			continue
		}
		if t := strings.TrimSpace(text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// apply 依次执行迁移要求的副作用，遇到第一个错误即返回。
func (p *Processor) apply(ctx context.Context, documentID string, step Step, chunks []model.DocumentChunk, message string) error {
	for _, effect := range step.Effects {
		if err := p.run(ctx, documentID, effect, step.Next, chunks, message); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) run(ctx context.Context, documentID string, effect Effect, next model.DocumentStatus, chunks []model.DocumentChunk, message string) error {
	switch effect {
	case EffectPersistStatus:
		return p.docs.UpdateStatus(ctx, documentID, next, message)
	case EffectCommitChunks:
		return p.chunks.InsertChunks(ctx, documentID, chunks)
	case EffectDiscardChunks:
		return p.chunks.DeleteByDocument(ctx, documentID)
	}
	return fmt.Errorf("unknown effect %s", effect)
}

// fail 记录失败并执行 Fail 迁移，返回值始终包含 cause。
func (p *Processor) fail(ctx context.Context, documentID string, from model.DocumentStatus, cause error) error {
	log.Errorf("[Processor] 文档 %s 处理失败: %v", documentID, cause)
	if err := p.markFailed(ctx, documentID, from, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// markFailed 执行 Fail 迁移的副作用。状态写入使用脱离请求取消的 context，
// 保证文档不会停留在 processing。
func (p *Processor) markFailed(ctx context.Context, documentID string, from model.DocumentStatus, cause error) error {
	step, err := Transition(from, EventFail)
	if err != nil {
		return err
	}
	metrics.IngestionsTotal.WithLabelValues(string(model.StatusFailed)).Inc()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.statusTimeout())
	defer cancel()

	var errs []error
	for _, effect := range step.Effects {
		if err := p.run(sctx, documentID, effect, step.Next, nil, cause.Error()); err != nil {
			log.Error("[Processor] 执行失败迁移副作用出错", fmt.Errorf("%s: %w", effect, err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) statusTimeout() time.Duration {
	if p.cfg.StatusTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.cfg.StatusTimeoutSeconds) * time.Second
}

func (p *Processor) removeFile(ctx context.Context, doc *model.Document) {
	if doc.Path == "" {
		return
	}
	if err := p.files.Remove(context.WithoutCancel(ctx), doc.Path); err != nil {
		log.Warnf("[Processor] 删除临时文件失败, Path: %s, Error: %v", doc.Path, err)
	}
}
