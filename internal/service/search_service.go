package service

import (
	"context"
	"fmt"
	"strings"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/model"
	"team-copilot-go/internal/repository"
	"team-copilot-go/pkg/embedding"
	"team-copilot-go/pkg/log"
)

// SearchService 定义了检索操作的接口。
type SearchService interface {
	AnswerContext(ctx context.Context, question string, k int) (*model.RetrievalContext, error)
}

type searchService struct {
	embedder embedding.Client
	chunks   repository.ChunkRepository
	cfg      config.RetrievalConfig
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embedder embedding.Client, chunks repository.ChunkRepository, cfg config.RetrievalConfig) SearchService {
	return &searchService{embedder: embedder, chunks: chunks, cfg: cfg}
}

// AnswerContext 将问题向量化，查询最近的 k 个分块，并按相似度排名拼接为上下文。
// k<=0 时使用配置的 top_k。失败时返回空上下文与包装后的 model.ErrRetrieval，由调用方决定如何处理。
func (s *searchService) AnswerContext(ctx context.Context, question string, k int) (*model.RetrievalContext, error) {
	if k <= 0 {
		k = s.cfg.TopK
	}
	empty := &model.RetrievalContext{}

	vectors, err := s.embedder.Embed(ctx, []string{question}, embedding.PurposeQuery)
	if err != nil {
		return empty, fmt.Errorf("%w: 问题向量化失败: %w", model.ErrRetrieval, err)
	}
	if len(vectors) != 1 {
		return empty, fmt.Errorf("%w: 问题向量化返回 %d 个向量", model.ErrRetrieval, len(vectors))
	}

	results, err := s.chunks.NearestChunks(ctx, vectors[0], k)
	if err != nil {
		return empty, fmt.Errorf("%w: %w", model.ErrRetrieval, err)
	}
	if len(results) > k {
		results = results[:k]
	}
	log.Infof("[SearchService] 检索完成, topK: %d, 命中: %d", k, len(results))
	if len(results) == 0 {
		return empty, nil
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.ChunkText
	}
	return &model.RetrievalContext{
		Results: results,
		Text:    strings.Join(texts, s.delimiter()),
	}, nil
}

func (s *searchService) delimiter() string {
	if s.cfg.Delimiter == "" {
		return "\n\n----\n\n"
	}
	return s.cfg.Delimiter
}
