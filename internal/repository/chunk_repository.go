package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"team-copilot-go/internal/model"
)

// ChunkRepository 定义了分块向量的存储与近邻查询接口。
// InsertChunks 必须是全有或全无的：失败时该文档不留下任何分块。
// NearestChunks 按余弦距离升序返回至多 k 条结果。
type ChunkRepository interface {
	InsertChunks(ctx context.Context, documentID string, chunks []model.DocumentChunk) error
	NearestChunks(ctx context.Context, vector []float32, k int) ([]model.RetrievalResult, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	CountByDocument(ctx context.Context, documentID string) (int64, error)
}

// chunkRecord 对应 document_chunks 表。
type chunkRecord struct {
	ID         string          `gorm:"type:uuid;primaryKey"`
	DocumentID string          `gorm:"type:uuid;not null"`
	ChunkIndex int             `gorm:"not null"`
	ChunkText  string          `gorm:"type:text;not null"`
	Embedding  pgvector.Vector `gorm:"type:vector;not null"`
}

func (chunkRecord) TableName() string {
	return "document_chunks"
}

const insertBatchSize = 100

type pgvectorChunkRepository struct {
	db *gorm.DB
}

// NewPgvectorChunkRepository 创建基于 PostgreSQL + pgvector 的 ChunkRepository。
func NewPgvectorChunkRepository(db *gorm.DB) *pgvectorChunkRepository {
	return &pgvectorChunkRepository{db: db}
}

// InsertChunks 在一个事务中替换该文档的全部分块。
func (r *pgvectorChunkRepository) InsertChunks(ctx context.Context, documentID string, chunks []model.DocumentChunk) error {
	records := make([]chunkRecord, 0, len(chunks))
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		records = append(records, chunkRecord{
			ID:         id,
			DocumentID: documentID,
			ChunkIndex: c.ChunkIndex,
			ChunkText:  c.ChunkText,
			Embedding:  pgvector.NewVector(c.Embedding),
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&chunkRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("%w: 批量保存分块失败: %w", model.ErrPersistence, err)
	}
	return nil
}

// NearestChunks 使用 <=> (cosine distance) 查询最近的 k 个分块。
func (r *pgvectorChunkRepository) NearestChunks(ctx context.Context, vector []float32, k int) ([]model.RetrievalResult, error) {
	if k <= 0 {
		return nil, nil
	}
	query := pgvector.NewVector(vector)

	var rows []struct {
		DocumentID string
		ChunkIndex int
		ChunkText  string
		Distance   float64
	}
	err := r.db.WithContext(ctx).Raw(
		`SELECT document_id, chunk_index, chunk_text, embedding <=> ? AS distance
		   FROM document_chunks
		  ORDER BY embedding <=> ?, document_id, chunk_index
		  LIMIT ?`, query, query, k).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: 近邻查询失败: %w", model.ErrPersistence, err)
	}

	results := make([]model.RetrievalResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, model.RetrievalResult{
			DocumentID: row.DocumentID,
			ChunkIndex: row.ChunkIndex,
			ChunkText:  row.ChunkText,
			Distance:   row.Distance,
		})
	}
	return results, nil
}

// DeleteByDocument 删除该文档的全部分块。
func (r *pgvectorChunkRepository) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&chunkRecord{}).Error; err != nil {
		return fmt.Errorf("%w: 删除分块失败: %w", model.ErrPersistence, err)
	}
	return nil
}

// CountByDocument 返回该文档的分块数量。
func (r *pgvectorChunkRepository) CountByDocument(ctx context.Context, documentID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&chunkRecord{}).Where("document_id = ?", documentID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("%w: 统计分块失败: %w", model.ErrPersistence, err)
	}
	return n, nil
}

// CheckDimensions 确认 embedding 列的维度与配置一致。
// pgvector 把维度保存在 atttypmod 中。
func (r *pgvectorChunkRepository) CheckDimensions(ctx context.Context, dims int) error {
	var typmod int
	err := r.db.WithContext(ctx).Raw(
		`SELECT atttypmod FROM pg_attribute
		  WHERE attrelid = 'document_chunks'::regclass AND attname = 'embedding'`).Scan(&typmod).Error
	if err != nil {
		return fmt.Errorf("读取 embedding 列定义失败: %w", err)
	}
	if typmod != dims {
		return fmt.Errorf("embedding 列维度为 %d, 而配置的 embedding.dimensions 为 %d", typmod, dims)
	}
	return nil
}
