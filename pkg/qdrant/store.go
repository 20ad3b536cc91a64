// Package qdrant 提供了基于 Qdrant 的分块向量存储。
package qdrant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/model"
	"team-copilot-go/pkg/log"
)

// chunkNamespace 用于从 (document_id, chunk_index) 派生稳定的 point id。
var chunkNamespace = uuid.MustParse("6f1c2d1e-8a0b-4f7e-9c1a-2b3d4e5f6a7b")

// ChunkStore 把分块作为 point 存入一个 Qdrant 集合，payload 携带 document_id、chunk_index 和 chunk_text。
// 实现 repository.ChunkRepository。
type ChunkStore struct {
	client     *qdrant.Client
	collection string
}

// NewChunkStore 连接 Qdrant 并在集合不存在时按 cosine 距离创建。
func NewChunkStore(ctx context.Context, cfg config.QdrantConfig, dims int) (*ChunkStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, err
	}
	s := &ChunkStore{client: client, collection: cfg.Collection}

	exists, err := client.CollectionExists(ctx, s.collection)
	if err != nil {
		client.Close()
		return nil, err
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: &qdrant.VectorsConfig{
				Config: &qdrant.VectorsConfig_Params{
					Params: &qdrant.VectorParams{
						Size:     uint64(dims),
						Distance: qdrant.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create collection: %w", err)
		}
		log.Infof("Qdrant 集合 '%s' 创建成功", s.collection)
	}
	return s, nil
}

// Close 关闭底层 gRPC 连接。
func (s *ChunkStore) Close() error {
	return s.client.Close()
}

func pointID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", documentID, index))).String()
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID)},
	}
}

func buildPoints(documentID string, chunks []model.DocumentChunk) []*qdrant.PointStruct {
	pts := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		pts[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(documentID, c.ChunkIndex)),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"document_id": documentID,
				"chunk_index": int64(c.ChunkIndex),
				"chunk_text":  c.ChunkText,
			}),
		}
	}
	return pts
}

// InsertChunks 替换该文档的全部分块。Upsert 失败时回删已写入的点。
func (s *ChunkStore) InsertChunks(ctx context.Context, documentID string, chunks []model.DocumentChunk) error {
	if err := s.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         buildPoints(documentID, chunks),
	})
	if err == nil {
		return nil
	}
	log.Warnf("[ChunkStore] Qdrant upsert 失败, 清理文档 %s 的残留分块: %v", documentID, err)
	if cerr := s.DeleteByDocument(context.WithoutCancel(ctx), documentID); cerr != nil {
		log.Error("[ChunkStore] 清理残留分块失败", cerr)
	}
	return fmt.Errorf("%w: %w", model.ErrPersistence, err)
}

// NearestChunks 按 cosine 相似度查询，score 换算为 1-score 的距离。
func (s *ChunkStore) NearestChunks(ctx context.Context, vector []float32, k int) ([]model.RetrievalResult, error) {
	if k <= 0 {
		return nil, nil
	}
	limit := uint64(k)
	resp, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Limit:          &limit,
		Query:          qdrant.NewQuery(vector...),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: Qdrant 查询失败: %w", model.ErrPersistence, err)
	}

	results := make([]model.RetrievalResult, 0, len(resp))
	for _, p := range resp {
		results = append(results, resultFromPayload(p.Payload, p.Score))
	}
	return results, nil
}

func resultFromPayload(payload map[string]*qdrant.Value, score float32) model.RetrievalResult {
	r := model.RetrievalResult{Distance: 1 - float64(score)}
	if v, ok := payload["document_id"]; ok {
		r.DocumentID = v.GetStringValue()
	}
	if v, ok := payload["chunk_index"]; ok {
		r.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload["chunk_text"]; ok {
		r.ChunkText = v.GetStringValue()
	}
	return r
}

// DeleteByDocument 按 document_id 过滤删除。
func (s *ChunkStore) DeleteByDocument(ctx context.Context, documentID string) error {
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelectorFilter(documentFilter(documentID)),
	})
	if err != nil {
		return fmt.Errorf("%w: 删除分块失败: %w", model.ErrPersistence, err)
	}
	return nil
}

// CountByDocument 返回该文档当前的分块数，使用精确计数。
func (s *ChunkStore) CountByDocument(ctx context.Context, documentID string) (int64, error) {
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         documentFilter(documentID),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: 统计分块失败: %w", model.ErrPersistence, err)
	}
	return int64(n), nil
}
