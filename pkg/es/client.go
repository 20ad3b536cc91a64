// Package es 提供了基于 Elasticsearch dense_vector 的分块向量存储。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/model"
	"team-copilot-go/pkg/log"
)

// chunkDoc 是写入索引的文档结构。
type chunkDoc struct {
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkText  string    `json:"chunk_text"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// ChunkStore 把分块向量保存在一个 Elasticsearch 索引中。
type ChunkStore struct {
	client *elasticsearch.Client
	index  string
}

// NewChunkStore 创建客户端并确保索引存在。
func NewChunkStore(ctx context.Context, esCfg config.ElasticsearchConfig, dims int) (*ChunkStore, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	s := &ChunkStore{client: client, index: esCfg.IndexName}
	if err := s.createIndexIfNotExists(ctx, dims); err != nil {
		return nil, err
	}
	return s, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (s *ChunkStore) createIndexIfNotExists(ctx context.Context, dims int) error {
	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", s.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"document_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"chunk_text": { "type": "text" },
				"embedding": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, dims)

	res, err = s.client.Indices.Create(
		s.index,
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", s.index, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", s.index, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", s.index)
	return nil
}

func chunkDocID(documentID string, index int) string {
	return fmt.Sprintf("%s_%d", documentID, index)
}

// InsertChunks 先清掉旧分块，再以一次 bulk 请求写入。
// bulk 中任一条失败时删除该文档已写入的部分。
func (s *ChunkStore) InsertChunks(ctx context.Context, documentID string, chunks []model.DocumentChunk) error {
	if err := s.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range chunks {
		meta := map[string]map[string]string{"index": {"_id": chunkDocID(documentID, c.ChunkIndex)}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
		doc := chunkDoc{DocumentID: documentID, ChunkIndex: c.ChunkIndex, ChunkText: c.ChunkText, Embedding: c.Embedding}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
	}

	res, err := s.client.Bulk(&buf,
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.index),
		s.client.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("%w: bulk 请求失败: %w", model.ErrPersistence, err)
	}
	defer res.Body.Close()

	bulkErr := checkBulkResponse(res)
	if bulkErr == nil {
		return nil
	}
	log.Warnf("[ChunkStore] bulk 写入失败, 清理文档 %s 的残留分块: %v", documentID, bulkErr)
	if cerr := s.DeleteByDocument(context.WithoutCancel(ctx), documentID); cerr != nil {
		log.Error("[ChunkStore] 清理残留分块失败", cerr)
	}
	return fmt.Errorf("%w: %w", model.ErrPersistence, bulkErr)
}

func checkBulkResponse(res *esapi.Response) error {
	if res.IsError() {
		return fmt.Errorf("bulk 返回错误: %s", res.String())
	}
	var body struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if !body.Errors {
		return nil
	}
	for _, item := range body.Items {
		for _, r := range item {
			if r.Error != nil {
				return fmt.Errorf("bulk 条目失败: %s: %s", r.Error.Type, r.Error.Reason)
			}
		}
	}
	return errors.New("bulk 条目失败")
}

// NearestChunks 执行 kNN 查询。cosine 相似度下 ES 的 _score 为 (1+cos)/2，
// 这里换算回 1-cos 的距离。
func (s *ChunkStore) NearestChunks(ctx context.Context, vector []float32, k int) ([]model.RetrievalResult, error) {
	if k <= 0 {
		return nil, nil
	}
	numCandidates := k * 10
	if numCandidates < 100 {
		numCandidates = 100
	}
	query := map[string]interface{}{
		"size": k,
		"knn": map[string]interface{}{
			"field":          "embedding",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": numCandidates,
		},
		"_source": []string{"document_id", "chunk_index", "chunk_text"},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: kNN 查询失败: %w", model.ErrPersistence, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: kNN 查询返回错误: %s", model.ErrPersistence, res.String())
	}

	var esResp struct {
		Hits struct {
			Hits []struct {
				Score  float64  `json:"_score"`
				Source chunkDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResp); err != nil {
		return nil, fmt.Errorf("%w: 解析查询结果失败: %w", model.ErrPersistence, err)
	}

	results := make([]model.RetrievalResult, 0, len(esResp.Hits.Hits))
	for _, hit := range esResp.Hits.Hits {
		results = append(results, model.RetrievalResult{
			DocumentID: hit.Source.DocumentID,
			ChunkIndex: hit.Source.ChunkIndex,
			ChunkText:  hit.Source.ChunkText,
			Distance:   2 * (1 - hit.Score),
		})
	}
	return results, nil
}

func documentQuery(documentID string) io.Reader {
	body, _ := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"document_id": documentID},
		},
	})
	return bytes.NewReader(body)
}

// DeleteByDocument 删除该文档的全部分块。
func (s *ChunkStore) DeleteByDocument(ctx context.Context, documentID string) error {
	res, err := s.client.DeleteByQuery(
		[]string{s.index},
		documentQuery(documentID),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("%w: 删除分块失败: %w", model.ErrPersistence, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: 删除分块返回错误: %s", model.ErrPersistence, res.String())
	}
	return nil
}

// CountByDocument 返回该文档的分块数量。
func (s *ChunkStore) CountByDocument(ctx context.Context, documentID string) (int64, error) {
	res, err := s.client.Count(
		s.client.Count.WithContext(ctx),
		s.client.Count.WithIndex(s.index),
		s.client.Count.WithBody(documentQuery(documentID)),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: 统计分块失败: %w", model.ErrPersistence, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("%w: 统计分块返回错误: %s", model.ErrPersistence, res.String())
	}
	var body struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	return body.Count, nil
}
