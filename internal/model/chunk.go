package model

// DocumentChunk 是文档的一个有界文本片段及其向量。
// (DocumentID, ChunkIndex) 在存储中唯一，ChunkIndex 反映抽取顺序。
type DocumentChunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	ChunkText  string
	Embedding  []float32
}

// RetrievalResult 是一次近邻查询命中的分块。
type RetrievalResult struct {
	DocumentID string  `json:"documentId"`
	ChunkIndex int     `json:"chunkIndex"`
	ChunkText  string  `json:"chunkText"`
	Distance   float64 `json:"distance"`
}

// RetrievalContext 是检索阶段的产物：按距离升序的结果和拼接后的上下文文本。
type RetrievalContext struct {
	Results []RetrievalResult
	Text    string
}

// Empty 报告是否没有可用的上下文。
func (c *RetrievalContext) Empty() bool {
	return c == nil || len(c.Results) == 0
}
