// Package embedding provides a batch client for OpenAI-compatible embedding APIs.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"team-copilot-go/internal/config"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/metrics"
)

// Purpose tells providers that distinguish them whether texts are stored
// documents or search queries.
type Purpose string

const (
	PurposeDocument Purpose = "document"
	PurposeQuery    Purpose = "query"
)

// Client defines the interface for an embedding client.
// Embed returns exactly one vector per input, in input order. Callers must
// not pass more than BatchSize texts; use EmbedAll for larger inputs.
type Client interface {
	Embed(ctx context.Context, texts []string, purpose Purpose) ([][]float32, error)
	BatchSize() int
	Dimensions() int
}

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
	backoff time.Duration
}

// NewClient creates an embedding client for an OpenAI-compatible /embeddings endpoint.
func NewClient(cfg config.EmbeddingConfig) Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter: rate.NewLimiter(limit, 1),
		backoff: 500 * time.Millisecond,
	}
}

type embeddingRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	Dimensions     int      `json:"dimensions,omitempty"`
	InputType      string   `json:"input_type,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAICompatibleClient) BatchSize() int  { return c.cfg.BatchSize }
func (c *openAICompatibleClient) Dimensions() int { return c.cfg.Dimensions }

// Embed calls the API once (plus retries) for the whole batch.
func (c *openAICompatibleClient) Embed(ctx context.Context, texts []string, purpose Purpose) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > c.cfg.BatchSize {
		return nil, &Error{Err: fmt.Errorf("batch of %d exceeds limit %d", len(texts), c.cfg.BatchSize)}
	}

	reqBody := embeddingRequest{
		Model:          c.cfg.Model,
		Input:          texts,
		InputType:      c.inputType(purpose),
		EncodingFormat: "float",
	}
	if c.cfg.SendDimensions {
		reqBody.Dimensions = c.cfg.Dimensions
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("marshal embedding request: %w", err)}
	}

	var lastErr *Error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<uint(attempt-1))
			log.Warnf("[EmbeddingClient] 第 %d 次重试, 等待 %s, 上次错误: %v", attempt, wait, lastErr)
			select {
			case <-ctx.Done():
				return nil, &Error{Err: ctx.Err()}
			case <-time.After(wait):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Err: err}
		}

		vectors, callErr := c.call(ctx, payload, len(texts))
		if callErr == nil {
			metrics.EmbeddingRequestsTotal.WithLabelValues("success").Inc()
			return vectors, nil
		}
		metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
		lastErr = callErr
		if !callErr.Retryable || ctx.Err() != nil {
			break
		}
	}
	log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, model: %s, inputs: %d, error: %v", c.cfg.Model, len(texts), lastErr)
	return nil, lastErr
}

func (c *openAICompatibleClient) inputType(p Purpose) string {
	switch p {
	case PurposeDocument:
		return c.cfg.DocumentInputType
	case PurposeQuery:
		return c.cfg.QueryInputType
	}
	return ""
}

func (c *openAICompatibleClient) call(ctx context.Context, payload []byte, want int) ([][]float32, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("create embedding request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Retryable: ctx.Err() == nil, Err: fmt.Errorf("call embedding api: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        fmt.Errorf("embedding api returned %s: %s", resp.Status, bytes.TrimSpace(body)),
		}
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Err: fmt.Errorf("decode embedding response: %w", err)}
	}
	vectors, err := c.ordered(out, want)
	if err != nil {
		return nil, &Error{Err: err}
	}
	return vectors, nil
}

// ordered validates the response and arranges vectors by their index field.
func (c *openAICompatibleClient) ordered(out embeddingResponse, want int) ([][]float32, error) {
	if len(out.Data) != want {
		return nil, fmt.Errorf("malformed response: got %d embeddings for %d inputs", len(out.Data), want)
	}
	sort.SliceStable(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })

	vectors := make([][]float32, want)
	for i, d := range out.Data {
		if d.Index != i {
			return nil, fmt.Errorf("malformed response: unexpected index %d at position %d", d.Index, i)
		}
		if len(d.Embedding) == 0 || (c.cfg.Dimensions > 0 && len(d.Embedding) != c.cfg.Dimensions) {
			return nil, fmt.Errorf("malformed response: embedding %d has dimension %d, want %d", i, len(d.Embedding), c.cfg.Dimensions)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// EmbedAll splits texts into batches no larger than c.BatchSize(), embeds them
// sequentially and reassembles the vectors in input order. Any batch failure
// fails the whole call and no vectors are returned.
func EmbedAll(ctx context.Context, c Client, texts []string, purpose Purpose) ([][]float32, error) {
	size := c.BatchSize()
	if size <= 0 {
		size = len(texts)
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.Embed(ctx, texts[start:end], purpose)
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, &Error{Err: fmt.Errorf("malformed response: got %d embeddings for %d inputs", len(batch), end-start)}
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// ErrService is matched by every error returned from this package.
var ErrService = errors.New("embedding service failure")

// Error is the single typed failure surfaced by the embedding client.
type Error struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embedding: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("embedding: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrService }
