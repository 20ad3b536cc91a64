// Package llm provides streaming clients for chat language models.
package llm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"team-copilot-go/internal/config"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为，nil 字段使用服务端默认值。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// DeltaFunc receives each incremental text delta. Returning an error aborts
// the stream and closes the upstream connection.
type DeltaFunc func(delta string) error

// Client defines the interface for a streaming LLM client.
// StreamChatMessages returns nil only after the provider signalled the end
// of the stream.
type Client interface {
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, onDelta DeltaFunc) error
}

// ErrStream marks failures reported by, or while reading, the model stream.
var ErrStream = errors.New("llm stream failure")

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(cfg config.LLMConfig) Client {
	httpClient := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	switch cfg.Provider {
	case "anthropic":
		return &anthropicClient{cfg: cfg, client: httpClient}
	default:
		return &openAIClient{cfg: cfg, client: httpClient}
	}
}

// GenerationFromConfig 将配置中的非零值转换为生成参数。
func GenerationFromConfig(cfg config.LLMGenerationConfig) *GenerationParams {
	var gp GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		gp.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}

// sseEvent is one server-sent event: an optional event name and its data.
type sseEvent struct {
	name string
	data string
}

// readSSE reads server-sent events from r and hands each to fn. It stops at
// EOF or when fn returns done=true.
func readSSE(r io.Reader, fn func(ev sseEvent) (done bool, err error)) (finished bool, err error) {
	reader := bufio.NewReader(r)
	var ev sseEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("%w: read stream: %v", ErrStream, err)
		}
		eof := err != nil
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// 空行分隔事件
			if ev.data != "" {
				done, ferr := fn(ev)
				if ferr != nil || done {
					return done, ferr
				}
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if ev.data != "" {
				ev.data += "\n"
			}
			ev.data += data
		}

		if eof {
			if ev.data != "" {
				return fn(ev)
			}
			return false, nil
		}
	}
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return strings.TrimSpace(string(body))
}
