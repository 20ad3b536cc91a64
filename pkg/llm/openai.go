package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"team-copilot-go/internal/config"
)

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StreamChatMessages calls /chat/completions with stream=true and forwards
// every content delta to onDelta.
func (c *openAIClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, onDelta DeltaFunc) error {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   true,
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: call chat api: %v", ErrStream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: chat api returned %s: %s", ErrStream, resp.Status, readErrorBody(resp))
	}

	sawFinish := false
	finished, err := readSSE(resp.Body, func(ev sseEvent) (bool, error) {
		if strings.TrimSpace(ev.data) == "[DONE]" {
			return true, nil
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(ev.data), &chunk); err != nil {
			// 兼容部分服务端发送的注释或心跳
			return false, nil
		}
		if chunk.Error != nil {
			return false, fmt.Errorf("%w: %s", ErrStream, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			return false, nil
		}
		if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason != "" {
			sawFinish = true
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if err := onDelta(content); err != nil {
				return false, err
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !finished && !sawFinish {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: stream ended before completion", ErrStream)
	}
	return nil
}
