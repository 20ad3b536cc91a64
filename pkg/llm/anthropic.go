package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"team-copilot-go/internal/config"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1024
)

type anthropicClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamChatMessages calls the Messages API with stream=true. System
// messages are lifted into the top-level system field.
func (c *anthropicClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, onDelta DeltaFunc) error {
	reqBody := anthropicRequest{
		Model:     c.cfg.Model,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	}
	for _, m := range messages {
		if m.Role == "system" {
			if reqBody.System != "" {
				reqBody.System += "\n\n"
			}
			reqBody.System += m.Content
			continue
		}
		reqBody.Messages = append(reqBody.Messages, m)
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		if gen.MaxTokens != nil {
			reqBody.MaxTokens = *gen.MaxTokens
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal messages request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create messages request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: call messages api: %v", ErrStream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: messages api returned %s: %s", ErrStream, resp.Status, readErrorBody(resp))
	}

	finished, err := readSSE(resp.Body, func(ev sseEvent) (bool, error) {
		var event anthropicEvent
		if err := json.Unmarshal([]byte(ev.data), &event); err != nil {
			return false, fmt.Errorf("%w: decode event %q: %v", ErrStream, ev.name, err)
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if err := onDelta(event.Delta.Text); err != nil {
					return false, err
				}
			}
		case "message_stop":
			return true, nil
		case "error":
			return false, fmt.Errorf("%w: %s: %s", ErrStream, event.Error.Type, event.Error.Message)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !finished {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: stream ended before message_stop", ErrStream)
	}
	return nil
}
