// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/model"
	"team-copilot-go/pkg/llm"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/metrics"
)

const (
	retrievalFailedMessage  = "检索知识库失败，请稍后重试"
	generationFailedMessage = "生成回答时出错，回答不完整，请稍后重试"
)

// ChatService 定义了问答操作的接口。
type ChatService interface {
	// Answer 立即返回一个事件通道，答案在后台 goroutine 中生成。
	// 通道在答案结束或 ctx 取消后关闭；ctx 取消后不会再发出任何事件。
	Answer(ctx context.Context, sess *model.Session, question string) <-chan model.AnswerEvent
}

type chatService struct {
	searchService SearchService
	llmClient     llm.Client
	prompt        config.LLMPromptConfig
	gen           *llm.GenerationParams
	degrade       bool
	buffer        int
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(searchService SearchService, llmClient llm.Client, llmCfg config.LLMConfig, retrievalCfg config.RetrievalConfig, chatCfg config.ChatConfig) ChatService {
	buffer := chatCfg.EventBuffer
	if buffer <= 0 {
		buffer = 16
	}
	return &chatService{
		searchService: searchService,
		llmClient:     llmClient,
		prompt:        llmCfg.Prompt,
		gen:           llm.GenerationFromConfig(llmCfg.Generation),
		degrade:       retrievalCfg.DegradeOnError,
		buffer:        buffer,
	}
}

func (s *chatService) Answer(ctx context.Context, sess *model.Session, question string) <-chan model.AnswerEvent {
	out := make(chan model.AnswerEvent, s.buffer)
	go s.produce(ctx, sess, question, out)
	return out
}

// produce 协调 RAG 流程：检索上下文，构建提示，流式转发模型输出。
func (s *chatService) produce(ctx context.Context, sess *model.Session, question string, out chan<- model.AnswerEvent) {
	defer close(out)

	emit := func(ev model.AnswerEvent) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	who, requestID := sessionFields(sess)

	// 1. 检索上下文
	rc, err := s.searchService.AnswerContext(ctx, question, 0)
	if err != nil {
		if ctx.Err() != nil {
			s.cancelled(who, requestID)
			return
		}
		if !s.degrade {
			log.Error("[ChatService] 检索失败, 终止回答", err)
			metrics.AnswersTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			emit(model.AnswerEvent{Last: true, Error: retrievalFailedMessage})
			return
		}
		log.Warnf("[ChatService] 检索失败, 以无上下文方式继续: %v", err)
		rc = &model.RetrievalContext{}
	}

	// 2. 构建 system 与 user 消息
	messages := s.composeMessages(s.buildSystemMessage(rc), question)

	// 3. 流式调用大模型，每个非空增量转为一个事件
	var llmMsgs []llm.Message
	for _, m := range messages {
		llmMsgs = append(llmMsgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	err = s.llmClient.StreamChatMessages(ctx, llmMsgs, s.gen, func(delta string) error {
		if delta == "" {
			return nil
		}
		if !emit(model.AnswerEvent{Text: delta}) {
			return ctx.Err()
		}
		return nil
	})
	if ctx.Err() != nil {
		s.cancelled(who, requestID)
		return
	}
	if err != nil {
		log.Errorw("[ChatService] 模型流式输出失败",
			"user", who, "requestId", requestID, "error", fmt.Errorf("%w: %w", model.ErrGeneration, err))
		metrics.AnswersTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		emit(model.AnswerEvent{Last: true, Error: generationFailedMessage})
		return
	}

	if emit(model.AnswerEvent{Last: true}) {
		metrics.AnswersTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
		log.Infow("[ChatService] 回答完成", "user", who, "requestId", requestID, "contextChunks", len(rc.Results))
		return
	}
	s.cancelled(who, requestID)
}

func (s *chatService) cancelled(who, requestID string) {
	metrics.AnswersTotal.WithLabelValues(metrics.OutcomeCancelled).Inc()
	log.Infow("[ChatService] 回答已取消", "user", who, "requestId", requestID)
}

func sessionFields(sess *model.Session) (string, string) {
	if sess == nil {
		return "", ""
	}
	return sess.Username, sess.RequestID
}

func (s *chatService) buildSystemMessage(rc *model.RetrievalContext) string {
	refStart := s.prompt.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := s.prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}
	var sys strings.Builder
	if s.prompt.Rules != "" {
		sys.WriteString(s.prompt.Rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if !rc.Empty() {
		sys.WriteString(rc.Text)
	} else {
		noRes := s.prompt.NoResultText
		if noRes == "" {
			noRes = "（本轮无检索结果）"
		}
		sys.WriteString(noRes)
	}
	sys.WriteString("\n")
	sys.WriteString(refEnd)
	return sys.String()
}

func (s *chatService) composeMessages(systemMsg string, question string) []model.ChatMessage {
	return []model.ChatMessage{
		{Role: "system", Content: systemMsg},
		{Role: "user", Content: question},
	}
}
