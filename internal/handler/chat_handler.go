package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"team-copilot-go/internal/middleware"
	"team-copilot-go/internal/model"
	"team-copilot-go/internal/service"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/token"
)

const emptyQuestionMessage = "问题不能为空"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责 SSE 与 WebSocket 两种问答入口。
type ChatHandler struct {
	chatService service.ChatService
	jwtManager  *token.JWTManager
	users       middleware.UserLookup
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, jwtManager *token.JWTManager, users middleware.UserLookup) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		jwtManager:  jwtManager,
		users:       users,
	}
}

// ChatRequest 是 SSE 问答接口的请求体。
type ChatRequest struct {
	Text string `json:"text"`
}

// Stream 以 text/event-stream 返回答案，每个事件一行 data。
// 客户端断开后请求 ctx 被取消，答案生产随之停止。
func (h *ChatHandler) Stream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		respond(c, http.StatusBadRequest, emptyQuestionMessage, nil)
		return
	}

	events := h.chatService.Answer(c.Request.Context(), middleware.SessionFrom(c), req.Text)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			log.Error("[ChatHandler] 序列化答案事件失败", err)
			continue
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", b); err != nil {
			log.Warnf("[ChatHandler] 写入 SSE 失败，客户端可能已断开: %v", err)
			return
		}
		c.Writer.Flush()
	}
}

// wsControl 是客户端发来的控制指令，目前只有 {"type":"stop"}。
type wsControl struct {
	Type string `json:"type"`
}

type wsStopAck struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// HandleWebSocket 处理 /chat/ws?token= 连接。每条文本消息是一个问题，
// 每个答案事件作为一个 JSON 文本帧发送。新问题会取消仍在进行的答案。
func (h *ChatHandler) HandleWebSocket(c *gin.Context) {
	sess, err := middleware.Authenticate(c.Request.Context(), h.jwtManager, h.users, c.Query("token"), middleware.RequestID(c))
	if errors.Is(err, model.ErrInvalidCredentials) {
		respond(c, http.StatusUnauthorized, "无效的 token", nil)
		return
	}
	if err != nil {
		log.Error("[ChatHandler] 查询用户失败", err)
		respond(c, http.StatusInternalServerError, "无法获取用户信息", nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("[ChatHandler] WebSocket 连接已建立，用户: %s", sess.Username)

	connCtx, cancelConn := context.WithCancel(c.Request.Context())
	defer cancelConn()

	s := &wsSession{conn: conn}
	defer s.stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		var ctrl wsControl
		if len(message) > 0 && message[0] == '{' && json.Unmarshal(message, &ctrl) == nil && ctrl.Type == "stop" {
			log.Infof("[ChatHandler] 收到停止指令，用户: %s", sess.Username)
			s.stop()
			_ = s.write(wsStopAck{Type: "stop", Message: "响应已停止", Timestamp: time.Now().UnixMilli()})
			continue
		}

		question := strings.TrimSpace(string(message))
		if question == "" {
			_ = s.write(model.AnswerEvent{Last: true, Error: emptyQuestionMessage})
			continue
		}

		s.stop()
		ctx, cancel := context.WithCancel(connCtx)
		s.start(ctx, cancel, h.chatService.Answer(ctx, sess, question))
	}
}

// wsSession 串行化一个连接上的写入，并追踪当前正在发送的答案。
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (s *wsSession) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSession) start(ctx context.Context, cancel context.CancelFunc, events <-chan model.AnswerEvent) {
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range events {
			// 取消后通道中剩余的事件直接丢弃
			if ctx.Err() != nil {
				continue
			}
			if err := s.write(ev); err != nil {
				cancel()
			}
		}
	}()
}

// stop 取消当前答案并等待转发 goroutine 退出，之后不会再有该答案的帧写出。
func (s *wsSession) stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
