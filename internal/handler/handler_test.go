package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/middleware"
	"team-copilot-go/internal/model"
	"team-copilot-go/internal/service"
	"team-copilot-go/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeChat struct {
	answer func(ctx context.Context, sess *model.Session, question string) <-chan model.AnswerEvent
}

func (f *fakeChat) Answer(ctx context.Context, sess *model.Session, question string) <-chan model.AnswerEvent {
	return f.answer(ctx, sess, question)
}

func closedEvents(events ...model.AnswerEvent) <-chan model.AnswerEvent {
	ch := make(chan model.AnswerEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

type fakeDocService struct {
	uploadErr error
	deleteErr error
	getErr    error
	uploaded  []byte
	name      string
}

func (f *fakeDocService) Upload(_ context.Context, _ *model.Session, name string, file io.Reader, _ int64) (*model.Document, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.name = name
	f.uploaded, _ = io.ReadAll(file)
	return &model.Document{ID: "doc-1", Name: name, Status: model.StatusPending}, nil
}

func (f *fakeDocService) List(context.Context) ([]model.DocumentDTO, error) {
	return []model.DocumentDTO{{ID: "doc-1", Name: "handbook", Status: model.StatusCompleted}}, nil
}

func (f *fakeDocService) Get(_ context.Context, id string) (*model.DocumentDTO, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &model.DocumentDTO{ID: id, Status: model.StatusProcessing}, nil
}

func (f *fakeDocService) Delete(context.Context, *model.Session, string) error {
	return f.deleteErr
}

var _ service.DocumentService = (*fakeDocService)(nil)

func withSession(c *gin.Context) {
	middleware.SetSession(c, &model.Session{Username: "alice", Staff: true, RequestID: "req-1"})
	c.Next()
}

func decodeEnvelope(t *testing.T, body []byte) (int, map[string]interface{}) {
	t.Helper()
	var env struct {
		Code int                    `json:"code"`
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	return env.Code, env.Data
}

func TestChatStream_FramesEvents(t *testing.T) {
	var gotQuestion string
	chat := &fakeChat{answer: func(_ context.Context, sess *model.Session, q string) <-chan model.AnswerEvent {
		gotQuestion = q
		assert.Equal(t, "alice", sess.Username)
		return closedEvents(model.AnswerEvent{Text: "Hel"}, model.AnswerEvent{Text: "lo"}, model.AnswerEvent{Last: true})
	}}
	r := gin.New()
	r.POST("/api/v1/chat", withSession, NewChatHandler(chat, nil, nil).Stream)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"text":"hi?"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hi?", gotQuestion)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t,
		"data: {\"text\":\"Hel\",\"last\":false}\n\n"+
			"data: {\"text\":\"lo\",\"last\":false}\n\n"+
			"data: {\"text\":\"\",\"last\":true}\n\n",
		w.Body.String())
}

func TestChatStream_ErrorEvent(t *testing.T) {
	chat := &fakeChat{answer: func(context.Context, *model.Session, string) <-chan model.AnswerEvent {
		return closedEvents(model.AnswerEvent{Last: true, Error: "检索知识库失败，请稍后重试"})
	}}
	r := gin.New()
	r.POST("/api/v1/chat", withSession, NewChatHandler(chat, nil, nil).Stream)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"text":"q"}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, "data: {\"text\":\"\",\"last\":true,\"error\":\"检索知识库失败，请稍后重试\"}\n\n", w.Body.String())
}

func TestChatStream_EmptyQuestion(t *testing.T) {
	chat := &fakeChat{answer: func(context.Context, *model.Session, string) <-chan model.AnswerEvent {
		t.Fatal("Answer must not be called for an empty question")
		return nil
	}}
	r := gin.New()
	r.POST("/api/v1/chat", withSession, NewChatHandler(chat, nil, nil).Stream)

	for _, body := range []string{`{"text":"   "}`, `{}`, `not json`} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

// lookupUsers 是按用户名索引的账号表。
type lookupUsers map[string]*model.User

func (u lookupUsers) FindByUsername(_ context.Context, username string) (*model.User, error) {
	if user, ok := u[username]; ok {
		return user, nil
	}
	return nil, model.ErrUserNotFound
}

func wsUsers() lookupUsers {
	return lookupUsers{
		"bob": {ID: "u-2", Username: "bob", Enabled: true},
		"eve": {ID: "u-5", Username: "eve", Enabled: false},
	}
}

func newWSServer(t *testing.T, chat service.ChatService) (*httptest.Server, *token.JWTManager) {
	t.Helper()
	jwtManager := token.NewJWTManager("secret", 1, 7)
	r := gin.New()
	r.GET("/chat/ws", NewChatHandler(chat, jwtManager, wsUsers()).HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, jwtManager
}

func dialWS(t *testing.T, srv *httptest.Server, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestWebSocket_AnswersQuestions(t *testing.T) {
	chat := &fakeChat{answer: func(_ context.Context, sess *model.Session, q string) <-chan model.AnswerEvent {
		return closedEvents(model.AnswerEvent{Text: sess.Username + ":" + q}, model.AnswerEvent{Last: true})
	}}
	srv, jwtManager := newWSServer(t, chat)
	tok, err := jwtManager.GenerateToken("bob", false)
	require.NoError(t, err)
	conn := dialWS(t, srv, tok)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("what is RAG?")))

	var ev model.AnswerEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.AnswerEvent{Text: "bob:what is RAG?"}, ev)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.True(t, ev.Last)
	assert.Empty(t, ev.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("  ")))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.AnswerEvent{Last: true, Error: emptyQuestionMessage}, ev)
}

func TestWebSocket_StopCancelsRunningAnswer(t *testing.T) {
	cancelled := make(chan struct{})
	chat := &fakeChat{answer: func(ctx context.Context, _ *model.Session, _ string) <-chan model.AnswerEvent {
		out := make(chan model.AnswerEvent)
		go func() {
			defer close(out)
			<-ctx.Done()
			close(cancelled)
		}()
		return out
	}}
	srv, jwtManager := newWSServer(t, chat)
	tok, err := jwtManager.GenerateToken("bob", false)
	require.NoError(t, err)
	conn := dialWS(t, srv, tok)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("long question")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	var ack wsStopAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "stop", ack.Type)
	assert.Equal(t, "响应已停止", ack.Message)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("answer context was not cancelled")
	}
}

func TestWebSocket_NewQuestionCancelsPrevious(t *testing.T) {
	firstCancelled := make(chan struct{})
	chat := &fakeChat{answer: func(ctx context.Context, _ *model.Session, q string) <-chan model.AnswerEvent {
		if q != "first" {
			return closedEvents(model.AnswerEvent{Text: q}, model.AnswerEvent{Last: true})
		}
		out := make(chan model.AnswerEvent)
		go func() {
			defer close(out)
			<-ctx.Done()
			close(firstCancelled)
		}()
		return out
	}}
	srv, jwtManager := newWSServer(t, chat)
	tok, err := jwtManager.GenerateToken("bob", false)
	require.NoError(t, err)
	conn := dialWS(t, srv, tok)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("first")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("second")))

	var ev model.AnswerEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "second", ev.Text)
	<-firstCancelled
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	srv, _ := newWSServer(t, &fakeChat{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_RejectsDisabledUser(t *testing.T) {
	srv, jwtManager := newWSServer(t, &fakeChat{})
	for _, name := range []string{"eve", "mallory"} {
		tok, err := jwtManager.GenerateToken(name, true)
		require.NoError(t, err)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws?token=" + tok
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err, name)
		require.NotNil(t, resp, name)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
	}
}

func multipartUpload(t *testing.T, name string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", name))
	fw, err := mw.CreateFormFile("file", "upload.pdf")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newDocRouter(docs service.DocumentService) *gin.Engine {
	h := NewDocumentHandler(docs, 1)
	r := gin.New()
	g := r.Group("/api/v1/documents", withSession)
	g.POST("", h.Upload)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	return r
}

func TestDocumentUpload_Accepted(t *testing.T) {
	docs := &fakeDocService{}
	w := httptest.NewRecorder()
	newDocRouter(docs).ServeHTTP(w, multipartUpload(t, "Handbook", []byte("%PDF-1.4 body")))

	require.Equal(t, http.StatusAccepted, w.Code)
	code, data := decodeEnvelope(t, w.Body.Bytes())
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "doc-1", data["document_id"])
	assert.Equal(t, "pending", data["document_status"])
	assert.Equal(t, "Handbook", docs.name)
	assert.Equal(t, []byte("%PDF-1.4 body"), docs.uploaded)
}

func TestDocumentUpload_ErrorMapping(t *testing.T) {
	docs := &fakeDocService{uploadErr: fmt.Errorf("%w: 仅支持 PDF 文件", model.ErrInvalidDocument)}
	w := httptest.NewRecorder()
	newDocRouter(docs).ServeHTTP(w, multipartUpload(t, "x", []byte("plain")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	docs.uploadErr = fmt.Errorf("%w: disk full", model.ErrPersistence)
	w = httptest.NewRecorder()
	newDocRouter(docs).ServeHTTP(w, multipartUpload(t, "x", []byte("%PDF")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk full")
}

func TestDocumentUpload_MissingFile(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader("name=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	newDocRouter(&fakeDocService{}).ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentUpload_TooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	newDocRouter(&fakeDocService{}).ServeHTTP(w, multipartUpload(t, "big", bytes.Repeat([]byte("a"), 3<<20)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestDocumentGetAndDelete_ErrorMapping(t *testing.T) {
	docs := &fakeDocService{
		getErr:    fmt.Errorf("%w: id=x", model.ErrDocumentNotFound),
		deleteErr: model.ErrDocumentLocked,
	}
	r := newDocRouter(docs)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents/x", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/x", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	docs.deleteErr = nil
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDocumentList(t *testing.T) {
	w := httptest.NewRecorder()
	newDocRouter(&fakeDocService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"handbook"`)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
}

type fakeAuth struct{}

func (fakeAuth) Login(_ context.Context, username, password string) (*model.TokenPair, error) {
	if username == "alice" && password == "pw" {
		return &model.TokenPair{AccessToken: "a", RefreshToken: "r"}, nil
	}
	return nil, model.ErrInvalidCredentials
}

func (fakeAuth) RefreshToken(_ context.Context, refreshToken string) (*model.TokenPair, error) {
	if refreshToken == "r" {
		return &model.TokenPair{AccessToken: "a2", RefreshToken: "r2"}, nil
	}
	return nil, model.ErrInvalidCredentials
}

func TestAuthHandler(t *testing.T) {
	h := NewAuthHandler(fakeAuth{})
	r := gin.New()
	r.POST("/login", h.Login)
	r.POST("/refresh", h.RefreshToken)

	cases := []struct {
		path, body string
		want       int
	}{
		{"/login", `{"username":"alice","password":"pw"}`, http.StatusOK},
		{"/login", `{"username":"alice","password":"nope"}`, http.StatusUnauthorized},
		{"/login", `{"username":"alice"}`, http.StatusBadRequest},
		{"/refresh", `{"refreshToken":"r"}`, http.StatusOK},
		{"/refresh", `{"refreshToken":"bad"}`, http.StatusUnauthorized},
		{"/refresh", `{}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.want, w.Code, tc.path+" "+tc.body)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	r := gin.New()
	ok := NewHealthHandler(fakePinger{})
	down := NewHealthHandler(fakePinger{err: fmt.Errorf("connection refused")})
	r.GET("/health/app", ok.App)
	r.GET("/health/db", ok.DB)
	r.GET("/health/db-down", down.DB)

	for path, want := range map[string]int{
		"/health/app":     http.StatusOK,
		"/health/db":      http.StatusOK,
		"/health/db-down": http.StatusServiceUnavailable,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}

type fakeUserService struct {
	users map[string]model.UserDTO
}

func (f *fakeUserService) Me(_ context.Context, sess *model.Session) (*model.UserDTO, error) {
	if sess == nil {
		return nil, model.ErrInvalidCredentials
	}
	for _, u := range f.users {
		if u.Username == sess.Username {
			return &u, nil
		}
	}
	return nil, model.ErrUserNotFound
}

func (f *fakeUserService) List(context.Context) ([]model.UserDTO, error) {
	out := make([]model.UserDTO, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeUserService) Get(_ context.Context, id string) (*model.UserDTO, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return &u, nil
}

func (f *fakeUserService) Create(_ context.Context, in service.CreateUserInput) (*model.UserDTO, error) {
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: 密码长度不能少于 8 个字符", model.ErrInvalidUser)
	}
	for _, u := range f.users {
		if u.Username == in.Username {
			return nil, model.ErrUserExists
		}
	}
	u := model.UserDTO{ID: "u-new", Username: in.Username, Staff: in.Staff, Enabled: in.Enabled}
	f.users[u.ID] = u
	return &u, nil
}

func (f *fakeUserService) Delete(_ context.Context, sess *model.Session, id string) error {
	if sess != nil && sess.Username == f.users[id].Username {
		return fmt.Errorf("%w: 不能删除当前登录的账号", model.ErrInvalidUser)
	}
	if _, ok := f.users[id]; !ok {
		return model.ErrUserNotFound
	}
	delete(f.users, id)
	return nil
}

func (f *fakeUserService) EnsureUsers(context.Context, []config.AuthUser) error { return nil }

var _ service.UserService = (*fakeUserService)(nil)

func newUserRouter() (*gin.Engine, *fakeUserService) {
	users := &fakeUserService{users: map[string]model.UserDTO{
		"u-1": {ID: "u-1", Username: "alice", Staff: true, Enabled: true},
		"u-2": {ID: "u-2", Username: "bob", Enabled: true},
	}}
	h := NewUserHandler(users)
	r := gin.New()
	g := r.Group("/api/v1/users", withSession)
	g.GET("/me", h.Me)
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	return r, users
}

func TestUserHandler_Me(t *testing.T) {
	r, _ := newUserRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil))

	require.Equal(t, http.StatusOK, w.Code)
	_, data := decodeEnvelope(t, w.Body.Bytes())
	assert.Equal(t, "u-1", data["id"])
	assert.Equal(t, true, data["staff"])
	assert.NotContains(t, w.Body.String(), "password")
}

func TestUserHandler_ListAndGet(t *testing.T) {
	r, _ := newUserRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"bob"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/u-2", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/u-9", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserHandler_Create(t *testing.T) {
	r, users := newUserRouter()

	cases := []struct {
		body string
		want int
	}{
		{`{"username":"carol","password":"longenough"}`, http.StatusCreated},
		{`{"username":"bob","password":"longenough"}`, http.StatusConflict},
		{`{"username":"dave","password":"short"}`, http.StatusBadRequest},
		{`{"username":"dave"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/users", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.want, w.Code, tc.body)
	}
	assert.True(t, users.users["u-new"].Enabled, "未指定 enabled 时默认启用")
}

func TestUserHandler_Delete(t *testing.T) {
	r, users := newUserRouter()

	for path, want := range map[string]int{
		"/api/v1/users/u-1": http.StatusBadRequest,
		"/api/v1/users/u-9": http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, want, w.Code, path)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/users/u-2", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, users.users, "u-2")
}
