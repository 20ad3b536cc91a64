package service

import (
	"context"
	"sort"
	"sync"

	"team-copilot-go/internal/model"
	"team-copilot-go/pkg/embedding"
	"team-copilot-go/pkg/llm"
)

type stubEmbedder struct {
	err      error
	purposes []embedding.Purpose
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string, purpose embedding.Purpose) ([][]float32, error) {
	e.purposes = append(e.purposes, purpose)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *stubEmbedder) BatchSize() int  { return 8 }
func (e *stubEmbedder) Dimensions() int { return 3 }

type stubChunks struct {
	results []model.RetrievalResult
	err     error
	gotK    int
}

func (c *stubChunks) InsertChunks(context.Context, string, []model.DocumentChunk) error { return nil }
func (c *stubChunks) DeleteByDocument(context.Context, string) error                  { return nil }
func (c *stubChunks) CountByDocument(context.Context, string) (int64, error)          { return 0, nil }

func (c *stubChunks) NearestChunks(_ context.Context, _ []float32, k int) ([]model.RetrievalResult, error) {
	c.gotK = k
	if c.err != nil {
		return nil, c.err
	}
	if len(c.results) > k {
		return c.results[:k], nil
	}
	return c.results, nil
}

type stubSearch struct {
	rc  *model.RetrievalContext
	err error
}

func (s *stubSearch) AnswerContext(context.Context, string, int) (*model.RetrievalContext, error) {
	if s.rc == nil {
		return &model.RetrievalContext{}, s.err
	}
	return s.rc, s.err
}

// scriptedLLM 依次输出 deltas，然后返回 err；waitForCancel 时在输出后阻塞到 ctx 取消。
type scriptedLLM struct {
	mu            sync.Mutex
	deltas        []string
	err           error
	waitForCancel bool
	sent          chan struct{}
	calls         int
	messages      []llm.Message
}

func (l *scriptedLLM) StreamChatMessages(ctx context.Context, messages []llm.Message, _ *llm.GenerationParams, onDelta llm.DeltaFunc) error {
	l.mu.Lock()
	l.calls++
	l.messages = messages
	l.mu.Unlock()

	for _, d := range l.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	if l.sent != nil {
		close(l.sent)
	}
	if l.waitForCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	return l.err
}

func (l *scriptedLLM) snapshot() (int, []llm.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls, l.messages
}

// memUsers 是内存版 UserRepository。
type memUsers struct {
	mu    sync.Mutex
	byID  map[string]*model.User
	fails error
}

func newMemUsers(users ...*model.User) *memUsers {
	m := &memUsers{byID: map[string]*model.User{}}
	for _, u := range users {
		m.byID[u.ID] = u
	}
	return m
}

func (m *memUsers) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails != nil {
		return m.fails
	}
	for _, u := range m.byID {
		if u.Username == user.Username {
			return model.ErrUserExists
		}
	}
	cp := *user
	m.byID[user.ID] = &cp
	return nil
}

func (m *memUsers) FindByUsername(_ context.Context, username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails != nil {
		return nil, m.fails
	}
	for _, u := range m.byID {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.ErrUserNotFound
}

func (m *memUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindAll(context.Context) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.User, 0, len(m.byID))
	for _, u := range m.byID {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *memUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return model.ErrUserNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memUsers) setEnabled(username string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == username {
			u.Enabled = enabled
		}
	}
}
