package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/model"
)

var testLLMConfig = config.LLMConfig{
	Prompt: config.LLMPromptConfig{
		Rules:        "Answer only from the references.",
		RefStart:     "<<REF>>",
		RefEnd:       "<<END>>",
		NoResultText: "No supporting context found.",
	},
}

var testSession = &model.Session{Username: "alice", RequestID: "req-1"}

func newChat(search SearchService, l *scriptedLLM, degrade bool) ChatService {
	return NewChatService(search, l, testLLMConfig,
		config.RetrievalConfig{TopK: 5, DegradeOnError: degrade},
		config.ChatConfig{EventBuffer: 4})
}

func collect(t *testing.T, ch <-chan model.AnswerEvent) []model.AnswerEvent {
	t.Helper()
	var events []model.AnswerEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("answer stream did not close")
			return nil
		}
	}
}

func countLast(events []model.AnswerEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Last {
			n++
		}
	}
	return n
}

func TestAnswer_StreamsDeltasThenTerminal(t *testing.T) {
	search := &stubSearch{rc: &model.RetrievalContext{
		Results: []model.RetrievalResult{{ChunkText: "Badges come from facilities."}},
		Text:    "Badges come from facilities.",
	}}
	l := &scriptedLLM{deltas: []string{"Ask ", "", "facilities."}}

	events := collect(t, newChat(search, l, false).Answer(context.Background(), testSession, "Where do I get a badge?"))

	assert.Equal(t, []model.AnswerEvent{
		{Text: "Ask "},
		{Text: "facilities."},
		{Last: true},
	}, events)

	_, msgs := l.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Content, "Answer only from the references."))
	assert.Contains(t, msgs[0].Content, "<<REF>>\nBadges come from facilities.\n<<END>>")
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "Where do I get a badge?", msgs[1].Content)
}

func TestAnswer_EmptyCorpusUsesNoResultFraming(t *testing.T) {
	l := &scriptedLLM{deltas: []string{"I don't know."}}

	events := collect(t, newChat(&stubSearch{}, l, false).Answer(context.Background(), testSession, "q"))

	assert.Equal(t, 1, countLast(events))
	calls, msgs := l.snapshot()
	assert.Equal(t, 1, calls)
	assert.Contains(t, msgs[0].Content, "<<REF>>\nNo supporting context found.\n<<END>>")
}

func TestAnswer_FailureAfterTwoDeltas(t *testing.T) {
	l := &scriptedLLM{deltas: []string{"one ", "two "}, err: errors.New("connection reset")}

	events := collect(t, newChat(&stubSearch{}, l, false).Answer(context.Background(), testSession, "q"))

	require.Len(t, events, 3)
	assert.Equal(t, "one ", events[0].Text)
	assert.Equal(t, "two ", events[1].Text)
	assert.True(t, events[2].Last)
	assert.NotEmpty(t, events[2].Error)
	for _, ev := range events[:2] {
		assert.False(t, ev.Last)
		assert.Empty(t, ev.Error)
	}
}

func TestAnswer_CancellationStopsWithoutTerminal(t *testing.T) {
	l := &scriptedLLM{deltas: []string{"partial"}, waitForCancel: true, sent: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := newChat(&stubSearch{}, l, false).Answer(ctx, testSession, "q")

	first := <-ch
	assert.Equal(t, model.AnswerEvent{Text: "partial"}, first)
	<-l.sent
	cancel()

	rest := collect(t, ch)
	assert.Zero(t, countLast(rest))
}

func TestAnswer_RetrievalErrorIsTerminal(t *testing.T) {
	l := &scriptedLLM{deltas: []string{"should not run"}}
	search := &stubSearch{err: model.ErrRetrieval}

	events := collect(t, newChat(search, l, false).Answer(context.Background(), testSession, "q"))

	require.Len(t, events, 1)
	assert.True(t, events[0].Last)
	assert.NotEmpty(t, events[0].Error)
	calls, _ := l.snapshot()
	assert.Zero(t, calls)
}

func TestAnswer_RetrievalErrorDegrades(t *testing.T) {
	l := &scriptedLLM{deltas: []string{"answer"}}
	search := &stubSearch{err: model.ErrRetrieval}

	events := collect(t, newChat(search, l, true).Answer(context.Background(), nil, "q"))

	assert.Equal(t, []model.AnswerEvent{{Text: "answer"}, {Last: true}}, events)
	_, msgs := l.snapshot()
	assert.Contains(t, msgs[0].Content, "No supporting context found.")
}
