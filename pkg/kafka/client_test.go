package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"team-copilot-go/internal/config"
	"team-copilot-go/pkg/tasks"
)

type recordingProcessor struct {
	got []tasks.IngestTask
	err error
}

func (p *recordingProcessor) Process(_ context.Context, task tasks.IngestTask) error {
	p.got = append(p.got, task)
	return p.err
}

func TestHandleMessage_DecodesTask(t *testing.T) {
	p := &recordingProcessor{}
	handleMessage(context.Background(), p, []byte(`{"document_id":"doc-1","request_id":"req-9"}`))
	assert.Equal(t, []tasks.IngestTask{{DocumentID: "doc-1", RequestID: "req-9"}}, p.got)
}

func TestHandleMessage_SkipsMalformed(t *testing.T) {
	p := &recordingProcessor{}
	handleMessage(context.Background(), p, []byte(`not json`))
	handleMessage(context.Background(), p, []byte(`{}`))
	assert.Empty(t, p.got)
}

func TestHandleMessage_ProcessorErrorIsSwallowed(t *testing.T) {
	p := &recordingProcessor{err: errors.New("boom")}
	handleMessage(context.Background(), p, []byte(`{"document_id":"doc-1"}`))
	assert.Len(t, p.got, 1)
}

func TestBrokers_SplitsList(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, brokers(config.KafkaConfig{Brokers: " k1:9092, k2:9092 ,"}))
}

// scriptedReader 依次返回预设的读取结果，用完后阻塞到 ctx 结束。
type scriptedReader struct {
	mu        sync.Mutex
	results   []fetchResult
	fetches   int
	committed []int64
	drained   chan struct{}
}

type fetchResult struct {
	msg kafka.Message
	err error
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	r.fetches++
	if len(r.results) > 0 {
		next := r.results[0]
		r.results = r.results[1:]
		r.mu.Unlock()
		return next.msg, next.err
	}
	r.mu.Unlock()
	close(r.drained)
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func TestConsume_RetriesAfterFetchError(t *testing.T) {
	r := &scriptedReader{
		drained: make(chan struct{}),
		results: []fetchResult{
			{err: errors.New("broker not available")},
			{err: errors.New("broker not available")},
			{msg: kafka.Message{Offset: 7, Value: []byte(`{"document_id":"doc-1"}`)}},
		},
	}
	p := &recordingProcessor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(ctx, r, p, time.Millisecond, 4*time.Millisecond)
	}()

	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer stopped retrying after fetch errors")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	require.Len(t, p.got, 1)
	assert.Equal(t, "doc-1", p.got[0].DocumentID)
	assert.Equal(t, []int64{7}, r.committed)
	assert.Equal(t, 4, r.fetches)
}

func TestConsume_StopsDuringBackoff(t *testing.T) {
	r := &scriptedReader{
		drained: make(chan struct{}),
		results: []fetchResult{{err: errors.New("broker not available")}},
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(ctx, r, &recordingProcessor{}, time.Hour, time.Hour)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer kept waiting on backoff after cancellation")
	}
	assert.Equal(t, 1, r.fetches)
}
