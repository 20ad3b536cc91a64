package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"team-copilot-go/internal/model"
	"team-copilot-go/pkg/embedding"
)

type fakeDocs struct {
	mu       sync.Mutex
	docs     map[string]*model.Document
	history  []model.DocumentStatus
	failOn   map[model.DocumentStatus]error
	ctxCheck bool
}

func newFakeDocs(docs ...*model.Document) *fakeDocs {
	f := &fakeDocs{docs: map[string]*model.Document{}, failOn: map[model.DocumentStatus]error{}}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return f
}

func (f *fakeDocs) Create(_ context.Context, doc *model.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocs) FindByID(_ context.Context, id string) (*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, model.ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) List(context.Context) ([]model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Document, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDocs) UpdateStatus(ctx context.Context, id string, status model.DocumentStatus, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctxCheck && ctx.Err() != nil {
		return ctx.Err()
	}
	if err := f.failOn[status]; err != nil {
		return err
	}
	d, ok := f.docs[id]
	if !ok {
		return model.ErrDocumentNotFound
	}
	d.Status = status
	d.ErrorMessage = msg
	f.history = append(f.history, status)
	return nil
}

func (f *fakeDocs) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeDocs) Ping(context.Context) error { return nil }

func (f *fakeDocs) status(id string) model.DocumentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id].Status
}

type fakeChunks struct {
	mu        sync.Mutex
	stored    map[string][]model.DocumentChunk
	insertErr error
}

func newFakeChunks() *fakeChunks {
	return &fakeChunks{stored: map[string][]model.DocumentChunk{}}
}

func (f *fakeChunks) InsertChunks(_ context.Context, documentID string, chunks []model.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.stored[documentID] = append([]model.DocumentChunk(nil), chunks...)
	return nil
}

func (f *fakeChunks) NearestChunks(context.Context, []float32, int) ([]model.RetrievalResult, error) {
	return nil, nil
}

func (f *fakeChunks) DeleteByDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored, documentID)
	return nil
}

func (f *fakeChunks) CountByDocument(_ context.Context, documentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.stored[documentID])), nil
}

func (f *fakeChunks) get(documentID string) []model.DocumentChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[documentID]
}

type fakeFiles struct {
	mu      sync.Mutex
	files   map[string][]byte
	removed []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: map[string][]byte{}}
}

func (f *fakeFiles) Save(_ context.Context, name string, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	path := "/uploads/" + name
	f.files[path] = data
	return path, nil
}

func (f *fakeFiles) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFiles) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeFiles) exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

type fakeExtractor struct {
	extraction *model.Extraction
	err        error
	started    chan struct{}
	unblock    chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, _ []byte, _ string) (*model.Extraction, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.unblock != nil {
		select {
		case <-f.unblock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.extraction, nil
}

type fakeOCR struct {
	texts map[string]string
	errs  map[string]error
}

func (f *fakeOCR) Recognize(_ context.Context, img model.ExtractedImage) (string, error) {
	if err := f.errs[img.Name]; err != nil {
		return "", err
	}
	return f.texts[img.Name], nil
}

type fakeEmbedder struct {
	mu        sync.Mutex
	batchSize int
	calls     int
	failCall  int
	onCall    func(call int) error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ embedding.Purpose) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.onCall != nil {
		if err := f.onCall(call); err != nil {
			return nil, err
		}
	}
	if call == f.failCall {
		return nil, errors.New("upstream 503")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), float32(call), float32(i)}
	}
	return out, nil
}

func (f *fakeEmbedder) BatchSize() int  { return f.batchSize }
func (f *fakeEmbedder) Dimensions() int { return 3 }
