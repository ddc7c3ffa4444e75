package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valpere/epubtran/internal"
	"github.com/valpere/epubtran/internal/orchestrator"
	"github.com/valpere/epubtran/internal/translator"
)

type mockBackend struct {
	started chan struct{}
	release chan struct{}
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Translate(ctx context.Context, req translator.TranslateRequest) (string, error) {
	if m.started != nil {
		select {
		case m.started <- struct{}{}:
		default:
		}
	}
	if m.release != nil {
		<-m.release
	}
	return strings.ToUpper(req.Text), nil
}

func (m *mockBackend) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (m *mockBackend) UnloadModel(ctx context.Context, model string) bool { return true }

func (m *mockBackend) IsAvailable(ctx context.Context) error { return nil }

type mockDoc struct{}

func (mockDoc) Chapters() []internal.Chapter {
	return []internal.Chapter{{
		Name: "ch1.xhtml",
		Href: "ch1.xhtml",
		Fragments: []internal.Fragment{
			{ID: "frag-0", Text: "One."},
			{ID: "frag-1", Text: "Two."},
		},
	}}
}

func (mockDoc) Reinject(internal.Chapter, map[string]string) error { return nil }

func (mockDoc) Serialize() ([]byte, error) { return []byte("book"), nil }

type memFiles struct {
	mu      sync.Mutex
	uploads map[string]bool
	outputs map[string]bool
}

func newMemFiles(uploads ...string) *memFiles {
	f := &memFiles{uploads: make(map[string]bool), outputs: make(map[string]bool)}
	for _, id := range uploads {
		f.uploads[id] = true
	}
	return f
}

func (f *memFiles) UploadExists(fileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[fileID]
}

func (f *memFiles) ReadUpload(fileID string) ([]byte, error) { return []byte("epub"), nil }

func (f *memFiles) WriteOutput(name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := "/out/" + name
	f.outputs[path] = true
	return path, nil
}

func (f *memFiles) OutputExists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[path]
}

func (f *memFiles) removeOutput(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.outputs, path)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][]internal.ProgressMessage
}

func (p *recordingPublisher) Publish(jobID string, msg internal.ProgressMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][]internal.ProgressMessage)
	}
	p.msgs[jobID] = append(p.msgs[jobID], msg)
}

func (p *recordingPublisher) last(jobID string) (internal.ProgressMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.msgs[jobID]
	if len(msgs) == 0 {
		return internal.ProgressMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

type fixture struct {
	registry  *Registry
	backend   *mockBackend
	files     *memFiles
	publisher *recordingPublisher
}

func newFixture(t *testing.T, backend *mockBackend) *fixture {
	t.Helper()
	files := newMemFiles("file-1")
	orch := orchestrator.New(backend, files, orchestrator.Config{MaxChunkChars: 5},
		orchestrator.WithParser(func([]byte) (orchestrator.Document, error) { return mockDoc{}, nil }),
	)
	pub := &recordingPublisher{}
	r := NewRegistry(orch, files, pub, nil)
	ids := 0
	r.newID = func() string {
		ids++
		return fmt.Sprintf("job-%d", ids)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if backend.release != nil {
			select {
			case <-backend.release:
			default:
				close(backend.release)
			}
		}
		_ = r.Shutdown(ctx)
	})
	return &fixture{registry: r, backend: backend, files: files, publisher: pub}
}

func waitForStatus(t *testing.T, r *Registry, id string, want internal.Status) orchestrator.JobState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if state.Status == want {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := r.Get(id)
	t.Fatalf("job %s status = %s, want %s", id, state.Status, want)
	return state
}

func request(fileID string) internal.TranslationRequest {
	return internal.TranslationRequest{FileID: fileID, SourceLang: "en", TargetLang: "ko", Model: "m"}
}

func TestRegistry_CreateRunsToCompletion(t *testing.T) {
	f := newFixture(t, &mockBackend{})

	state, err := f.registry.Create(request("file-1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if state.ID != "job-1" || state.FileID != "file-1" {
		t.Errorf("Create() = %+v", state)
	}

	final := waitForStatus(t, f.registry, "job-1", internal.StatusCompleted)
	if final.CompletedChunks != 2 {
		t.Errorf("CompletedChunks = %d, want 2", final.CompletedChunks)
	}

	path, err := f.registry.OutputPath("job-1")
	if err != nil {
		t.Fatalf("OutputPath() error = %v", err)
	}
	if path != "/out/translated_job-1.epub" {
		t.Errorf("OutputPath() = %q", path)
	}

	// The drain goroutine may still be forwarding the last message.
	deadline := time.Now().Add(5 * time.Second)
	for {
		last, ok := f.publisher.last("job-1")
		if ok && last.Status == internal.StatusCompleted {
			if last.DownloadURL != "/api/download/job-1" {
				t.Errorf("DownloadURL = %q", last.DownloadURL)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("last published message = %+v", last)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if f.registry.Cancel("job-1") {
		t.Error("Cancel() of a completed job should be false")
	}
}

func TestRegistry_CreateUnknownFile(t *testing.T) {
	f := newFixture(t, &mockBackend{})

	_, err := f.registry.Create(request("missing"))
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("Create() error = %v, want ErrFileNotFound", err)
	}
	if got := len(f.registry.List()); got != 0 {
		t.Errorf("List() has %d jobs, want 0", got)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	f := newFixture(t, &mockBackend{})
	if _, err := f.registry.Get("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get() error = %v, want ErrJobNotFound", err)
	}
	if _, err := f.registry.OutputPath("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("OutputPath() error = %v, want ErrJobNotFound", err)
	}
	if f.registry.Cancel("nope") {
		t.Error("Cancel() of an unknown job should be false")
	}
}

func TestRegistry_Cancel(t *testing.T) {
	backend := &mockBackend{started: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, backend)

	if _, err := f.registry.Create(request("file-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	<-backend.started

	if _, err := f.registry.OutputPath("job-1"); !errors.Is(err, ErrOutputNotReady) {
		t.Errorf("OutputPath() error = %v, want ErrOutputNotReady", err)
	}

	if !f.registry.Cancel("job-1") {
		t.Fatal("Cancel() of a running job should be true")
	}
	// The in-flight call finishes; the next check-point stops the run.
	close(backend.release)

	state := waitForStatus(t, f.registry, "job-1", internal.StatusCancelled)
	if state.CompletedChunks != 1 {
		t.Errorf("CompletedChunks = %d, want 1", state.CompletedChunks)
	}
	if f.registry.Cancel("job-1") {
		t.Error("second Cancel() should be false")
	}
}

func TestRegistry_StartTwice(t *testing.T) {
	backend := &mockBackend{started: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, backend)

	if _, err := f.registry.Create(request("file-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	<-backend.started

	f.registry.mu.RLock()
	job := f.registry.jobs["job-1"]
	f.registry.mu.RUnlock()

	if err := f.registry.start(job); !errors.Is(err, ErrJobAlreadyRunning) {
		t.Errorf("start() error = %v, want ErrJobAlreadyRunning", err)
	}
}

func TestRegistry_OutputMissing(t *testing.T) {
	f := newFixture(t, &mockBackend{})

	if _, err := f.registry.Create(request("file-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	state := waitForStatus(t, f.registry, "job-1", internal.StatusCompleted)
	f.files.removeOutput(state.OutputPath)

	if _, err := f.registry.OutputPath("job-1"); !errors.Is(err, ErrOutputNotFound) {
		t.Errorf("OutputPath() error = %v, want ErrOutputNotFound", err)
	}
}

func TestRegistry_ListInCreationOrder(t *testing.T) {
	f := newFixture(t, &mockBackend{})
	for range 3 {
		if _, err := f.registry.Create(request("file-1")); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	list := f.registry.List()
	if len(list) != 3 {
		t.Fatalf("List() has %d jobs, want 3", len(list))
	}
	for i, state := range list {
		if want := fmt.Sprintf("job-%d", i+1); state.ID != want {
			t.Errorf("List()[%d].ID = %q, want %q", i, state.ID, want)
		}
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	backend := &mockBackend{started: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, backend)

	if _, err := f.registry.Create(request("file-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	<-backend.started
	close(backend.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.registry.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	state, _ := f.registry.Get("job-1")
	if !state.Status.IsTerminal() {
		t.Errorf("status after Shutdown = %s, want terminal", state.Status)
	}
	if _, err := f.registry.Create(request("file-1")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Create() after Shutdown error = %v, want ErrShuttingDown", err)
	}
}
