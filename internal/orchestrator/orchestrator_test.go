package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/epubtran/internal"
	"github.com/valpere/epubtran/internal/translator"
)

type mockBackend struct {
	translateFunc func(ctx context.Context, req translator.TranslateRequest) (string, error)
	unloadResult  bool

	mu       sync.Mutex
	requests []translator.TranslateRequest

	callCount   atomic.Int32
	unloadCount atomic.Int32
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Translate(ctx context.Context, req translator.TranslateRequest) (string, error) {
	m.callCount.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.translateFunc != nil {
		return m.translateFunc(ctx, req)
	}
	return strings.ToUpper(req.Text), nil
}

func (m *mockBackend) ListModels(ctx context.Context) ([]string, error) {
	return []string{"mock-model"}, nil
}

func (m *mockBackend) UnloadModel(ctx context.Context, model string) bool {
	m.unloadCount.Add(1)
	return m.unloadResult
}

func (m *mockBackend) IsAvailable(ctx context.Context) error { return nil }

func (m *mockBackend) lastRequest() translator.TranslateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type mockDoc struct {
	chapters     []internal.Chapter
	serializeErr error

	injected map[string]map[string]string
}

func (d *mockDoc) Chapters() []internal.Chapter { return d.chapters }

func (d *mockDoc) Reinject(ch internal.Chapter, translations map[string]string) error {
	if d.injected == nil {
		d.injected = make(map[string]map[string]string)
	}
	if _, dup := d.injected[ch.Href]; dup {
		return fmt.Errorf("chapter %s injected twice", ch.Href)
	}
	d.injected[ch.Href] = translations
	return nil
}

func (d *mockDoc) Serialize() ([]byte, error) {
	if d.serializeErr != nil {
		return nil, d.serializeErr
	}
	return []byte("book"), nil
}

type memFiles struct {
	readErr error
	outputs map[string][]byte
}

func (f *memFiles) ReadUpload(fileID string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return []byte("upload " + fileID), nil
}

func (f *memFiles) WriteOutput(name string, data []byte) (string, error) {
	if f.outputs == nil {
		f.outputs = make(map[string][]byte)
	}
	f.outputs[name] = data
	return "/out/" + name, nil
}

type mockMemory struct {
	hits  map[string]string
	saved map[string]string
}

func (m *mockMemory) GetCachedTranslation(ctx context.Context, text, src, tgt, model string) (string, bool, error) {
	v, ok := m.hits[text]
	return v, ok, nil
}

func (m *mockMemory) SaveToMemory(ctx context.Context, text, src, tgt, model, translated string) error {
	if m.saved == nil {
		m.saved = make(map[string]string)
	}
	m.saved[text] = translated
	return nil
}

type mockGlossary map[string]string

func (g mockGlossary) GetGlossaryTerms(ctx context.Context, src, tgt string) (map[string]string, error) {
	return g, nil
}

type mockDetector string

func (d mockDetector) DetectFragments(fragments []internal.Fragment, sampleChars int) (string, bool) {
	return string(d), d != ""
}

// rejectUpper rejects responses written in upper case.
type rejectUpper struct{}

func (rejectUpper) Validate(translated, targetLang string) error {
	if translated == strings.ToUpper(translated) {
		return errors.New("untranslated")
	}
	return nil
}

func chapter(i int, texts ...string) internal.Chapter {
	ch := internal.Chapter{Index: i, Name: fmt.Sprintf("ch%d.xhtml", i), Href: fmt.Sprintf("OEBPS/ch%d.xhtml", i)}
	for j, text := range texts {
		ch.Fragments = append(ch.Fragments, internal.Fragment{ID: fmt.Sprintf("frag-%d", j), Text: text, Tag: "p"})
	}
	return ch
}

type harness struct {
	backend  *mockBackend
	doc      *mockDoc
	files    *memFiles
	sleeps   []time.Duration
	messages []internal.ProgressMessage
}

func newHarness(chapters ...internal.Chapter) *harness {
	return &harness{
		backend: &mockBackend{unloadResult: true},
		doc:     &mockDoc{chapters: chapters},
		files:   &memFiles{},
	}
}

func (h *harness) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	base := []Option{
		WithParser(func(data []byte) (Document, error) { return h.doc, nil }),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		}),
	}
	return New(h.backend, h.files, cfg, append(base, opts...)...)
}

func (h *harness) run(ctx context.Context, o *Orchestrator, job *Job) error {
	progress := make(chan internal.ProgressMessage, 1024)
	err := o.Run(ctx, job, progress)
	close(progress)
	for msg := range progress {
		h.messages = append(h.messages, msg)
	}
	return err
}

func newTestJob() *Job {
	return NewJob("job-1", internal.TranslationRequest{
		FileID:     "file-1",
		SourceLang: "en",
		TargetLang: "uk",
		Model:      "mock-model",
	})
}

func TestRun_Completes(t *testing.T) {
	h := newHarness(
		chapter(0, "First paragraph.", "Second paragraph."),
		chapter(1, "Third paragraph."),
	)
	// Small chunks force one chunk per fragment.
	o := h.orchestrator(Config{MaxChunkChars: 20, BackoffUnit: time.Second})
	job := newTestJob()

	if err := h.run(context.Background(), o, job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	state := job.Snapshot()
	if state.Status != internal.StatusCompleted {
		t.Fatalf("status = %s, want completed", state.Status)
	}
	if state.TotalChapters != 2 || state.TotalChunks != 3 || state.CompletedChunks != 3 {
		t.Errorf("counters = %d chapters, %d/%d chunks", state.TotalChapters, state.CompletedChunks, state.TotalChunks)
	}
	if state.OutputPath != "/out/translated_job-1.epub" {
		t.Errorf("OutputPath = %q", state.OutputPath)
	}
	if _, ok := h.files.outputs["translated_job-1.epub"]; !ok {
		t.Error("expected output to be written")
	}

	got := h.doc.injected["OEBPS/ch0.xhtml"]
	if got["frag-0"] != "FIRST PARAGRAPH." || got["frag-1"] != "SECOND PARAGRAPH." {
		t.Errorf("chapter 0 translations = %v", got)
	}
	if got := h.doc.injected["OEBPS/ch1.xhtml"]["frag-0"]; got != "THIRD PARAGRAPH." {
		t.Errorf("chapter 1 translation = %q", got)
	}
	if n := h.backend.callCount.Load(); n != 3 {
		t.Errorf("backend calls = %d, want 3", n)
	}
	if n := h.backend.unloadCount.Load(); n != 0 {
		t.Errorf("unload calls = %d, want 0", n)
	}

	last := h.messages[len(h.messages)-1]
	if last.Status != internal.StatusCompleted || last.Percentage != 100 {
		t.Errorf("last message = %+v", last)
	}
	if last.DownloadURL != "/api/download/job-1" {
		t.Errorf("DownloadURL = %q", last.DownloadURL)
	}
}

func TestRun_ProgressMessages(t *testing.T) {
	h := newHarness(chapter(0, "One.", "Two."), chapter(1, "Three."))
	o := h.orchestrator(Config{MaxChunkChars: 5})
	job := newTestJob()

	if err := h.run(context.Background(), o, job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var statuses []internal.Status
	prev := -1.0
	for _, msg := range h.messages {
		if len(statuses) == 0 || statuses[len(statuses)-1] != msg.Status {
			statuses = append(statuses, msg.Status)
		}
		if msg.Percentage < prev {
			t.Errorf("percentage went from %v to %v", prev, msg.Percentage)
		}
		prev = msg.Percentage
		if msg.JobID != "job-1" || msg.Type != internal.MessageTypeProgress {
			t.Errorf("unexpected message header: %+v", msg)
		}
	}
	want := []internal.Status{
		internal.StatusParsing,
		internal.StatusTranslating,
		internal.StatusRebuilding,
		internal.StatusCompleted,
	}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("statuses = %v, want %v", statuses, want)
	}

	// 4 status changes plus a message before and after each of 3 chunks.
	if len(h.messages) != 10 {
		t.Errorf("messages = %d, want 10", len(h.messages))
	}

	var chunkMsgs []internal.ProgressMessage
	for _, msg := range h.messages {
		if msg.ChapterTitle != "" {
			chunkMsgs = append(chunkMsgs, msg)
		}
	}
	before, after := chunkMsgs[0], chunkMsgs[1]
	if before.PreviewOriginal != "[0] One." || before.PreviewTranslated != "" {
		t.Errorf("before-chunk previews = %q / %q", before.PreviewOriginal, before.PreviewTranslated)
	}
	if after.PreviewTranslated != "[0] ONE." {
		t.Errorf("after-chunk preview = %q", after.PreviewTranslated)
	}
	if after.ChapterCurrent != 1 || after.ChapterTotal != 2 || after.ChunkCurrent != 1 || after.ChunkTotal != 2 {
		t.Errorf("after-chunk position = %+v", after)
	}
	if after.ChapterTitle != "ch0.xhtml" {
		t.Errorf("ChapterTitle = %q", after.ChapterTitle)
	}
}

func TestJobState_Estimates(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	state := JobState{
		Status:          internal.StatusTranslating,
		StartTime:       start,
		CompletedChunks: 2,
		TotalChunks:     4,
	}
	now := start.Add(10 * time.Second)

	if got := state.Percentage(); got != 50 {
		t.Errorf("Percentage() = %v, want 50", got)
	}
	if got := state.EstimatedTimeRemaining(now); got != 10 {
		t.Errorf("EstimatedTimeRemaining() = %v, want 10", got)
	}

	state.CompletedChunks = 0
	if got := state.EstimatedTimeRemaining(now); got != 0 {
		t.Errorf("EstimatedTimeRemaining() before first chunk = %v, want 0", got)
	}

	state.CompletedChunks = 1
	state.TotalChunks = 3
	if got := state.Percentage(); got != 33.3 {
		t.Errorf("Percentage() = %v, want 33.3", got)
	}

	state.CompletedChunks = 5
	if got := state.Percentage(); got != 100 {
		t.Errorf("Percentage() = %v, want clamped to 100", got)
	}
}

func TestRun_RetriesWithBackoff(t *testing.T) {
	h := newHarness(chapter(0, "Hello."))
	h.backend.translateFunc = func(ctx context.Context, req translator.TranslateRequest) (string, error) {
		if h.backend.callCount.Load() < 3 {
			return "", errors.New("temporary")
		}
		return "[0] Привіт.", nil
	}
	o := h.orchestrator(Config{BackoffUnit: time.Second})
	job := newTestJob()

	if err := h.run(context.Background(), o, job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.doc.injected["OEBPS/ch0.xhtml"]["frag-0"]; got != "Привіт." {
		t.Errorf("translation = %q", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(h.sleeps) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", h.sleeps, want)
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	h := newHarness(chapter(0, "Hello."), chapter(1, "World."))
	h.backend.translateFunc = func(ctx context.Context, req translator.TranslateRequest) (string, error) {
		return "", errors.New("backend down")
	}
	o := h.orchestrator(Config{MaxAttempts: 3, BackoffUnit: time.Second})
	job := newTestJob()

	err := h.run(context.Background(), o, job)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrCancelled) {
		t.Fatalf("failure reported as cancellation: %v", err)
	}

	state := job.Snapshot()
	if state.Status != internal.StatusFailed {
		t.Errorf("status = %s, want failed", state.Status)
	}
	if !strings.Contains(state.ErrorMessage, "backend down") {
		t.Errorf("ErrorMessage = %q", state.ErrorMessage)
	}
	if n := h.backend.callCount.Load(); n != 3 {
		t.Errorf("backend calls = %d, want 3", n)
	}
	// No wait after the last attempt.
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(h.sleeps) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", h.sleeps, want)
	}
	if n := h.backend.unloadCount.Load(); n != 1 {
		t.Errorf("unload calls = %d, want 1", n)
	}
	if len(h.doc.injected) != 0 {
		t.Errorf("nothing should be reinjected, got %v", h.doc.injected)
	}

	last := h.messages[len(h.messages)-1]
	if last.Status != internal.StatusFailed || last.ErrorMessage == "" {
		t.Errorf("last message = %+v", last)
	}
}

func TestRun_CancelBetweenChunks(t *testing.T) {
	h := newHarness(chapter(0, "One.", "Two."), chapter(1, "Three."))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.translateFunc = func(callCtx context.Context, req translator.TranslateRequest) (string, error) {
		cancel()
		// The in-flight call is not interrupted.
		if callCtx.Err() != nil {
			return "", callCtx.Err()
		}
		return strings.ToUpper(req.Text), nil
	}
	o := h.orchestrator(Config{MaxChunkChars: 5})
	job := newTestJob()

	err := h.run(ctx, o, job)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}

	state := job.Snapshot()
	if state.Status != internal.StatusCancelled {
		t.Errorf("status = %s, want cancelled", state.Status)
	}
	if state.CompletedChunks != 1 {
		t.Errorf("CompletedChunks = %d, want 1", state.CompletedChunks)
	}
	if n := h.backend.callCount.Load(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
	if n := h.backend.unloadCount.Load(); n != 1 {
		t.Errorf("unload calls = %d, want 1", n)
	}
	if len(h.files.outputs) != 0 {
		t.Error("cancelled job must not write output")
	}
	if last := h.messages[len(h.messages)-1]; last.Status != internal.StatusCancelled {
		t.Errorf("last status = %s, want cancelled", last.Status)
	}
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	h := newHarness(chapter(0, "Hello."))
	h.backend.translateFunc = func(ctx context.Context, req translator.TranslateRequest) (string, error) {
		return "", errors.New("busy")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := h.orchestrator(Config{BackoffUnit: time.Minute},
		WithSleeper(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}),
	)
	job := newTestJob()

	if err := h.run(ctx, o, job); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if n := h.backend.callCount.Load(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
	if got := job.Status(); got != internal.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(chapter(0, "Hello."))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := h.orchestrator(Config{})
	job := newTestJob()

	if err := h.run(ctx, o, job); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if n := h.backend.callCount.Load(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
	if n := h.backend.unloadCount.Load(); n != 1 {
		t.Errorf("unload calls = %d, want 1", n)
	}
}

func TestRun_UnloadFailureIgnored(t *testing.T) {
	h := newHarness(chapter(0, "Hello."))
	h.backend.unloadResult = false
	h.backend.translateFunc = func(ctx context.Context, req translator.TranslateRequest) (string, error) {
		return "", errors.New("boom")
	}
	o := h.orchestrator(Config{MaxAttempts: 1})
	job := newTestJob()

	err := h.run(context.Background(), o, job)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Run() error = %v, want backend error", err)
	}
	if got := job.Status(); got != internal.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRun_CodecAndStorageFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr string
	}{
		{
			name:    "unreadable upload",
			setup:   func(h *harness) { h.files.readErr = errors.New("no such file") },
			wantErr: "read upload file-1",
		},
		{
			name:    "serialize error",
			setup:   func(h *harness) { h.doc.serializeErr = errors.New("zip broken") },
			wantErr: "zip broken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(chapter(0, "Hello."))
			tt.setup(h)
			o := h.orchestrator(Config{})
			job := newTestJob()

			err := h.run(context.Background(), o, job)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Run() error = %v, want %q", err, tt.wantErr)
			}
			if got := job.Status(); got != internal.StatusFailed {
				t.Errorf("status = %s, want failed", got)
			}
			if n := h.backend.unloadCount.Load(); n != 1 {
				t.Errorf("unload calls = %d, want 1", n)
			}
		})
	}
}

func TestRun_ParseError(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(Config{}, WithParser(func([]byte) (Document, error) {
		return nil, errors.New("not an epub")
	}))
	job := newTestJob()

	if err := h.run(context.Background(), o, job); err == nil {
		t.Fatal("expected error")
	}
	if got := job.Snapshot().ErrorMessage; got != "not an epub" {
		t.Errorf("ErrorMessage = %q", got)
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	h := newHarness(chapter(0, "Hello."))
	h.backend.translateFunc = func(ctx context.Context, req translator.TranslateRequest) (string, error) {
		panic("unexpected")
	}
	o := h.orchestrator(Config{})
	job := newTestJob()

	err := h.run(context.Background(), o, job)
	if err == nil || !strings.Contains(err.Error(), "unexpected") {
		t.Fatalf("Run() error = %v", err)
	}
	if got := job.Status(); got != internal.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRun_RejectsFinishedJob(t *testing.T) {
	h := newHarness(chapter(0, "Hello."))
	o := h.orchestrator(Config{})
	job := newTestJob()

	if err := h.run(context.Background(), o, job); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	err := h.run(context.Background(), o, job)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Run() error = %v, want ErrInvalidTransition", err)
	}
	if got := job.Status(); got != internal.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestRun_MemoryHit(t *testing.T) {
	h := newHarness(chapter(0, "Cached.", "Fresh."))
	mem := &mockMemory{hits: map[string]string{"[0] Cached.": "[0] З кешу."}}
	o := h.orchestrator(Config{MaxChunkChars: 8}, WithMemory(mem))
	job := newTestJob()

	if err := h.run(context.Background(), o, job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.backend.callCount.Load(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
	got := h.doc.injected["OEBPS/ch0.xhtml"]
	if got["frag-0"] != "З кешу." || got["frag-1"] != "FRESH." {
		t.Errorf("translations = %v", got)
	}
	if mem.saved["[0] Fresh."] != "[0] FRESH." {
		t.Errorf("saved = %v", mem.saved)
	}
	if job.Snapshot().CompletedChunks != 2 {
		t.Error("cache hit should count as a completed chunk")
	}
}

func TestRun_ValidatorRejectsResponse(t *testing.T) {
	h := newHarness(chapter(0, "Hello."))
	h.backend.translateFunc = func(ctx context.Context, req translator.TranslateRequest) (string, error) {
		if h.backend.callCount.Load() == 1 {
			return strings.ToUpper(req.Text), nil
		}
		return "[0] Привіт.", nil
	}
	mem := &mockMemory{}
	o := h.orchestrator(Config{}, WithValidator(rejectUpper{}), WithMemory(mem))
	job := newTestJob()

	if err := h.run(context.Background(), o, job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.backend.callCount.Load(); n != 2 {
		t.Errorf("backend calls = %d, want 2", n)
	}
	if got := h.doc.injected["OEBPS/ch0.xhtml"]["frag-0"]; got != "Привіт." {
		t.Errorf("translation = %q", got)
	}
	if got := mem.saved["[0] Hello."]; got != "[0] Привіт." {
		t.Errorf("rejected response remembered: %q", got)
	}
}

func TestRun_DetectsSourceLanguage(t *testing.T) {
	h := newHarness(chapter(0, "Bonjour le monde."))
	o := h.orchestrator(Config{}, WithDetector(mockDetector("fr")))
	job := NewJob("job-2", internal.TranslationRequest{FileID: "f", SourceLang: "auto", TargetLang: "en", Model: "m"})

	if err := h.run(context.Background(), o, job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.backend.lastRequest().SourceLang; got != "fr" {
		t.Errorf("SourceLang = %q, want fr", got)
	}
	if got := job.Snapshot().DetectedLang; got != "fr" {
		t.Errorf("DetectedLang = %q", got)
	}
}

func TestRun_ContextHints(t *testing.T) {
	h := newHarness(chapter(0, "one two three", "four five six"))
	o := h.orchestrator(Config{MaxChunkChars: 15, ContextWords: 2},
		WithGlossary(mockGlossary{"Frodo": "Фродо"}),
	)
	job := newTestJob()

	if err := h.run(context.Background(), o, job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if len(h.backend.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(h.backend.requests))
	}
	if got := h.backend.requests[0].Context; got != "Glossary:\n- Frodo → Фродо" {
		t.Errorf("first context = %q", got)
	}
	if got := h.backend.requests[1].Context; got != "Glossary:\n- Frodo → Фродо\n\nTWO THREE" {
		t.Errorf("second context = %q", got)
	}
}

func TestJob_TransitionRules(t *testing.T) {
	job := newTestJob()
	if _, err := job.transition(internal.StatusTranslating, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> translating error = %v", err)
	}
	if _, err := job.transition(internal.StatusParsing, nil); err != nil {
		t.Errorf("pending -> parsing error = %v", err)
	}
	if _, err := job.transition(internal.StatusCancelled, nil); err != nil {
		t.Errorf("parsing -> cancelled error = %v", err)
	}
	if _, err := job.transition(internal.StatusFailed, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancelled -> failed error = %v", err)
	}
}
