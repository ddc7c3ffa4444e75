// Package orchestrator drives one translation job from parsing through
// rebuilding: it plans chunks for every chapter, translates them with
// retries, writes the translations back and saves the new book while
// publishing progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/valpere/epubtran/internal"
	"github.com/valpere/epubtran/internal/chunker"
	"github.com/valpere/epubtran/internal/epub"
	"github.com/valpere/epubtran/internal/translator"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffUnit = time.Second

	previewChars  = 100
	unloadTimeout = 30 * time.Second
	detectChars   = 2000
)

var (
	ErrCancelled         = errors.New("translation cancelled")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Config struct {
	MaxChunkChars int
	MaxAttempts   int
	// BackoffUnit is multiplied by 2^attempt between attempts.
	BackoffUnit time.Duration
	// CallTimeout bounds a single backend call.
	CallTimeout  time.Duration
	ContextWords int
}

func (c Config) withDefaults() Config {
	if c.MaxChunkChars <= 0 {
		c.MaxChunkChars = chunker.DefaultMaxChars
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffUnit < 0 {
		c.BackoffUnit = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = translator.DefaultCallTimeout
	}
	return c
}

// Files reads uploaded books and stores translated ones.
type Files interface {
	ReadUpload(fileID string) ([]byte, error)
	// WriteOutput stores data under name and returns its path.
	WriteOutput(name string, data []byte) (string, error)
}

// Document is an opened book.
type Document interface {
	Chapters() []internal.Chapter
	Reinject(ch internal.Chapter, translations map[string]string) error
	Serialize() ([]byte, error)
}

type ParseFunc func(data []byte) (Document, error)

func parseEPUB(data []byte) (Document, error) {
	b, err := epub.Parse(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Memory is a translation memory keyed by chunk text, language pair and
// model.
type Memory interface {
	GetCachedTranslation(ctx context.Context, text, sourceLang, targetLang, model string) (string, bool, error)
	SaveToMemory(ctx context.Context, text, sourceLang, targetLang, model, translated string) error
}

type Glossary interface {
	GetGlossaryTerms(ctx context.Context, sourceLang, targetLang string) (map[string]string, error)
}

type LanguageDetector interface {
	DetectFragments(fragments []internal.Fragment, sampleChars int) (string, bool)
}

// OutputValidator rejects a backend response; a rejected response counts as
// a failed attempt.
type OutputValidator interface {
	Validate(translated, targetLang string) error
}

// Orchestrator runs jobs against one backend. It holds no per-job state and
// may run several jobs concurrently.
type Orchestrator struct {
	backend  translator.Backend
	files    Files
	config   Config
	parse    ParseFunc
	memory   Memory
	glossary Glossary
	detector LanguageDetector
	validate OutputValidator
	logger   *zap.SugaredLogger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

func WithMemory(m Memory) Option {
	return func(o *Orchestrator) { o.memory = m }
}

func WithGlossary(g Glossary) Option {
	return func(o *Orchestrator) { o.glossary = g }
}

func WithDetector(d LanguageDetector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

func WithValidator(v OutputValidator) Option {
	return func(o *Orchestrator) { o.validate = v }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithParser(p ParseFunc) Option {
	return func(o *Orchestrator) { o.parse = p }
}

// WithClock replaces time.Now for progress timestamps and estimates.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleeper replaces the backoff wait between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func New(backend translator.Backend, files Files, config Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend: backend,
		files:   files,
		config:  config.withDefaults(),
		parse:   parseEPUB,
		logger:  zap.NewNop().Sugar(),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Backend() translator.Backend {
	return o.backend
}

// Run executes job until it completes, fails or ctx is cancelled. Progress is
// sent on progress, which may be nil; Run never closes it. The final message
// always carries the terminal status. A cancelled run returns ErrCancelled.
func (o *Orchestrator) Run(ctx context.Context, job *Job, progress chan<- internal.ProgressMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("translation panicked: %v", r)
		}
		err = o.finish(job, err, progress)
	}()
	return o.run(ctx, job, progress)
}

type chapterPlan struct {
	chapter internal.Chapter
	chunks  []chunker.Chunk
}

func (o *Orchestrator) run(ctx context.Context, job *Job, progress chan<- internal.ProgressMessage) error {
	log := o.logger.With("job_id", job.ID())

	if err := o.transition(job, internal.StatusParsing, progress, func(s *JobState) {
		s.StartTime = o.now()
	}); err != nil {
		return err
	}

	state := job.Snapshot()
	data, err := o.files.ReadUpload(state.FileID)
	if err != nil {
		return fmt.Errorf("read upload %s: %w", state.FileID, err)
	}
	doc, err := o.parse(data)
	if err != nil {
		return err
	}

	chapters := doc.Chapters()
	plans := make([]chapterPlan, len(chapters))
	total := 0
	for i, ch := range chapters {
		plans[i] = chapterPlan{chapter: ch, chunks: chunker.Plan(ch.Fragments, o.config.MaxChunkChars)}
		total += len(plans[i].chunks)
	}

	detected := o.detectSource(state.SourceLang, chapters)
	if detected != "" {
		log.Infow("Detected source language", "language", detected)
	}

	state = job.update(func(s *JobState) {
		s.DetectedLang = detected
		s.TotalChapters = len(chapters)
		s.TotalChunks = total
	})
	log.Infow("Planned translation", "chapters", len(chapters), "chunks", total)

	glossary := o.glossaryContext(ctx, state.EffectiveSourceLang(), state.TargetLang)

	if err := o.transition(job, internal.StatusTranslating, progress, nil); err != nil {
		return err
	}

	for i, plan := range plans {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		job.update(func(s *JobState) {
			s.CurrentChapter = i + 1
			s.CurrentChunk = 0
			s.TotalChunksInChapter = len(plan.chunks)
		})

		translations := make(map[string]string, len(plan.chapter.Fragments))
		tail := ""
		for _, chunk := range plan.chunks {
			if err := checkpoint(ctx); err != nil {
				return err
			}
			state := job.update(func(s *JobState) { s.CurrentChunk = chunk.Sequence + 1 })
			original := chunker.Preview(chunk.CombinedText, previewChars)
			o.emit(progress, state.Message(o.now(), plan.chapter.Name, original, ""))

			translated, err := o.translateChunk(ctx, state, chunk, joinContext(glossary, tail))
			if err != nil {
				return err
			}

			mapped := chunker.Deserialize(chunk, translated)
			for id, text := range mapped {
				translations[id] = text
			}
			if o.config.ContextWords > 0 {
				tail = chunker.ExtractContext(orderedText(chunk, mapped), o.config.ContextWords)
			}

			state = job.update(func(s *JobState) { s.CompletedChunks++ })
			o.emit(progress, state.Message(o.now(), plan.chapter.Name, original, chunker.Preview(translated, previewChars)))
		}

		if err := doc.Reinject(plan.chapter, translations); err != nil {
			return err
		}
		log.Debugw("Chapter translated", "chapter", plan.chapter.Name, "chunks", len(plan.chunks))
	}

	if err := o.transition(job, internal.StatusRebuilding, progress, nil); err != nil {
		return err
	}
	out, err := doc.Serialize()
	if err != nil {
		return err
	}
	path, err := o.files.WriteOutput(OutputName(job.ID()), out)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if err := o.transition(job, internal.StatusCompleted, progress, func(s *JobState) {
		s.OutputPath = path
	}); err != nil {
		return err
	}
	log.Infow("Translation completed", "output", path)
	return nil
}

// translateChunk consults the memory, then calls the backend up to
// MaxAttempts times. Backend calls are not interrupted by cancellation;
// cancellation is observed before each attempt and during backoff.
func (o *Orchestrator) translateChunk(ctx context.Context, state JobState, chunk chunker.Chunk, hint string) (string, error) {
	src := state.EffectiveSourceLang()
	if o.memory != nil {
		cached, ok, err := o.memory.GetCachedTranslation(ctx, chunk.CombinedText, src, state.TargetLang, state.Model)
		switch {
		case err != nil:
			o.logger.Warnw("Translation memory lookup failed", "job_id", state.ID, "error", err)
		case ok:
			return cached, nil
		}
	}

	req := translator.TranslateRequest{
		Text:       chunk.CombinedText,
		SourceLang: src,
		TargetLang: state.TargetLang,
		Model:      state.Model,
		Context:    hint,
	}

	var lastErr error
	for attempt := 0; attempt < o.config.MaxAttempts; attempt++ {
		if err := checkpoint(ctx); err != nil {
			return "", err
		}

		translated, err := o.call(ctx, req)
		if err == nil && o.validate != nil {
			err = o.validate.Validate(translated, req.TargetLang)
		}
		if err == nil {
			o.remember(ctx, state, req, translated)
			return translated, nil
		}
		lastErr = err
		o.logger.Warnw("Chunk translation failed",
			"job_id", state.ID,
			"chapter", state.CurrentChapter,
			"chunk", chunk.Sequence+1,
			"attempt", attempt+1,
			"error", err,
		)

		if attempt < o.config.MaxAttempts-1 {
			if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
				return "", fmt.Errorf("%w: %w", ErrCancelled, err)
			}
		}
	}
	return "", fmt.Errorf("chunk %d of chapter %d failed after %d attempts: %w",
		chunk.Sequence+1, state.CurrentChapter, o.config.MaxAttempts, lastErr)
}

func (o *Orchestrator) call(ctx context.Context, req translator.TranslateRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.CallTimeout)
	defer cancel()
	return o.backend.Translate(callCtx, req)
}

func (o *Orchestrator) remember(ctx context.Context, state JobState, req translator.TranslateRequest, translated string) {
	if o.memory == nil {
		return
	}
	if err := o.memory.SaveToMemory(context.WithoutCancel(ctx), req.Text, req.SourceLang, req.TargetLang, req.Model, translated); err != nil {
		o.logger.Warnw("Translation memory save failed", "job_id", state.ID, "error", err)
	}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	return o.config.BackoffUnit * time.Duration(1<<attempt)
}

func (o *Orchestrator) detectSource(source string, chapters []internal.Chapter) string {
	if o.detector == nil || !strings.EqualFold(source, AutoLanguage) {
		return ""
	}
	var fragments []internal.Fragment
	for _, ch := range chapters {
		fragments = append(fragments, ch.Fragments...)
	}
	lang, ok := o.detector.DetectFragments(fragments, detectChars)
	if !ok {
		return ""
	}
	return lang
}

func (o *Orchestrator) glossaryContext(ctx context.Context, src, tgt string) string {
	if o.glossary == nil {
		return ""
	}
	terms, err := o.glossary.GetGlossaryTerms(ctx, src, tgt)
	if err != nil {
		o.logger.Warnw("Glossary lookup failed", "error", err)
		return ""
	}
	return renderGlossary(terms)
}

// finish records the outcome of a run. On cancellation or failure the model
// is unloaded once and a terminal message is sent.
func (o *Orchestrator) finish(job *Job, runErr error, progress chan<- internal.ProgressMessage) error {
	if runErr == nil {
		return nil
	}
	if job.Status().IsTerminal() {
		return runErr
	}

	log := o.logger.With("job_id", job.ID())
	to := internal.StatusFailed
	if errors.Is(runErr, ErrCancelled) {
		to = internal.StatusCancelled
		runErr = ErrCancelled
	}

	state, err := job.transition(to, func(s *JobState) {
		if to == internal.StatusFailed {
			s.ErrorMessage = runErr.Error()
		}
	})
	if err != nil {
		log.Errorw("Cannot record job outcome", "error", err)
		return runErr
	}
	if to == internal.StatusCancelled {
		log.Infow("Translation cancelled")
	} else {
		log.Errorw("Translation failed", "error", runErr)
	}

	o.unload(state)
	o.emit(progress, state.Message(o.now(), "", "", ""))
	return runErr
}

func (o *Orchestrator) unload(state JobState) {
	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()
	if !o.backend.UnloadModel(ctx, state.Model) {
		o.logger.Warnw("Model unload failed", "job_id", state.ID, "model", state.Model)
	}
}

func (o *Orchestrator) transition(job *Job, to internal.Status, progress chan<- internal.ProgressMessage, fn func(s *JobState)) error {
	state, err := job.transition(to, fn)
	if err != nil {
		return err
	}
	o.logger.Debugw("Job status changed", "job_id", state.ID, "status", to)
	o.emit(progress, state.Message(o.now(), "", "", ""))
	return nil
}

func (o *Orchestrator) emit(progress chan<- internal.ProgressMessage, msg internal.ProgressMessage) {
	if progress != nil {
		progress <- msg
	}
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func renderGlossary(terms map[string]string) string {
	if len(terms) == 0 {
		return ""
	}
	keys := make([]string, 0, len(terms))
	for k := range terms {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var sb strings.Builder
	sb.WriteString("Glossary:")
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n- %s → %s", k, terms[k])
	}
	return sb.String()
}

func joinContext(glossary, tail string) string {
	switch {
	case glossary == "":
		return tail
	case tail == "":
		return glossary
	default:
		return glossary + "\n\n" + tail
	}
}

func orderedText(chunk chunker.Chunk, mapped map[string]string) string {
	parts := make([]string, 0, len(chunk.Fragments))
	for _, f := range chunk.Fragments {
		parts = append(parts, mapped[f.ID])
	}
	return strings.Join(parts, " ")
}
