// Package jobs keeps the in-memory registry of translation jobs and starts
// exactly one orchestrator run per job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valpere/epubtran/internal"
	"github.com/valpere/epubtran/internal/orchestrator"
)

const progressBuffer = 64

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrFileNotFound      = errors.New("uploaded file not found")
	ErrOutputNotReady    = errors.New("translation not completed")
	ErrOutputNotFound    = errors.New("output file not found")
	ErrJobAlreadyRunning = errors.New("job already running")
	ErrShuttingDown      = errors.New("registry is shutting down")
)

type Runner interface {
	Run(ctx context.Context, job *orchestrator.Job, progress chan<- internal.ProgressMessage) error
}

type Publisher interface {
	Publish(jobID string, msg internal.ProgressMessage)
}

type Files interface {
	UploadExists(fileID string) bool
	OutputExists(path string) bool
}

type Registry struct {
	runner    Runner
	files     Files
	publisher Publisher
	logger    *zap.SugaredLogger
	newID     func() string

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu     sync.RWMutex
	jobs   map[string]*orchestrator.Job
	order  []string
	closed bool

	running sync.Map // job id -> context.CancelFunc
	wg      sync.WaitGroup
}

func NewRegistry(runner Runner, files Files, publisher Publisher, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		runner:    runner,
		files:     files,
		publisher: publisher,
		logger:    logger,
		newID:     uuid.NewString,
		baseCtx:   ctx,
		cancelAll: cancel,
		jobs:      make(map[string]*orchestrator.Job),
	}
}

// Create registers a job for an uploaded file and starts translating it.
func (r *Registry) Create(req internal.TranslationRequest) (orchestrator.JobState, error) {
	if !r.files.UploadExists(req.FileID) {
		return orchestrator.JobState{}, fmt.Errorf("%w: %s", ErrFileNotFound, req.FileID)
	}

	job := orchestrator.NewJob(r.newID(), req)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return orchestrator.JobState{}, ErrShuttingDown
	}
	// Started under the lock so Shutdown never waits while a run is added.
	if err := r.start(job); err != nil {
		r.mu.Unlock()
		return orchestrator.JobState{}, err
	}
	r.jobs[job.ID()] = job
	r.order = append(r.order, job.ID())
	r.mu.Unlock()

	r.logger.Infow("Job created",
		"job_id", job.ID(),
		"file_id", req.FileID,
		"source", req.SourceLang,
		"target", req.TargetLang,
		"model", req.Model,
	)
	return job.Snapshot(), nil
}

func (r *Registry) start(job *orchestrator.Job) error {
	ctx, cancel := context.WithCancel(r.baseCtx)
	if _, loaded := r.running.LoadOrStore(job.ID(), cancel); loaded {
		cancel()
		return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, job.ID())
	}

	progress := make(chan internal.ProgressMessage, progressBuffer)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		for msg := range progress {
			if r.publisher != nil {
				r.publisher.Publish(msg.JobID, msg)
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		defer r.running.Delete(job.ID())
		defer cancel()
		defer close(progress)

		err := r.runner.Run(ctx, job, progress)
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrCancelled):
			r.logger.Infow("Job cancelled", "job_id", job.ID())
		default:
			r.logger.Warnw("Job failed", "job_id", job.ID(), "error", err)
		}
	}()
	return nil
}

func (r *Registry) Get(id string) (orchestrator.JobState, error) {
	job, ok := r.lookup(id)
	if !ok {
		return orchestrator.JobState{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Snapshot(), nil
}

// List returns every job in creation order.
func (r *Registry) List() []orchestrator.JobState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]orchestrator.JobState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].Snapshot())
	}
	return out
}

// Cancel asks the run of job id to stop and returns immediately. It reports
// false when the job is unknown or no longer active.
func (r *Registry) Cancel(id string) bool {
	job, ok := r.lookup(id)
	if !ok || !job.Status().IsActive() {
		return false
	}
	v, ok := r.running.Load(id)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	r.logger.Infow("Cancellation requested", "job_id", id)
	return true
}

// OutputPath returns the translated book of a completed job.
func (r *Registry) OutputPath(id string) (string, error) {
	job, ok := r.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	state := job.Snapshot()
	if state.Status != internal.StatusCompleted {
		return "", fmt.Errorf("%w: status is %s", ErrOutputNotReady, state.Status)
	}
	if !r.files.OutputExists(state.OutputPath) {
		return "", fmt.Errorf("%w: %s", ErrOutputNotFound, id)
	}
	return state.OutputPath, nil
}

// Shutdown cancels every active run and waits for them to finish or for ctx
// to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancelAll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func (r *Registry) lookup(id string) (*orchestrator.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}
