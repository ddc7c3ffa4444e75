package orchestrator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/valpere/epubtran/internal"
)

// AutoLanguage asks for the source language to be detected.
const AutoLanguage = "auto"

// DownloadURL is where a completed job's output is served.
func DownloadURL(jobID string) string {
	return "/api/download/" + jobID
}

// OutputName is the file name of a job's translated book.
func OutputName(jobID string) string {
	return fmt.Sprintf("translated_%s.epub", jobID)
}

// JobState is a point-in-time copy of a job.
type JobState struct {
	ID           string          `json:"job_id"`
	FileID       string          `json:"file_id"`
	SourceLang   string          `json:"source_language"`
	TargetLang   string          `json:"target_language"`
	Model        string          `json:"model"`
	DetectedLang string          `json:"detected_language,omitempty"`
	Status       internal.Status `json:"status"`

	CurrentChapter       int `json:"current_chapter"`
	TotalChapters        int `json:"total_chapters"`
	CurrentChunk         int `json:"current_chunk"`
	TotalChunksInChapter int `json:"total_chunks"`
	CompletedChunks      int `json:"completed_chunks"`
	TotalChunks          int `json:"total_chunks_all"`

	StartTime    time.Time `json:"start_time"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OutputPath   string    `json:"-"`
}

// EffectiveSourceLang is the detected language when detection succeeded,
// otherwise the requested one.
func (s JobState) EffectiveSourceLang() string {
	if s.DetectedLang != "" {
		return s.DetectedLang
	}
	return s.SourceLang
}

// Percentage is completed / total chunks, clamped to [0, 100] and rounded to
// one decimal.
func (s JobState) Percentage() float64 {
	if s.TotalChunks <= 0 {
		if s.Status == internal.StatusCompleted {
			return 100
		}
		return 0
	}
	p := float64(s.CompletedChunks) / float64(s.TotalChunks) * 100
	return round1(math.Min(math.Max(p, 0), 100))
}

// EstimatedTimeRemaining extrapolates the average chunk duration over the
// remaining chunks, in seconds. It is zero until a chunk has completed.
func (s JobState) EstimatedTimeRemaining(now time.Time) float64 {
	if s.CompletedChunks <= 0 || s.StartTime.IsZero() {
		return 0
	}
	remaining := s.TotalChunks - s.CompletedChunks
	if remaining <= 0 {
		return 0
	}
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed < 0 {
		return 0
	}
	return round1(elapsed / float64(s.CompletedChunks) * float64(remaining))
}

// Message renders the state as a progress message.
func (s JobState) Message(now time.Time, chapterTitle, previewOriginal, previewTranslated string) internal.ProgressMessage {
	msg := internal.ProgressMessage{
		Type:                   internal.MessageTypeProgress,
		JobID:                  s.ID,
		Status:                 s.Status,
		ChapterCurrent:         s.CurrentChapter,
		ChapterTotal:           s.TotalChapters,
		ChapterTitle:           chapterTitle,
		ChunkCurrent:           s.CurrentChunk,
		ChunkTotal:             s.TotalChunksInChapter,
		Percentage:             s.Percentage(),
		EstimatedTimeRemaining: s.EstimatedTimeRemaining(now),
		PreviewOriginal:        previewOriginal,
		PreviewTranslated:      previewTranslated,
		ErrorMessage:           s.ErrorMessage,
		Timestamp:              now,
	}
	if s.Status == internal.StatusCompleted {
		msg.DownloadURL = DownloadURL(s.ID)
	}
	return msg
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Job is the mutable record of one translation. Only the orchestrator run
// that owns it writes to it; any goroutine may take snapshots.
type Job struct {
	mu    sync.RWMutex
	state JobState
}

func NewJob(id string, req internal.TranslationRequest) *Job {
	return &Job{state: JobState{
		ID:         id,
		FileID:     req.FileID,
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
		Model:      req.Model,
		Status:     internal.StatusPending,
	}}
}

func (j *Job) ID() string {
	return j.state.ID
}

func (j *Job) Snapshot() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Status returns the current status.
func (j *Job) Status() internal.Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state.Status
}

func (j *Job) update(fn func(s *JobState)) JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.state)
	return j.state
}

// transition moves the job to status to, applying fn under the same lock.
func (j *Job) transition(to internal.Status, fn func(s *JobState)) (JobState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	from := j.state.Status
	if !from.CanTransition(to) {
		return j.state, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	j.state.Status = to
	if fn != nil {
		fn(&j.state)
	}
	return j.state, nil
}
