package internal

import "time"

// Fragment is a single translatable text unit extracted from a chapter.
// ID is unique within its chapter and survives until re-injection.
type Fragment struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Tag  string `json:"tag"`
}

// Chapter is one document of the book that contains translatable text.
// Href identifies the chapter inside the container and is the handle used
// to write translations back.
type Chapter struct {
	Index     int        `json:"index"`
	Name      string     `json:"name"`
	Href      string     `json:"href"`
	Fragments []Fragment `json:"fragments"`
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusParsing     Status = "parsing"
	StatusTranslating Status = "translating"
	StatusRebuilding  Status = "rebuilding"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a run is (or may be) working on the job.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusParsing, StatusTranslating, StatusRebuilding:
		return true
	default:
		return false
	}
}

// CanTransition enforces the job state machine edges.
func (s Status) CanTransition(to Status) bool {
	if to == StatusFailed || to == StatusCancelled {
		return s.IsActive()
	}
	switch s {
	case StatusPending:
		return to == StatusParsing
	case StatusParsing:
		return to == StatusTranslating
	case StatusTranslating:
		return to == StatusRebuilding
	case StatusRebuilding:
		return to == StatusCompleted
	default:
		return false
	}
}

const (
	MessageTypeProgress = "progress"
	MessageTypePong     = "pong"
)

// ProgressMessage is the snapshot pushed to live subscribers of a job.
type ProgressMessage struct {
	Type                   string    `json:"type"`
	JobID                  string    `json:"job_id"`
	Status                 Status    `json:"status"`
	ChapterCurrent         int       `json:"chapter_current"`
	ChapterTotal           int       `json:"chapter_total"`
	ChapterTitle           string    `json:"chapter_title"`
	ChunkCurrent           int       `json:"chunk_current"`
	ChunkTotal             int       `json:"chunk_total"`
	Percentage             float64   `json:"percentage"`
	EstimatedTimeRemaining float64   `json:"estimated_time_remaining"`
	PreviewOriginal        string    `json:"preview_original"`
	PreviewTranslated      string    `json:"preview_translated"`
	ErrorMessage           string    `json:"error_message,omitempty"`
	DownloadURL            string    `json:"download_url,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}

// TranslationRequest is what a caller submits to start a job.
type TranslationRequest struct {
	FileID     string `json:"file_id"`
	SourceLang string `json:"source_language"`
	TargetLang string `json:"target_language"`
	Model      string `json:"model"`
}
