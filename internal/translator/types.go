package translator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultCallTimeout bounds a single backend round trip.
const DefaultCallTimeout = 300 * time.Second

type TranslateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	Model      string `json:"model"`
	Context    string `json:"context,omitempty"`
}

// Backend is a stateless request/response wrapper around a translation
// service. One Translate call is one chunk translation attempt.
type Backend interface {
	Name() string
	Translate(ctx context.Context, req TranslateRequest) (string, error)
	ListModels(ctx context.Context) ([]string, error)
	// UnloadModel is best-effort: failures are reported as false, never
	// returned as errors.
	UnloadModel(ctx context.Context, model string) bool
	IsAvailable(ctx context.Context) error
}

// BackendError reports an unreachable backend, a non-success response or a
// malformed payload. StatusCode is zero when no HTTP response was received.
type BackendError struct {
	Backend    string
	Op         string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Backend, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsBackendError reports whether err is, or wraps, a *BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

var errEmptyResponse = errors.New("empty response")
