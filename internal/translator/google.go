package translator

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	translate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"
)

// GoogleModels are the Cloud Translation v2 model identifiers.
var GoogleModels = []string{"nmt", "base"}

// GoogleService translates through Cloud Translation v2. Context is ignored:
// the API has no notion of it.
type GoogleService struct {
	credentials string
	project     string
}

func NewGoogleService(credentials, project string) *GoogleService {
	return &GoogleService{
		credentials: strings.TrimSpace(credentials),
		project:     strings.TrimSpace(project),
	}
}

func (s *GoogleService) Name() string {
	return "google"
}

func (s *GoogleService) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if s.credentials != "" {
		opts = append(opts, option.WithCredentialsFile(s.credentials))
	}
	if s.project != "" {
		opts = append(opts, option.WithQuotaProject(s.project))
	}
	return opts
}

func (s *GoogleService) Translate(ctx context.Context, req TranslateRequest) (string, error) {
	target, err := language.Parse(req.TargetLang)
	if err != nil {
		return "", fmt.Errorf("invalid target language %q: %w", req.TargetLang, err)
	}

	opts := &translate.Options{Format: translate.Text}
	if req.SourceLang != "" && req.SourceLang != "auto" {
		source, err := language.Parse(req.SourceLang)
		if err != nil {
			return "", fmt.Errorf("invalid source language %q: %w", req.SourceLang, err)
		}
		opts.Source = source
	}
	if req.Model == "nmt" || req.Model == "base" {
		opts.Model = req.Model
	}

	client, err := translate.NewClient(ctx, s.clientOptions()...)
	if err != nil {
		return "", &BackendError{Backend: s.Name(), Op: "translate", Err: err}
	}
	defer client.Close()

	translations, err := client.Translate(ctx, []string{req.Text}, target, opts)
	if err != nil {
		return "", &BackendError{Backend: s.Name(), Op: "translate", Err: err}
	}
	if len(translations) == 0 {
		return "", &BackendError{Backend: s.Name(), Op: "translate", Err: errors.New("no translation returned")}
	}

	text := strings.TrimSpace(html.UnescapeString(translations[0].Text))
	if text == "" {
		return "", &BackendError{Backend: s.Name(), Op: "translate", Err: errEmptyResponse}
	}
	return text, nil
}

func (s *GoogleService) ListModels(ctx context.Context) ([]string, error) {
	out := make([]string, len(GoogleModels))
	copy(out, GoogleModels)
	return out, nil
}

// UnloadModel is a no-op: there is nothing to evict on a hosted service.
func (s *GoogleService) UnloadModel(ctx context.Context, model string) bool {
	return true
}

func (s *GoogleService) IsAvailable(ctx context.Context) error {
	client, err := translate.NewClient(ctx, s.clientOptions()...)
	if err != nil {
		return &BackendError{Backend: s.Name(), Op: "connect", Err: err}
	}
	return client.Close()
}
