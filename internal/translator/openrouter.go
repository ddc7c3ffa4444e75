package translator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/valpere/epubtran/internal/postprocess"
)

const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

var DefaultOpenRouterModels = []string{
	"google/gemini-2.0-flash-exp:free",
	"qwen/qwen2.5-72b-instruct:free",
	"mistralai/mistral-nemo:free",
	"meta-llama/llama-3.1-8b-instruct:free",
}

// OpenRouterService sends chunks to a hosted chat-completions endpoint using
// the same prompts as the local backend.
type OpenRouterService struct {
	apiKey      string
	baseURL     string
	models      []string
	temperature float64
	topP        float64
	client      *http.Client
}

func NewOpenRouterService(apiKey, baseURL string, models []string, timeout time.Duration) *OpenRouterService {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultOpenRouterURL
	}
	if len(models) == 0 {
		models = DefaultOpenRouterModels
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &OpenRouterService{
		apiKey:      strings.TrimSpace(apiKey),
		baseURL:     baseURL,
		models:      models,
		temperature: DefaultTemperature,
		topP:        DefaultTopP,
		client:      &http.Client{Timeout: timeout},
	}
}

func (s *OpenRouterService) Name() string {
	return "openrouter"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (s *OpenRouterService) Translate(ctx context.Context, req TranslateRequest) (string, error) {
	if s.apiKey == "" {
		return "", &BackendError{Backend: s.Name(), Op: "translate", Err: errors.New("api key not configured")}
	}

	model := req.Model
	if model == "" {
		model = s.models[0]
	}

	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(req.SourceLang, req.TargetLang)},
			{Role: "user", Content: UserPrompt(req.Text, req.Context)},
		},
		MaxTokens:   4096,
		Temperature: s.temperature,
		TopP:        s.topP,
	}

	httpReq, err := newJSONRequest(ctx, s.baseURL+"/chat/completions", body)
	if err != nil {
		return "", wrapBackendError(s.Name(), "translate", err)
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))
	httpReq.Header.Set("HTTP-Referer", "https://epubtran.local")
	httpReq.Header.Set("X-Title", "epubtran")

	var out chatResponse
	if err := doJSON(s.client, httpReq, &out); err != nil {
		return "", wrapBackendError(s.Name(), "translate", err)
	}
	if len(out.Choices) == 0 {
		return "", &BackendError{Backend: s.Name(), Op: "translate", Err: errors.New("no choices in response")}
	}

	text := strings.TrimSpace(postprocess.Clean(out.Choices[0].Message.Content))
	if text == "" {
		return "", &BackendError{Backend: s.Name(), Op: "translate", Err: errEmptyResponse}
	}
	return text, nil
}

// ListModels returns the configured model list.
func (s *OpenRouterService) ListModels(ctx context.Context) ([]string, error) {
	out := make([]string, len(s.models))
	copy(out, s.models)
	return out, nil
}

func (s *OpenRouterService) UnloadModel(ctx context.Context, model string) bool {
	return true
}

func (s *OpenRouterService) IsAvailable(ctx context.Context) error {
	if s.apiKey == "" {
		return &BackendError{Backend: s.Name(), Op: "connect", Err: errors.New("api key not configured")}
	}
	return nil
}
