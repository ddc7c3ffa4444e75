package translator

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/valpere/epubtran/internal/postprocess"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultTemperature = 0.3
	DefaultTopP        = 0.9
)

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	baseURL     string
	temperature float64
	topP        float64
	client      *http.Client
}

// OllamaOption customizes an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(o *OllamaClient) {
		if c != nil {
			o.client = c
		}
	}
}

// WithTimeout sets the per-call ceiling on the default HTTP client.
func WithTimeout(d time.Duration) OllamaOption {
	return func(o *OllamaClient) {
		if d > 0 {
			o.client.Timeout = d
		}
	}
}

// WithSampling overrides temperature and top_p.
func WithSampling(temperature, topP float64) OllamaOption {
	return func(o *OllamaClient) {
		o.temperature = temperature
		o.topP = topP
	}
}

func NewOllamaClient(baseURL string, opts ...OllamaOption) *OllamaClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	c := &OllamaClient{
		baseURL:     baseURL,
		temperature: DefaultTemperature,
		topP:        DefaultTopP,
		client:      &http.Client{Timeout: DefaultCallTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OllamaClient) Name() string {
	return "ollama"
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type generateRequest struct {
	Model     string           `json:"model"`
	Prompt    string           `json:"prompt"`
	System    string           `json:"system,omitempty"`
	Stream    bool             `json:"stream"`
	Options   *generateOptions `json:"options,omitempty"`
	KeepAlive *int             `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *OllamaClient) Translate(ctx context.Context, req TranslateRequest) (string, error) {
	body := generateRequest{
		Model:  req.Model,
		Prompt: UserPrompt(req.Text, req.Context),
		System: SystemPrompt(req.SourceLang, req.TargetLang),
		Stream: false,
		Options: &generateOptions{
			Temperature: c.temperature,
			TopP:        c.topP,
		},
	}

	var out generateResponse
	if err := c.postJSON(ctx, "/api/generate", body, &out); err != nil {
		return "", c.wrap("translate", err)
	}

	text := strings.TrimSpace(postprocess.Clean(out.Response))
	if text == "" {
		return "", &BackendError{Backend: c.Name(), Op: "translate", Err: errEmptyResponse}
	}
	return text, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, c.wrap("list models", err)
	}

	var tags tagsResponse
	if err := doJSON(c.client, httpReq, &tags); err != nil {
		return nil, c.wrap("list models", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// UnloadModel evicts model from memory by issuing an empty generate with
// keep_alive set to zero.
func (c *OllamaClient) UnloadModel(ctx context.Context, model string) bool {
	zero := 0
	body := generateRequest{
		Model:     model,
		Prompt:    "",
		Stream:    false,
		KeepAlive: &zero,
	}
	return c.postJSON(ctx, "/api/generate", body, nil) == nil
}

func (c *OllamaClient) IsAvailable(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

func (c *OllamaClient) postJSON(ctx context.Context, path string, body, out any) error {
	httpReq, err := newJSONRequest(ctx, c.baseURL+path, body)
	if err != nil {
		return err
	}
	return doJSON(c.client, httpReq, out)
}

func (c *OllamaClient) wrap(op string, err error) error {
	return wrapBackendError(c.Name(), op, err)
}
