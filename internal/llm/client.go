package llm

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const (
	DefaultBaseURL    = "https://openrouter.ai/api/v1"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
)

// Models that follow a JSON schema reliably enough to classify with
const (
	ModelGPT4oMini    = "openai/gpt-4o-mini"
	ModelClaude3Haiku = "anthropic/claude-3-haiku"
	ModelGeminiFlash  = "google/gemini-flash-1.5"
)

// ErrNoLabels is returned for a classification without candidate labels
var ErrNoLabels = errors.New("classification needs at least one label")

// Client classifies documents through an OpenAI-compatible chat endpoint
type Client struct {
	api          openai.Client
	defaultModel string
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	model      string
}

// WithBaseURL points the client at another OpenAI-compatible endpoint
func WithBaseURL(url string) ClientOption {
	return func(cfg *clientConfig) {
		if url != "" {
			cfg.baseURL = url
		}
	}
}

// WithTimeout bounds each HTTP request
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithMaxRetries sets how often a failed request is retried
func WithMaxRetries(n int) ClientOption {
	return func(cfg *clientConfig) {
		if n >= 0 {
			cfg.maxRetries = n
		}
	}
}

// WithDefaultModel sets the model used when a request names none
func WithDefaultModel(model string) ClientOption {
	return func(cfg *clientConfig) {
		if model != "" {
			cfg.model = model
		}
	}
}

// NewClient creates a classification client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	cfg := &clientConfig{
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		model:      ModelGPT4oMini,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		api: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(cfg.baseURL),
			option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
			option.WithMaxRetries(cfg.maxRetries),
			option.WithHeader("HTTP-Referer", "https://github.com/rezonia/peppol-exchange"),
			option.WithHeader("X-Title", "PEPPOL Exchange"),
		),
		defaultModel: cfg.model,
	}
}

// ClassifyRequest asks the model to place Subject under exactly one of Labels
type ClassifyRequest struct {
	Model        string
	Instructions string
	Subject      string
	Labels       []string
	// Fallback replaces answers outside Labels; defaults to the last label
	Fallback string
}

// Classification is the label the model picked
type Classification struct {
	Label      string
	Confidence float64
	Reason     string
	Model      string
}

type classificationAnswer struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Classify sends one classification request. The labels are offered to the
// model as a strict JSON schema enum; an answer outside them still collapses
// onto the fallback for models that ignore the schema.
func (c *Client) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	if len(req.Labels) == 0 {
		return nil, ErrNoLabels
	}
	model := cmp.Or(req.Model, c.defaultModel)
	fallback := cmp.Or(req.Fallback, req.Labels[len(req.Labels)-1])

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instructions),
			openai.UserMessage(req.Subject),
		},
		MaxTokens:   param.NewOpt[int64](256),
		Temperature: param.NewOpt[float64](0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "classification",
					Schema: labelSchema(req.Labels),
					Strict: openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classify with %s: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classify with %s: no choices in response", model)
	}

	var ans classificationAnswer
	if err := json.Unmarshal([]byte(ExtractJSON(resp.Choices[0].Message.Content)), &ans); err != nil {
		return nil, fmt.Errorf("parse classification: %w", err)
	}
	return &Classification{
		Label:      matchLabel(req.Labels, ans.Label, fallback),
		Confidence: min(max(ans.Confidence, 0), 1),
		Reason:     strings.TrimSpace(ans.Reason),
		Model:      cmp.Or(resp.Model, model),
	}, nil
}

func labelSchema(labels []string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"label":      map[string]any{"type": "string", "enum": labels},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"reason":     map[string]any{"type": "string"},
		},
		"required":             []string{"label", "confidence", "reason"},
		"additionalProperties": false,
	}
}

// matchLabel maps answer onto a label ignoring case, else onto fallback
func matchLabel(labels []string, answer, fallback string) string {
	answer = strings.TrimSpace(answer)
	for _, l := range labels {
		if strings.EqualFold(l, answer) {
			return l
		}
	}
	return fallback
}

// ExtractJSON returns the JSON object in a model answer, unwrapping a
// markdown code fence when the model added one
func ExtractJSON(response string) string {
	s := strings.TrimSpace(response)
	if start := strings.Index(s, "```"); start != -1 {
		body := s[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl != -1 && !strings.HasPrefix(strings.TrimSpace(body[:nl]), "{") {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end != -1 {
			return strings.TrimSpace(body[:end])
		}
	}
	if start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); start != -1 && end > start {
		return s[start : end+1]
	}
	return s
}
