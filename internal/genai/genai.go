// Package genai implements the AI completion capability on the OpenAI chat API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "gpt-4o-mini"

var (
	ErrNoAPIKey          = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService is the part of the OpenAI client the package uses.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the API key. Without it OPENAI_API_KEY is used.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model used when a request names none.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client answers completion requests.
type Client struct {
	chat  chatService
	model string
}

// NewClient creates a client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// Complete sends the system prompt and conversation history and returns the reply text.
func (c *Client) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    buildMessages(req),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Warn("Client.Complete: request failed", "model", model, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("Client.Complete", "model", model, "history", len(req.History), "reply_len", len(out))
	return out, nil
}

func buildMessages(req models.CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, h := range req.History {
		if h.Role == models.RoleAgent {
			msgs = append(msgs, openai.AssistantMessage(h.Text))
		} else {
			msgs = append(msgs, openai.UserMessage(h.Text))
		}
	}
	return msgs
}
