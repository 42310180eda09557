package fix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrNoAPIKey is returned when a remote completion endpoint has no key configured
var ErrNoAPIKey = errors.New("completion API key not configured")

// Prompt is one completion request
type Prompt struct {
	System string
	User   string
}

// Completer turns a prompt into text
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// OpenAIOptions configures an OpenAICompleter
type OpenAIOptions struct {
	BaseURL string
	Model   string
	// APIKey is consulted on every call so key rotation takes effect without a restart
	APIKey            func() string
	RequireKey        bool
	Temperature       float32
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// OpenAICompleter talks to any OpenAI-compatible chat completion endpoint
type OpenAICompleter struct {
	opts    OpenAIOptions
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAICompleter creates a completer. RequestsPerMinute <= 0 disables limiting.
func NewOpenAICompleter(opts OpenAIOptions) *OpenAICompleter {
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
		burst = max(1, opts.RequestsPerMinute/10)
	}
	if opts.APIKey == nil {
		opts.APIKey = func() string { return "" }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICompleter{
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "completion", "model", opts.Model),
	}
}

// Model returns the configured model name
func (c *OpenAICompleter) Model() string {
	return c.opts.Model
}

func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	key := c.opts.APIKey()
	if key == "" {
		if c.opts.RequireKey {
			return "", ErrNoAPIKey
		}
		// local servers ignore the key but the client sends the header regardless
		key = "unused"
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	cfg := openai.DefaultConfig(key)
	if c.opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(c.opts.BaseURL, "/")
	}
	if c.opts.HTTPClient != nil {
		cfg.HTTPClient = c.opts.HTTPClient
	}
	client := openai.NewClientWithConfig(cfg)

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	var messages []openai.ChatCompletionMessage
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.User})

	req := openai.ChatCompletionRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.Warn("completion request failed", "base_url", cfg.BaseURL, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	choice := resp.Choices[0]
	c.logger.Debug("completion received",
		"finish_reason", choice.FinishReason,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start))
	if choice.FinishReason == openai.FinishReasonLength {
		return "", ErrTruncated
	}
	return choice.Message.Content, nil
}

// FallbackCompleter tries Primary and falls back to Secondary on any error
// other than cancellation.
type FallbackCompleter struct {
	Primary   Completer
	Secondary Completer
	Logger    *slog.Logger
}

func (f *FallbackCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	out, err := f.Primary.Complete(ctx, p)
	if err == nil || f.Secondary == nil || ctx.Err() != nil {
		return out, err
	}
	if f.Logger != nil {
		f.Logger.Warn("primary completion failed, trying fallback", "error", err)
	}
	out, err2 := f.Secondary.Complete(ctx, p)
	if err2 != nil {
		return "", errors.Join(err, fmt.Errorf("fallback: %w", err2))
	}
	return out, nil
}
