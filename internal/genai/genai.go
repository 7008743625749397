// Package genai provides text generation for amica agents using the OpenAI
// API. All structured-output parsing happens in the callers; this package
// only moves role-tagged messages in and text out, so no SDK response shapes
// leak into core logic.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = openai.ChatModelGPT4o

// ErrNoChoicesReturned indicates the API returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ClientInterface defines the generation capability consumed by the triage
// components. Implementations must be safe for concurrent use by many
// sessions.
type ClientInterface interface {
	// GenerateWithMessages produces a complete response for the given
	// role-tagged messages.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...RequestOption) (string, error)

	// StreamWithMessages produces a response incrementally, invoking onDelta
	// for each text fragment as it arrives. The returned string is the
	// concatenation of all fragments delivered, including on error, so
	// callers can commit exactly what was streamed.
	StreamWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, onDelta func(string), opts ...RequestOption) (string, error)
}

// chatService defines the minimal chat-completions surface used by Client,
// allowing tests to substitute a mock service.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	apiKey string
	model  openai.ChatModel
}

// WithAPIKey sets the API key explicitly instead of reading OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *clientOptions) { o.apiKey = key }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *clientOptions) { o.model = openai.ChatModel(model) }
}

// RequestOption configures a single generation request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	temperature param.Opt[float64]
	maxTokens   param.Opt[int64]
}

// WithTemperature sets the sampling temperature for one request.
func WithTemperature(t float64) RequestOption {
	return func(o *requestOptions) { o.temperature = openai.Float(t) }
}

// WithMaxTokens caps the number of tokens generated for one request.
func WithMaxTokens(n int64) RequestOption {
	return func(o *requestOptions) { o.maxTokens = openai.Int(n) }
}

// Client wraps the OpenAI chat-completions service.
type Client struct {
	completions chatService
	model       openai.ChatModel
}

// NewClient creates a generation client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := clientOptions{model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.apiKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("genai.NewClient: no API key configured")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	cli := openai.NewClient(option.WithAPIKey(apiKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.model)
	return &Client{completions: &cli.Chat.Completions, model: cfg.model}, nil
}

func (c *Client) buildParams(messages []openai.ChatCompletionMessageParamUnion, opts []RequestOption) openai.ChatCompletionNewParams {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if ro.temperature.Valid() {
		params.Temperature = ro.temperature
	}
	if ro.maxTokens.Valid() {
		params.MaxTokens = ro.maxTokens
	}
	return params
}

// GenerateWithMessages produces a complete response for the given messages.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...RequestOption) (string, error) {
	params := c.buildParams(messages, opts)
	slog.Debug("genai.GenerateWithMessages: sending request", "model", params.Model, "messageCount", len(messages))

	resp, err := c.completions.New(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateWithMessages: request failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.GenerateWithMessages: response contained no choices")
		return "", ErrNoChoicesReturned
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("genai.GenerateWithMessages: response received", "responseLength", len(content))
	return content, nil
}

// StreamWithMessages produces a response incrementally. Fragments delivered
// before a mid-stream failure are still returned so callers can commit
// exactly what was delivered.
func (c *Client) StreamWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, onDelta func(string), opts ...RequestOption) (string, error) {
	params := c.buildParams(messages, opts)
	slog.Debug("genai.StreamWithMessages: opening stream", "model", params.Model, "messageCount", len(messages))

	stream := c.completions.NewStreaming(ctx, params)
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		slog.Error("genai.StreamWithMessages: stream failed", "error", err, "deliveredLength", full.Len())
		return full.String(), fmt.Errorf("chat completion stream failed: %w", err)
	}

	slog.Debug("genai.StreamWithMessages: stream complete", "responseLength", full.Len())
	return full.String(), nil
}
