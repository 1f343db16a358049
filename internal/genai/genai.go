// Package genai provides text generation over the OpenAI chat completions API
// with model failover, streaming and per-attempt accounting.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

// ProviderOpenAI names the provider recorded on every attempt.
const ProviderOpenAI = "openai"

var (
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrAllAttemptsFailed is returned when the primary and every fallback model failed.
	ErrAllAttemptsFailed = errors.New("all generation attempts failed")
	// ErrStreamAbandoned is returned when the token consumer stopped reading.
	ErrStreamAbandoned = errors.New("stream abandoned by consumer")
	// ErrMissingAPIKey is returned by NewClient without a key.
	ErrMissingAPIKey = errors.New("OpenAI API key not provided")
)

// completionStream is the subset of ssestream.Stream used here.
type completionStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
	Stream(ctx context.Context, params openai.ChatCompletionNewParams) completionStream
}

// openAIChat adapts the SDK service to chatService.
type openAIChat struct {
	svc *openai.ChatCompletionService
}

func (o openAIChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

func (o openAIChat) Stream(ctx context.Context, params openai.ChatCompletionNewParams) completionStream {
	return o.svc.NewStreaming(ctx, params)
}

// CostFunc returns per-1k token prices for a model.
type CostFunc func(model string) (input, output float64)

// Request describes one generation.
type Request struct {
	System  string
	Prompt  string
	Profile models.ModelProfile
	// Fallbacks are tried in order after Profile.Model fails.
	Fallbacks []string
}

// Attempt records one call against one model.
type Attempt struct {
	Provider         string
	Model            string
	LatencyMs        int64
	TokenIn          int
	TokenOut         int
	EstimatedCostUSD float64
	Status           models.TelemetryStatus
	ErrorCode        string
}

// Response is the outcome of a generation. Attempts is populated even when
// an error is returned.
type Response struct {
	Text             string
	Provider         string
	Model            string
	Attempts         []Attempt
	TokenIn          int
	TokenOut         int
	LatencyMs        int64
	EstimatedCostUSD float64
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat      chatService
	apiKey    string
	costFor   CostFunc
	counter   *tokenCounter
	debugMode bool
	stateDir  string
	now       func() time.Time
}

// Option defines a configuration option for the Client.
type Option func(*Client)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithCostFunc sets the price lookup used for cost estimation.
func WithCostFunc(fn CostFunc) Option {
	return func(c *Client) {
		c.costFor = fn
	}
}

// WithDebugMode writes every request and response under stateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(c *Client) {
		c.debugMode = enabled
	}
}

// WithStateDir sets the directory used for debug output.
func WithStateDir(dir string) Option {
	return func(c *Client) {
		c.stateDir = dir
	}
}

// NewClient creates a new Client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(c.apiKey))
	c.chat = openAIChat{svc: &cli.Chat.Completions}
	c.counter = newTokenCounter()
	return c, nil
}

func (c *Client) candidates(req Request) []string {
	out := []string{req.Profile.Model}
	for _, m := range req.Fallbacks {
		if m != "" && m != req.Profile.Model {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) params(req Request, model string) openai.ChatCompletionNewParams {
	system := req.System
	if req.Profile.QualityInstruction != "" {
		system = strings.TrimSpace(system + "\n\n" + req.Profile.QualityInstruction)
	}
	p := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(req.Profile.Temperature),
	}
	if req.Profile.MaxOutputTokens > 0 {
		p.MaxCompletionTokens = openai.Int(int64(req.Profile.MaxOutputTokens))
	}
	return p
}

// Generate runs a single-shot completion, failing over through the fallback
// models until one returns content.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	var resp Response
	var lastErr error
	for _, model := range c.candidates(req) {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		params := c.params(req, model)
		start := c.clock()
		completion, err := c.chat.Create(ctx, params)
		latency := c.clock().Sub(start).Milliseconds()

		if err == nil && len(completion.Choices) == 0 {
			err = ErrNoChoicesReturned
		}
		if err != nil {
			slog.Warn("genai.Client.Generate: attempt failed", "model", model, "error", err)
			resp.Attempts = append(resp.Attempts, c.failedAttempt(model, latency, err))
			lastErr = err
			continue
		}

		text := completion.Choices[0].Message.Content
		tokenIn := int(completion.Usage.PromptTokens)
		tokenOut := int(completion.Usage.CompletionTokens)
		if tokenIn == 0 && tokenOut == 0 {
			tokenIn = c.countTokens(req.System + "\n" + req.Prompt)
			tokenOut = c.countTokens(text)
		}
		attempt := c.okAttempt(model, latency, tokenIn, tokenOut)
		resp.Attempts = append(resp.Attempts, attempt)
		c.fill(&resp, text, attempt)
		c.writeDebug("Generate", model, params, text)
		slog.Debug("genai.Client.Generate: completed", "model", model, "latencyMs", latency, "tokenIn", tokenIn, "tokenOut", tokenOut)
		return resp, nil
	}
	return resp, fmt.Errorf("%w: %w", ErrAllAttemptsFailed, lastErr)
}

// Stream runs a streaming completion and passes every content delta to
// onToken. Failover happens only before the first token is delivered. When
// onToken returns an error the stream is closed and the partial text is
// returned with ErrStreamAbandoned.
func (c *Client) Stream(ctx context.Context, req Request, onToken func(string) error) (Response, error) {
	var resp Response
	var lastErr error
	for _, model := range c.candidates(req) {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		params := c.params(req, model)
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

		start := c.clock()
		text, usage, delivered, err := c.drain(ctx, params, onToken)
		latency := c.clock().Sub(start).Milliseconds()

		abandoned := errors.Is(err, ErrStreamAbandoned)
		if err != nil && !abandoned {
			slog.Warn("genai.Client.Stream: attempt failed", "model", model, "delivered", delivered, "error", err)
			resp.Attempts = append(resp.Attempts, c.failedAttempt(model, latency, err))
			lastErr = err
			if delivered {
				resp.Text = text
				return resp, err
			}
			continue
		}

		tokenIn, tokenOut := usage.in, usage.out
		if tokenIn == 0 && tokenOut == 0 {
			tokenIn = c.countTokens(req.System + "\n" + req.Prompt)
			tokenOut = c.countTokens(text)
		}
		attempt := c.okAttempt(model, latency, tokenIn, tokenOut)
		resp.Attempts = append(resp.Attempts, attempt)
		c.fill(&resp, text, attempt)
		c.writeDebug("Stream", model, params, text)
		if abandoned {
			return resp, err
		}
		return resp, nil
	}
	return resp, fmt.Errorf("%w: %w", ErrAllAttemptsFailed, lastErr)
}

type streamUsage struct {
	in, out int
}

func (c *Client) drain(ctx context.Context, params openai.ChatCompletionNewParams, onToken func(string) error) (string, streamUsage, bool, error) {
	stream := c.chat.Stream(ctx, params)
	defer stream.Close()

	var sb strings.Builder
	var usage streamUsage
	delivered := false
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = streamUsage{in: int(chunk.Usage.PromptTokens), out: int(chunk.Usage.CompletionTokens)}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		delivered = true
		if onToken != nil {
			if err := onToken(delta); err != nil {
				return sb.String(), usage, delivered, fmt.Errorf("%w: %w", ErrStreamAbandoned, err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return sb.String(), usage, delivered, err
	}
	if sb.Len() == 0 {
		return "", usage, false, ErrNoChoicesReturned
	}
	return sb.String(), usage, delivered, nil
}

func (c *Client) fill(resp *Response, text string, a Attempt) {
	resp.Text = text
	resp.Provider = a.Provider
	resp.Model = a.Model
	resp.TokenIn = a.TokenIn
	resp.TokenOut = a.TokenOut
	resp.LatencyMs = a.LatencyMs
	resp.EstimatedCostUSD = a.EstimatedCostUSD
}

func (c *Client) okAttempt(model string, latency int64, tokenIn, tokenOut int) Attempt {
	return Attempt{
		Provider:         ProviderOpenAI,
		Model:            model,
		LatencyMs:        latency,
		TokenIn:          tokenIn,
		TokenOut:         tokenOut,
		EstimatedCostUSD: c.estimateCost(model, tokenIn, tokenOut),
		Status:           models.TelemetryStatusOK,
	}
}

func (c *Client) failedAttempt(model string, latency int64, err error) Attempt {
	return Attempt{
		Provider:  ProviderOpenAI,
		Model:     model,
		LatencyMs: latency,
		Status:    models.TelemetryStatusError,
		ErrorCode: ErrorCode(err),
	}
}

func (c *Client) estimateCost(model string, tokenIn, tokenOut int) float64 {
	if c.costFor == nil {
		return 0
	}
	in, out := c.costFor(model)
	return float64(tokenIn)/1000*in + float64(tokenOut)/1000*out
}

// ErrorCode reduces an error to a short telemetry code.
func ErrorCode(err error) string {
	var apiErr *openai.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrNoChoicesReturned):
		return "empty_response"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	default:
		return "provider_error"
	}
}

func (c *Client) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
