// Package llm runs chat completions against the configured provider
// connection so created traces can carry a real output.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/connections"

	openai "github.com/sashabaranov/go-openai"
)

var ErrEmptyInput = errors.New("completion input is empty")

// Recorder receives completion metrics.
type Recorder interface {
	RecordCompletion(ctx context.Context, model string, totalTokens int, err error)
}

// Result is what a completion contributes to a trace.
type Result struct {
	Output        string
	Model         string
	InputTokens   int
	OutputTokens  int
	TotalTokens   int
	Latency       time.Duration
	InputCostUSD  float64
	OutputCostUSD float64
	// CostUSD is nil when the model has no known pricing.
	CostUSD *float64
}

type Options struct {
	Connections connections.Store
	// DefaultModel applies when the connection names no custom model.
	DefaultModel string
	Transport    http.RoundTripper
	Recorder     Recorder
	Logger       *slog.Logger
	Timeout      time.Duration
}

type Runner struct {
	connections  connections.Store
	defaultModel string
	transport    http.RoundTripper
	recorder     Recorder
	logger       *slog.Logger
	timeout      time.Duration
}

func NewRunner(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Runner{
		connections:  opts.Connections,
		defaultModel: strings.TrimSpace(opts.DefaultModel),
		transport:    opts.Transport,
		recorder:     opts.Recorder,
		logger:       opts.Logger,
		timeout:      opts.Timeout,
	}
}

// Complete sends input as a single user message. An empty model selects the
// connection's default.
func (r *Runner) Complete(ctx context.Context, input, model string) (*Result, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	conn, err := connections.Default(ctx, r.connections)
	if err != nil {
		return nil, fmt.Errorf("resolve llm connection: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = conn.DefaultModel()
		if len(conn.CustomModels) == 0 && r.defaultModel != "" {
			model = r.defaultModel
		}
	}

	client := openai.NewClientWithConfig(r.clientConfig(conn))
	started := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	})
	latency := time.Since(started)
	if err != nil {
		r.record(ctx, model, 0, err)
		r.logger.WarnContext(ctx, "llm completion failed", "provider", conn.Provider, "model", model, "error", err)
		return nil, fmt.Errorf("chat completion with %s: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("chat completion with %s returned no choices", model)
		r.record(ctx, model, 0, err)
		return nil, err
	}

	result := &Result{
		Output:       resp.Choices[0].Message.Content,
		Model:        firstNonEmpty(resp.Model, model),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		Latency:      latency,
	}
	if result.TotalTokens == 0 {
		result.TotalTokens = result.InputTokens + result.OutputTokens
	}
	if in, out, ok := EstimateCost(result.Model, result.InputTokens, result.OutputTokens); ok {
		result.InputCostUSD = in
		result.OutputCostUSD = out
		total := in + out
		result.CostUSD = &total
	}
	r.record(ctx, result.Model, result.TotalTokens, nil)
	r.logger.DebugContext(ctx, "llm completion finished",
		"provider", conn.Provider,
		"model", result.Model,
		"total_tokens", result.TotalTokens,
		"latency", latency,
	)
	return result, nil
}

func (r *Runner) clientConfig(conn *connections.Connection) openai.ClientConfig {
	cfg := openai.DefaultConfig(conn.SecretKey)
	if base := strings.TrimRight(strings.TrimSpace(conn.BaseURL), "/"); base != "" {
		cfg.BaseURL = base
	}
	transport := r.transport
	if len(conn.ExtraHeaders) > 0 {
		transport = headerTransport{base: transport, headers: conn.ExtraHeaders}
	}
	cfg.HTTPClient = &http.Client{Transport: transport, Timeout: r.timeout}
	return cfg
}

func (r *Runner) record(ctx context.Context, model string, tokens int, err error) {
	if r.recorder != nil {
		r.recorder.RecordCompletion(ctx, model, tokens, err)
	}
}

// headerTransport adds a connection's extra headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for key, value := range t.headers {
		clone.Header.Set(key, value)
	}
	return t.base.RoundTrip(clone)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
