// Package genai provides text completion clients for OpenAI-compatible APIs
// (OpenAI, Groq) and Google Gemini, plus a provider chain that falls back from
// one to the next.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default settings for the OpenAI-compatible client.
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultTemperature         = 0.0
	DefaultMaxCompletionTokens = 512

	// GroqBaseURL is Groq's OpenAI-compatible endpoint.
	GroqBaseURL = "https://api.groq.com/openai/v1/"
	// GroqDefaultModel is used when Groq is selected without an explicit model.
	GroqDefaultModel = "llama-3.1-8b-instant"
)

// ErrNoChoicesReturned is returned when the API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// Completer turns a system and user prompt into a single text completion.
type Completer interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChat adapts the SDK's completion service to chatService.
type openaiChat struct {
	client openai.Client
}

func (o *openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the OpenAI-compatible client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Name                string
	Temperature         float64
	MaxCompletionTokens int64
	DebugMode           bool
	StateDir            string
}

// Option configures Opts.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithName sets the provider name reported by Name.
func WithName(name string) Option {
	return func(o *Opts) { o.Name = name }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens caps the completion length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithDebugMode writes every request/response pair under StateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory used for debug logs.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client wraps an OpenAI-compatible chat completion service.
type Client struct {
	chat                chatService
	name                string
	model               string
	temperature         float64
	maxCompletionTokens int64
	debugMode           bool
	stateDir            string
}

// Compile-time check that Client implements Completer.
var _ Completer = (*Client)(nil)

// NewClient creates a client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Name:                "openai",
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s API key not set", cfg.Name)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	slog.Debug("genai.NewClient", "provider", cfg.Name, "model", cfg.Model, "customBaseURL", cfg.BaseURL != "")
	return &Client{
		chat:                &openaiChat{client: openai.NewClient(reqOpts...)},
		name:                cfg.Name,
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	if c.name == "" {
		return "openai"
	}
	return c.name
}

// Complete sends one system and one user message and returns the reply text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Warn("Client.Complete: request failed", "provider", c.Name(), "error", err)
		return "", fmt.Errorf("%s completion: %w", c.Name(), err)
	}
	c.writeDebugLog("Complete", params, resp)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// writeDebugLog dumps the exchange to StateDir/debug/<timestamp>.json.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Client.writeDebugLog: mkdir failed", "dir", dir, "error", err)
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"provider":  c.Name(),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("Client.writeDebugLog: write failed", "error", err)
	}
}
