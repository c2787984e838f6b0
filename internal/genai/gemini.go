package genai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gemini "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiDefaultModel is used when no model is configured.
const GeminiDefaultModel = "gemini-2.0-flash"

// geminiSession sends one prompt and returns the candidate parts.
type geminiSession interface {
	Send(ctx context.Context, systemPrompt, userPrompt string) (*gemini.GenerateContentResponse, error)
}

type geminiModel struct {
	client      *gemini.Client
	modelID     string
	temperature float32
}

func (m *geminiModel) Send(ctx context.Context, systemPrompt, userPrompt string) (*gemini.GenerateContentResponse, error) {
	model := m.client.GenerativeModel(m.modelID)
	model.SetTemperature(m.temperature)
	if strings.TrimSpace(systemPrompt) != "" {
		model.SystemInstruction = gemini.NewUserContent(gemini.Text(systemPrompt))
	}
	cs := model.StartChat()
	return cs.SendMessage(ctx, gemini.Text(userPrompt))
}

// GeminiClient completes prompts with Google's Gemini API.
type GeminiClient struct {
	session geminiSession
	closer  func() error
}

// Compile-time check that GeminiClient implements Completer.
var _ Completer = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini client for modelID.
func NewGeminiClient(ctx context.Context, apiKey, modelID string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini API key not set")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = GeminiDefaultModel
	}
	client, err := gemini.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		session: &geminiModel{client: client, modelID: modelID},
		closer:  client.Close,
	}, nil
}

func (g *GeminiClient) Name() string { return "gemini" }

func (g *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := g.session.Send(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoChoicesReturned
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", errors.New("gemini returned empty content")
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(gemini.Text); ok {
			b.WriteString(string(text))
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// Close releases the underlying client.
func (g *GeminiClient) Close() error {
	if g.closer != nil {
		return g.closer()
	}
	return nil
}
