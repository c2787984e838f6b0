package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: completion(`{"name":"John Doe"}`)}
	client := &Client{chat: mock, model: "test-model"}
	out, err := client.Complete(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != `{"name":"John Doe"}` {
		t.Errorf("unexpected output %q", out)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.params.Messages))
	}
	if string(mock.params.Model) != "test-model" {
		t.Errorf("expected model test-model, got %q", mock.params.Model)
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, name: "groq"}
	_, err := client.Complete(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") || !strings.Contains(err.Error(), "groq") {
		t.Errorf("expected wrapped service failure, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.Complete(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithBaseURL(GroqBaseURL), WithModel(GroqDefaultModel), WithName("groq"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Name() != "groq" || cli.model != GroqDefaultModel {
		t.Errorf("options not applied: name=%s model=%s", cli.Name(), cli.model)
	}
}
