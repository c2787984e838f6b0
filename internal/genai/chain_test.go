package genai

import (
	"context"
	"errors"
	"testing"

	gemini "github.com/google/generative-ai-go/genai"
)

type stubCompleter struct {
	name  string
	out   string
	err   error
	calls int
}

func (s *stubCompleter) Name() string { return s.name }

func (s *stubCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.calls++
	return s.out, s.err
}

func TestChain_FallsBackInOrder(t *testing.T) {
	openaiStub := &stubCompleter{name: "openai", err: errors.New("rate limited")}
	groqStub := &stubCompleter{name: "groq", out: "from groq"}
	geminiStub := &stubCompleter{name: "gemini", out: "from gemini"}

	chain := NewChain("", openaiStub, groqStub, geminiStub)
	out, err := chain.Complete(context.Background(), "s", "u")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "from groq" {
		t.Errorf("expected groq answer, got %q", out)
	}
	if geminiStub.calls != 0 {
		t.Error("gemini should not be called after groq succeeded")
	}
}

func TestChain_PreferredFirst(t *testing.T) {
	openaiStub := &stubCompleter{name: "openai", out: "from openai"}
	geminiStub := &stubCompleter{name: "gemini", out: "from gemini"}

	chain := NewChain("Gemini", openaiStub, nil, geminiStub)
	if chain.Name() != "gemini,openai" {
		t.Errorf("unexpected order %q", chain.Name())
	}
	out, _ := chain.Complete(context.Background(), "s", "u")
	if out != "from gemini" {
		t.Errorf("expected preferred provider to answer, got %q", out)
	}
}

func TestChain_AllFail(t *testing.T) {
	boom := errors.New("boom")
	chain := NewChain("", &stubCompleter{name: "a", err: boom}, &stubCompleter{name: "b", err: boom})
	_, err := chain.Complete(context.Background(), "s", "u")
	if !errors.Is(err, boom) {
		t.Errorf("expected joined provider errors, got %v", err)
	}
	if _, err := NewChain("").Complete(context.Background(), "s", "u"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

type fakeGeminiSession struct {
	resp *gemini.GenerateContentResponse
	err  error
}

func (f *fakeGeminiSession) Send(ctx context.Context, systemPrompt, userPrompt string) (*gemini.GenerateContentResponse, error) {
	return f.resp, f.err
}

func TestGeminiClient_JoinsTextParts(t *testing.T) {
	resp := &gemini.GenerateContentResponse{
		Candidates: []*gemini.Candidate{{
			Content: &gemini.Content{Parts: []gemini.Part{gemini.Text(`{"name":`), gemini.Text(`"Jane"} `)}},
		}},
	}
	g := &GeminiClient{session: &fakeGeminiSession{resp: resp}}
	out, err := g.Complete(context.Background(), "s", "u")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"name":"Jane"}` {
		t.Errorf("unexpected output %q", out)
	}

	empty := &GeminiClient{session: &fakeGeminiSession{resp: &gemini.GenerateContentResponse{}}}
	if _, err := empty.Complete(context.Background(), "s", "u"); !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestNewGeminiClient_NoKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), "", ""); err == nil {
		t.Error("expected error without API key")
	}
}
