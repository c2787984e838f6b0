package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/genai"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

const llmSystemPrompt = `You extract structured data for a medical clinic's appointment booking assistant.
Reply with a single JSON object and nothing else. Use exactly the keys listed by the user.
Every value must be a string, or null when the text does not contain it. Never invent values.
Dates must be written as YYYY-MM-DD.`

// LLMExtractor asks a language model to return the fields as JSON.
type LLMExtractor struct {
	completer genai.Completer
}

// NewLLMExtractor wraps a completer.
func NewLLMExtractor(c genai.Completer) *LLMExtractor {
	return &LLMExtractor{completer: c}
}

func (l *LLMExtractor) Extract(ctx context.Context, raw string, fields []Field) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty input", models.ErrParseFailure)
	}
	reply, err := l.completer.Complete(ctx, llmSystemPrompt, buildUserPrompt(raw, fields))
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}
	out, err := parseJSONFields(reply, fields)
	if err != nil {
		slog.Debug("LLMExtractor.Extract: unparseable reply", "provider", l.completer.Name(), "error", err)
		return nil, err
	}
	if err := checkRequired(out, fields); err != nil {
		return nil, err
	}
	return out, nil
}

func buildUserPrompt(raw string, fields []Field) string {
	var b strings.Builder
	b.WriteString("Keys:\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "- %s: %s", f.Name, f.Description)
		if f.Required {
			b.WriteString(" (required)")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nText:\n")
	b.WriteString(raw)
	return b.String()
}

// parseJSONFields reads the first JSON object in reply, tolerating code fences
// and surrounding prose. Only the requested keys are kept.
func parseJSONFields(reply string, fields []Field) (map[string]string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in reply", models.ErrParseFailure)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParseFailure, err)
	}

	out := make(map[string]string, len(fields))
	for _, f := range fields {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case float64:
			s = strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", val), "0"), ".")
		default:
			s = fmt.Sprint(val)
		}
		if !isBlankValue(s) {
			out[f.Name] = strings.TrimSpace(s)
		}
	}
	return out, nil
}
