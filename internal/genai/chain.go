package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoProvider is returned by an empty Chain.
var ErrNoProvider = errors.New("no LLM provider configured")

// Chain tries each Completer in order and returns the first success.
type Chain struct {
	providers []Completer
}

// Compile-time check that Chain implements Completer.
var _ Completer = (*Chain)(nil)

// NewChain builds a chain. When preferred names one of the providers it is
// moved to the front; the others keep their order.
func NewChain(preferred string, providers ...Completer) *Chain {
	var ordered []Completer
	for _, p := range providers {
		if p == nil {
			continue
		}
		if preferred != "" && strings.EqualFold(p.Name(), preferred) {
			ordered = append([]Completer{p}, ordered...)
			continue
		}
		ordered = append(ordered, p)
	}
	return &Chain{providers: ordered}
}

// Len reports how many providers are configured.
func (c *Chain) Len() int { return len(c.providers) }

// Name lists the providers in priority order.
func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ",")
}

func (c *Chain) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if len(c.providers) == 0 {
		return "", ErrNoProvider
	}
	var errs []error
	for _, p := range c.providers {
		out, err := p.Complete(ctx, systemPrompt, userPrompt)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Warn("Chain.Complete: provider failed, trying next", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return "", fmt.Errorf("all LLM providers failed: %w", errors.Join(errs...))
}
