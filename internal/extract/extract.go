// Package extract turns free-form patient text into named fields.
//
// Extractors are opaque to callers: they either return a field mapping or an
// error wrapping models.ErrParseFailure.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Field describes one value to pull out of the text.
type Field struct {
	Name        string
	Description string
	Required    bool
}

// Extractor maps raw text to field values keyed by Field.Name.
type Extractor interface {
	Extract(ctx context.Context, raw string, fields []Field) (map[string]string, error)
}

// checkRequired fails with ErrParseFailure when a required field is blank.
func checkRequired(values map[string]string, fields []Field) error {
	var missing []string
	for _, f := range fields {
		if f.Required && strings.TrimSpace(values[f.Name]) == "" {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", models.ErrParseFailure, strings.Join(missing, ", "))
	}
	return nil
}

// isBlankValue reports values that mean "not provided".
func isBlankValue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none", "null", "n/a", "na", "unknown":
		return true
	}
	return false
}

// Fallback tries each extractor in order and returns the first success.
type Fallback struct {
	extractors []Extractor
}

// NewFallback builds a Fallback, skipping nil extractors.
func NewFallback(extractors ...Extractor) *Fallback {
	f := &Fallback{}
	for _, e := range extractors {
		if e != nil {
			f.extractors = append(f.extractors, e)
		}
	}
	return f
}

func (f *Fallback) Extract(ctx context.Context, raw string, fields []Field) (map[string]string, error) {
	var errs []error
	for _, e := range f.extractors {
		out, err := e.Extract(ctx, raw, fields)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		slog.Debug("Fallback.Extract: extractor failed", "extractor", fmt.Sprintf("%T", e), "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no extractor configured", models.ErrParseFailure)
	}
	joined := errors.Join(errs...)
	if errors.Is(joined, models.ErrParseFailure) {
		return nil, joined
	}
	return nil, fmt.Errorf("%w: %w", models.ErrParseFailure, joined)
}
