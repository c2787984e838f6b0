package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// DelimitedExtractor assigns comma-separated parts to fields by position, so
// "John Doe, 1985-02-14" fills name then dob. Extra parts are joined into the
// last field.
type DelimitedExtractor struct {
	Separator string
}

// NewDelimitedExtractor returns a comma-separated extractor.
func NewDelimitedExtractor() *DelimitedExtractor {
	return &DelimitedExtractor{Separator: ","}
}

func (d *DelimitedExtractor) Extract(ctx context.Context, raw string, fields []Field) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty input", models.ErrParseFailure)
	}
	sep := d.Separator
	if sep == "" {
		sep = ","
	}

	parts := strings.Split(raw, sep)
	if len(parts) > len(fields) && len(fields) > 0 {
		tail := strings.Join(parts[len(fields)-1:], sep)
		parts = append(parts[:len(fields)-1], tail)
	}

	out := make(map[string]string, len(fields))
	for i, f := range fields {
		if i >= len(parts) {
			break
		}
		if v := strings.TrimSpace(parts[i]); !isBlankValue(v) {
			out[f.Name] = v
		}
	}
	if err := checkRequired(out, fields); err != nil {
		return nil, err
	}
	return out, nil
}
