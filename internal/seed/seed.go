// Package seed loads an initial timeline collection from JSON.
package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"secflow/internal/domain"
	"secflow/internal/engine"
)

//go:embed timeline.schema.json
var schemaJSON string

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// ValidationError lists every schema violation in a seed document.
type ValidationError struct {
	Errors []FieldError
}

type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("seed validation failed:")
	for _, fe := range ve.Errors {
		sb.WriteString(fmt.Sprintf("\n  %s: %s", fe.Field, fe.Message))
	}
	return sb.String()
}

// Validate checks raw seed JSON against the embedded schema.
func Validate(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("load seed document: %w", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Errors: make([]FieldError, 0, len(result.Errors()))}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		verr.Errors = append(verr.Errors, FieldError{Field: field, Message: desc.Description()})
	}
	return verr
}

// Parse validates data and decodes it. Static stage metadata always comes
// from catalog; the seed only supplies per-instance state.
func Parse(data []byte, catalog []domain.StageDef) ([]domain.Timeline, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var items []domain.Timeline
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	for i := range items {
		t := &items[i]
		for j := range t.Stages {
			st := &t.Stages[j]
			if st.ID != j {
				return nil, fmt.Errorf("timeline %s: stage at position %d has id %d", t.Key(), j, st.ID)
			}
			if j < len(catalog) {
				st.StageDef = catalog[j]
			}
		}
	}
	return items, nil
}

type Importer interface {
	Import(ctx context.Context, items []domain.Timeline, actor engine.Actor) (int, error)
}

// LoadFile parses a seed file and imports it.
func LoadFile(ctx context.Context, imp Importer, path string, catalog []domain.StageDef, actor engine.Actor) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	items, err := Parse(data, catalog)
	if err != nil {
		return 0, err
	}
	return imp.Import(ctx, items, actor)
}
