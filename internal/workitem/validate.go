package workitem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrValidation = errors.New("validation error")

const (
	deltaSchemaURL = "https://relayboard.local/schemas/delta.json"
	draftSchemaURL = "https://relayboard.local/schemas/draft.json"
)

const fieldsSchema = `{
	"sprintId":     {"type": ["string", "null"], "maxLength": 128},
	"status":       {"enum": ["todo", "in_progress", "in_review", "done", "archived"]},
	"priority":     {"enum": ["low", "medium", "high", "critical"]},
	"title":        {"type": "string", "minLength": 1, "maxLength": 512, "pattern": "\\S"},
	"description":  {"type": ["string", "null"], "maxLength": 65536},
	"assigneeId":   {"type": ["string", "null"], "maxLength": 128},
	"story_points": {"type": "integer", "minimum": 0, "maximum": 1000}
}`

var deltaSchemaJSON = `{
	"type": "object",
	"minProperties": 1,
	"additionalProperties": false,
	"properties": ` + fieldsSchema + `
}`

var draftSchemaJSON = `{
	"type": "object",
	"required": ["title"],
	"additionalProperties": false,
	"properties": ` + fieldsSchema + `
}`

var (
	schemaOnce  sync.Once
	deltaSchema *jsonschema.Schema
	draftSchema *jsonschema.Schema
	schemaErr   error
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for url, raw := range map[string]string{
			deltaSchemaURL: deltaSchemaJSON,
			draftSchemaURL: draftSchemaJSON,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("parse schema %s: %w", url, err)
				return
			}
			if err := compiler.AddResource(url, doc); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", url, err)
				return
			}
		}
		deltaSchema, schemaErr = compiler.Compile(deltaSchemaURL)
		if schemaErr != nil {
			return
		}
		draftSchema, schemaErr = compiler.Compile(draftSchemaURL)
	})
	return schemaErr
}

// ValidateDelta rejects empty deltas, unknown fields and ill-typed values.
// The returned error wraps ErrValidation.
func ValidateDelta(d Delta) error {
	if len(d) == 0 {
		return fmt.Errorf("%w: delta must contain at least one field", ErrValidation)
	}
	if unknown := unknownFields(d); len(unknown) > 0 {
		return fmt.Errorf("%w: unknown field(s): %s", ErrValidation, strings.Join(unknown, ", "))
	}
	if err := loadSchemas(); err != nil {
		return err
	}
	return validateAgainst(deltaSchema, d)
}

// ValidateDraft checks a creation payload. A title is required.
func ValidateDraft(d Delta) error {
	if unknown := unknownFields(d); len(unknown) > 0 {
		return fmt.Errorf("%w: unknown field(s): %s", ErrValidation, strings.Join(unknown, ", "))
	}
	if err := loadSchemas(); err != nil {
		return err
	}
	if d == nil {
		d = Delta{}
	}
	return validateAgainst(draftSchema, d)
}

func unknownFields(d Delta) []string {
	var unknown []string
	for _, key := range d.Keys() {
		if !IsRecognizedField(key) {
			unknown = append(unknown, key)
		}
	}
	return unknown
}

func validateAgainst(schema *jsonschema.Schema, d Delta) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, summarizeSchemaError(err))
	}
	return nil
}

func summarizeSchemaError(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	lines := strings.Split(strings.TrimSpace(verr.Error()), "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines[1:] {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			parts = append(parts, line)
		}
	}
	if len(parts) == 0 {
		return lines[0]
	}
	return strings.Join(parts, "; ")
}
