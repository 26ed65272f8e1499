package observer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maice-ai/maice/runtime/tutor/store"
)

// Notes is the structured study record for one completed turn.
type Notes struct {
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	KeyConcepts     []string `json:"key_concepts"`
	StudentProgress string   `json:"student_progress"`
}

// MaxSummaryRunes bounds summaries. Longer text is truncated with an
// ellipsis.
const MaxSummaryRunes = 500

// notesSchema type-checks the per-turn model output. Only the summary is
// required; the title falls back to the question when absent.
const notesSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "summary": {"type": "string", "minLength": 1},
    "key_concepts": {"type": "array", "items": {"type": "string"}},
    "student_progress": {"type": "string"}
  },
  "required": ["summary"],
  "additionalProperties": true
}`

// digestSchema type-checks the rolling-summary model output.
const digestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "summary": {"type": "string", "minLength": 1}
  },
  "required": ["summary"],
  "additionalProperties": true
}`

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		return nil, fmt.Errorf("observer: decode %s schema: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("observer: add %s schema: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("observer: compile %s schema: %w", name, err)
	}
	return schema, nil
}

// decodeNotes validates objJSON against the schema and normalizes it into a
// complete record. An absent title falls back to the question.
func decodeNotes(schema *jsonschema.Schema, objJSON, question string) (Notes, error) {
	var payload any
	if err := json.Unmarshal([]byte(objJSON), &payload); err != nil {
		return Notes{}, fmt.Errorf("decode notes object: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return Notes{}, fmt.Errorf("validate notes object: %w", err)
	}
	var n Notes
	if err := json.Unmarshal([]byte(objJSON), &n); err != nil {
		return Notes{}, fmt.Errorf("decode notes object: %w", err)
	}
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		n.Title = strings.TrimSpace(question)
	}
	n.Title = store.ClampTitle(n.Title)
	n.Summary = ClampSummary(strings.TrimSpace(n.Summary))
	n.StudentProgress = strings.TrimSpace(n.StudentProgress)
	if n.KeyConcepts == nil {
		n.KeyConcepts = []string{}
	}
	return n, nil
}

type digestResult struct {
	Summary string `json:"summary"`
}

// decodeDigest validates objJSON and returns the bounded rolling summary.
func decodeDigest(schema *jsonschema.Schema, objJSON string) (string, error) {
	var payload any
	if err := json.Unmarshal([]byte(objJSON), &payload); err != nil {
		return "", fmt.Errorf("decode digest object: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return "", fmt.Errorf("validate digest object: %w", err)
	}
	var d digestResult
	if err := json.Unmarshal([]byte(objJSON), &d); err != nil {
		return "", fmt.Errorf("decode digest object: %w", err)
	}
	return ClampSummary(strings.TrimSpace(d.Summary)), nil
}

// ClampSummary bounds a summary to MaxSummaryRunes, rune-safe, appending an
// ellipsis when truncated.
func ClampSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxSummaryRunes {
		return s
	}
	return string(runes[:MaxSummaryRunes-1]) + "…"
}
