package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maice-ai/maice/runtime/tutor/knowledge"
)

// Result is the structured verdict for one student question.
type Result struct {
	KnowledgeCode          string   `json:"knowledge_code"`
	Quality                string   `json:"quality"`
	MissingFields          []string `json:"missing_fields"`
	UnitTags               []string `json:"unit_tags"`
	Reasoning              string   `json:"reasoning"`
	ClarificationQuestions []string `json:"clarification_questions"`
	UnanswerableReason     string   `json:"unanswerable_reason,omitempty"`
	SecurityFlagged        bool     `json:"security_flagged,omitempty"`
}

// rawResult additionally accepts the legacy gating field older prompt
// revisions taught the model to emit.
type rawResult struct {
	Result
	Gating string `json:"gating"`
}

// resultSchema type-checks the model output before defaults are applied.
// Nothing is required so absent fields fall through to defaulting; enums
// reject invented codes.
const resultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "knowledge_code": {"type": "string", "enum": ["K1", "K2", "K3", "K4"]},
    "quality": {"type": "string", "enum": ["answerable", "needs_clarify", "unanswerable"]},
    "gating": {"type": "string", "enum": ["answerable", "needs_clarify", "unanswerable"]},
    "missing_fields": {"type": "array", "items": {"type": "string"}},
    "unit_tags": {"type": "array", "items": {"type": "string"}},
    "reasoning": {"type": "string"},
    "clarification_questions": {"type": "array", "items": {"type": "string"}},
    "unanswerable_reason": {"type": "string"}
  },
  "additionalProperties": true
}`

func compileResultSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(resultSchema), &doc); err != nil {
		return nil, fmt.Errorf("classifier: decode result schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("classifier: add result schema: %w", err)
	}
	schema, err := compiler.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("classifier: compile result schema: %w", err)
	}
	return schema, nil
}

// decodeResult validates objJSON against the schema and normalizes it into a
// complete Result.
func decodeResult(schema *jsonschema.Schema, objJSON string) (Result, error) {
	var payload any
	if err := json.Unmarshal([]byte(objJSON), &payload); err != nil {
		return Result{}, fmt.Errorf("decode result object: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return Result{}, fmt.Errorf("validate result object: %w", err)
	}
	var raw rawResult
	if err := json.Unmarshal([]byte(objJSON), &raw); err != nil {
		return Result{}, fmt.Errorf("decode result object: %w", err)
	}
	return normalize(raw), nil
}

// normalize fills defaults for absent fields and coalesces the legacy gating
// name onto quality.
func normalize(raw rawResult) Result {
	r := raw.Result
	if !knowledge.Code(r.KnowledgeCode).Valid() {
		r.KnowledgeCode = string(knowledge.CodeConceptual)
	}
	if r.Quality == "" {
		r.Quality = raw.Gating
	}
	if !knowledge.Quality(r.Quality).Valid() {
		if len(raw.MissingFields) > 0 {
			r.Quality = string(knowledge.QualityNeedsClarify)
		} else {
			r.Quality = string(knowledge.QualityAnswerable)
		}
	}
	if r.MissingFields == nil {
		r.MissingFields = []string{}
	}
	if r.UnitTags == nil {
		r.UnitTags = []string{}
	}
	// A single most-informative clarification question is kept; the model
	// lists them best-first.
	kept := []string{}
	for _, q := range r.ClarificationQuestions {
		if q = strings.TrimSpace(q); q != "" {
			kept = append(kept, q)
			break
		}
	}
	r.ClarificationQuestions = kept
	if r.Quality == string(knowledge.QualityUnanswerable) && r.UnanswerableReason == "" {
		r.UnanswerableReason = string(knowledge.ReasonNotMath)
	}
	if r.Quality != string(knowledge.QualityUnanswerable) {
		r.UnanswerableReason = ""
	}
	return r
}

// securityResult is the verdict for input rejected by the safety layer. No
// model call is made for these.
func securityResult(reasoning string) Result {
	return Result{
		KnowledgeCode:          string(knowledge.CodeConceptual),
		Quality:                string(knowledge.QualityUnanswerable),
		MissingFields:          []string{},
		UnitTags:               []string{},
		Reasoning:              reasoning,
		ClarificationQuestions: []string{},
		UnanswerableReason:     string(knowledge.ReasonSecurity),
		SecurityFlagged:        true,
	}
}
