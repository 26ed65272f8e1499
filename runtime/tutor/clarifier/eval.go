package clarifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maice-ai/maice/runtime/tutor/knowledge"
)

// Evaluation is the structured verdict on one clarification exchange.
type Evaluation struct {
	Evaluation                string          `json:"evaluation"`
	Confidence                float64         `json:"confidence"`
	Reasoning                 string          `json:"reasoning"`
	MissingFieldCoverage      map[string]bool `json:"missing_field_coverage"`
	NextClarification         string          `json:"next_clarification"`
	ReclassifiedKnowledgeCode string          `json:"reclassified_knowledge_code"`
	FinalQuestion             string          `json:"final_question"`
}

// evalSchema type-checks the model verdict. Nullable fields accept null so
// providers that emit explicit nulls pass; absent fields default below.
const evalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "evaluation": {"type": "string", "enum": ["PASS", "NEED_MORE"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"},
    "missing_field_coverage": {"type": "object", "additionalProperties": {"type": "boolean"}},
    "next_clarification": {"type": ["string", "null"]},
    "reclassified_knowledge_code": {"type": ["string", "null"], "enum": ["K1", "K2", "K3", "K4", null]},
    "final_question": {"type": ["string", "null"]}
  },
  "additionalProperties": true
}`

func compileEvalSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(evalSchema), &doc); err != nil {
		return nil, fmt.Errorf("clarifier: decode eval schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("eval.json", doc); err != nil {
		return nil, fmt.Errorf("clarifier: add eval schema: %w", err)
	}
	schema, err := compiler.Compile("eval.json")
	if err != nil {
		return nil, fmt.Errorf("clarifier: compile eval schema: %w", err)
	}
	return schema, nil
}

// decodeEvaluation validates objJSON and fills defaults. A missing verdict
// defaults to NEED_MORE: asking again is always safe, answering early is not.
func decodeEvaluation(schema *jsonschema.Schema, objJSON string) (Evaluation, error) {
	var payload any
	if err := json.Unmarshal([]byte(objJSON), &payload); err != nil {
		return Evaluation{}, fmt.Errorf("decode evaluation object: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return Evaluation{}, fmt.Errorf("validate evaluation object: %w", err)
	}
	var ev Evaluation
	if err := json.Unmarshal([]byte(objJSON), &ev); err != nil {
		return Evaluation{}, fmt.Errorf("decode evaluation object: %w", err)
	}
	if knowledge.Evaluation(ev.Evaluation) != knowledge.EvaluationPass {
		ev.Evaluation = string(knowledge.EvaluationNeedMore)
	}
	if !knowledge.Code(ev.ReclassifiedKnowledgeCode).Valid() {
		ev.ReclassifiedKnowledgeCode = ""
	}
	ev.NextClarification = strings.TrimSpace(ev.NextClarification)
	ev.FinalQuestion = strings.TrimSpace(ev.FinalQuestion)
	return ev, nil
}
