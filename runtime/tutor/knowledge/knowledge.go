// Package knowledge holds the domain vocabulary shared by the agents:
// knowledge codes, answerability verdicts, clarification evaluations, and
// rejection reasons. These values travel inside bus envelopes as plain
// strings.
package knowledge

// Code classifies what kind of understanding a question asks for. The answer
// agent keys its answer structure off the code.
type Code string

const (
	// CodeFactual (K1): recall of a fact, formula or definition.
	CodeFactual Code = "K1"
	// CodeConceptual (K2): understanding of why a concept works.
	CodeConceptual Code = "K2"
	// CodeProcedural (K3): how to carry out a method or computation.
	CodeProcedural Code = "K3"
	// CodeMetacognitive (K4): strategy, self-assessment, study planning.
	CodeMetacognitive Code = "K4"
)

// codeDescriptions backs Description and the classifier prompt.
var codeDescriptions = map[Code]string{
	CodeFactual:       "factual recall: formulas, definitions, named theorems",
	CodeConceptual:    "conceptual understanding: why a method or property holds",
	CodeProcedural:    "procedural skill: how to solve, step by step",
	CodeMetacognitive: "metacognitive guidance: strategy, planning, self-checking",
}

// Valid reports whether c is a known knowledge code.
func (c Code) Valid() bool {
	_, ok := codeDescriptions[c]
	return ok
}

// Description returns the human-readable definition of the code.
func (c Code) Description() string {
	return codeDescriptions[c]
}

// Codes lists the known codes in order.
func Codes() []Code {
	return []Code{CodeFactual, CodeConceptual, CodeProcedural, CodeMetacognitive}
}

// Quality is the classifier's answerability verdict.
type Quality string

const (
	// QualityAnswerable means the question can be answered as asked.
	QualityAnswerable Quality = "answerable"
	// QualityNeedsClarify means required information is missing.
	QualityNeedsClarify Quality = "needs_clarify"
	// QualityUnanswerable means the question is out of scope.
	QualityUnanswerable Quality = "unanswerable"
)

// Valid reports whether q is a known verdict.
func (q Quality) Valid() bool {
	switch q {
	case QualityAnswerable, QualityNeedsClarify, QualityUnanswerable:
		return true
	default:
		return false
	}
}

// Reason explains an unanswerable verdict.
type Reason string

const (
	// ReasonNotMath marks questions outside mathematics.
	ReasonNotMath Reason = "not_math"
	// ReasonClarificationFailed marks exhausted clarification budgets.
	ReasonClarificationFailed Reason = "clarification_failed"
	// ReasonSecurity marks inputs or outputs rejected by the injection
	// defenses.
	ReasonSecurity Reason = "security"
)

// Evaluation is the clarifier's verdict on a clarification exchange.
type Evaluation string

const (
	// EvaluationPass means enough information has been gathered.
	EvaluationPass Evaluation = "PASS"
	// EvaluationNeedMore means another clarification round is needed.
	EvaluationNeedMore Evaluation = "NEED_MORE"
)
