// Package wire defines the message vocabulary shared by the session router
// and the agents: bus envelope encoding, the envelope type constants, the
// persisted message taxonomy, and the agent identifiers used for targeting.
// Envelopes are flat string maps so they survive any bus transport; nested
// values are JSON-encoded into single fields.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// Envelope is the unit of bus transport. Keys are flat strings; values
	// holding structured data are JSON-encoded. Callers use the typed
	// accessors rather than indexing the map directly.
	Envelope map[string]string

	// Delivery pairs an envelope with the bus-assigned identifier needed to
	// acknowledge it. Sinks emit deliveries; consumers ACK after the side
	// effects of handling have been applied.
	Delivery struct {
		// ID is the bus-assigned event identifier used for acknowledgement.
		ID string
		// Envelope is the decoded message.
		Envelope Envelope
	}

	// MessageType tags a persisted conversation turn. Only the user_* and the
	// three maice_* conversational types are user-visible; operational types
	// are stored but filtered from history reads.
	MessageType string

	// Sender identifies which side of the conversation produced a message.
	Sender string

	// Turn is one conversation turn, JSON-encoded into envelope fields such
	// as messages.
	Turn struct {
		Sender  string `json:"sender"`
		Content string `json:"content"`
	}

	// QAPair is one clarification exchange, JSON-encoded into the history
	// envelope field.
	QAPair struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	}
)

// Envelope types carried on per-session streams. The router observes all of
// these; agents produce the subset they own.
const (
	// TypeClassifyQuestion asks the classifier to classify a user question.
	TypeClassifyQuestion = "classify_question"
	// TypeClassificationComplete reports the classification verdict.
	TypeClassificationComplete = "classification_complete"
	// TypeClarificationQuestion carries one clarification question for the user.
	TypeClarificationQuestion = "clarification_question"
	// TypeClarificationStatus reports advisory clarification progress.
	TypeClarificationStatus = "clarification_status"
	// TypeProcessClarification asks the clarifier to evaluate a user reply.
	TypeProcessClarification = "process_clarification"
	// TypeStreamingChunk carries one answer text delta.
	TypeStreamingChunk = "streaming_chunk"
	// TypeStreamingComplete terminates a chunk stream and carries the full
	// concatenated answer text as a safety net.
	TypeStreamingComplete = "streaming_complete"
	// TypeAnswerResult carries a complete non-streamed answer.
	TypeAnswerResult = "answer_result"
	// TypeSummaryStart opens the observer summary lifecycle.
	TypeSummaryStart = "summary_start"
	// TypeSummaryProgress reports observer progress.
	TypeSummaryProgress = "summary_progress"
	// TypeSummaryComplete carries the finished turn summary.
	TypeSummaryComplete = "summary_complete"
	// TypeError reports a fatal error for the request.
	TypeError = "error"
)

// Envelope types carried on broadcast channels. These are advisory handoffs:
// the authoritative state is already on the session stream.
const (
	// TypeNeedClarification hands a needs_clarify verdict to the clarifier.
	TypeNeedClarification = "need_clarification"
	// TypeReadyForAnswer hands a classified question to the answer agent.
	TypeReadyForAnswer = "ready_for_answer"
	// TypeGenerateAnswer hands a finalized clarification to the answer agent.
	TypeGenerateAnswer = "generate_answer"
	// TypeGenerateSummary asks the observer for a per-turn summary.
	TypeGenerateSummary = "generate_summary"
	// TypeUpdateSummary asks the observer to refresh the cumulative digest.
	TypeUpdateSummary = "update_summary"
)

// Well-known envelope field keys.
const (
	KeyType        = "type"
	KeySessionID   = "session_id"
	KeyRequestID   = "request_id"
	KeyTargetAgent = "target_agent"
	KeyTimestamp   = "timestamp"
	KeyUserID      = "user_id"

	KeyQuestion           = "question"
	KeyContext            = "context"
	KeyIsNewQuestion      = "is_new_question"
	KeyResult             = "result"
	KeyMessage            = "message"
	KeyQuestionIndex      = "question_index"
	KeyTotalQuestions     = "total_questions"
	KeyContent            = "content"
	KeyChunkIndex         = "chunk_index"
	KeyIsFinal            = "is_final"
	KeyFullResponse       = "full_response"
	KeyTotalChunks        = "total_chunks"
	KeyStatus             = "status"
	KeyProgress           = "progress"
	KeyKnowledgeCode      = "knowledge_code"
	KeyQuality            = "quality"
	KeyMissingFields      = "missing_fields"
	KeyHistory            = "history"
	KeyUnanswerableReason = "unanswerable_reason"
	KeyFinalQuestion      = "final_question"
	KeySummary            = "summary"
	KeyTitle              = "title"
	KeyKeyConcepts        = "key_concepts"
	KeyStudentProgress    = "student_progress"
	KeyMessages           = "messages"
	KeyReason             = "reason"
)

// Agent identifiers used in the target_agent field. An empty target means the
// envelope is router-bound.
const (
	AgentClassifier = "classifier"
	AgentClarifier  = "clarifier"
	AgentAnswerer   = "answerer"
	AgentObserver   = "observer"
)

// Persisted message taxonomy.
const (
	MessageUserQuestion              MessageType = "user_question"
	MessageUserClarificationResponse MessageType = "user_clarification_response"
	MessageUserFollowUp              MessageType = "user_follow_up"
	MessageMaiceClarificationQuest   MessageType = "maice_clarification_question"
	MessageMaiceAnswer               MessageType = "maice_answer"
	MessageMaiceFollowUp             MessageType = "maice_follow_up"

	// Operational types, stored but never returned by history reads.
	MessageMaiceProcessing MessageType = "maice_processing"
	MessageErrorNote       MessageType = "error"
	MessageSummaryComplete MessageType = "summary_complete"
)

// Message senders.
const (
	SenderUser  Sender = "user"
	SenderMaice Sender = "maice"
)

// ErrMissingField reports an envelope field that the accessor requires.
var ErrMissingField = errors.New("wire: missing envelope field")

// timestampLayout is the wire format for the timestamp field.
const timestampLayout = time.RFC3339Nano

// FormatSessionID renders a store session ID for envelope transport.
func FormatSessionID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseSessionID parses an envelope session ID back into store form.
func ParseSessionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wire: session id %q: %w", s, err)
	}
	return id, nil
}

// New builds an envelope of the given type bound to a session and request,
// stamped with the current UTC time.
func New(typ, sessionID, requestID string) Envelope {
	return Envelope{
		KeyType:      typ,
		KeySessionID: sessionID,
		KeyRequestID: requestID,
		KeyTimestamp: time.Now().UTC().Format(timestampLayout),
	}
}

// Type returns the envelope type tag.
func (e Envelope) Type() string { return e[KeyType] }

// SessionID returns the owning session identifier.
func (e Envelope) SessionID() string { return e[KeySessionID] }

// RequestID returns the correlating request identifier.
func (e Envelope) RequestID() string { return e[KeyRequestID] }

// TargetAgent returns the addressed agent, or empty for router-bound traffic.
func (e Envelope) TargetAgent() string { return e[KeyTargetAgent] }

// Timestamp parses the envelope timestamp. The zero time is returned when the
// field is absent or malformed.
func (e Envelope) Timestamp() time.Time {
	ts, err := time.Parse(timestampLayout, e[KeyTimestamp])
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Get returns the raw value for key, empty when absent.
func (e Envelope) Get(key string) string { return e[key] }

// Set stores a raw string value.
func (e Envelope) Set(key, value string) Envelope {
	e[key] = value
	return e
}

// SetInt stores an integer value in decimal form.
func (e Envelope) SetInt(key string, value int) Envelope {
	e[key] = strconv.Itoa(value)
	return e
}

// Int parses an integer field. Returns ErrMissingField when absent.
func (e Envelope) Int(key string) (int, error) {
	raw, ok := e[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("wire: field %s: %w", key, err)
	}
	return n, nil
}

// SetBool stores a boolean field as "true"/"false".
func (e Envelope) SetBool(key string, value bool) Envelope {
	e[key] = strconv.FormatBool(value)
	return e
}

// Bool parses a boolean field. Absent fields read as false.
func (e Envelope) Bool(key string) bool {
	return e[key] == "true"
}

// SetJSON marshals value into the field. Structured payloads always travel
// JSON-encoded inside a single string field.
func (e Envelope) SetJSON(key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("wire: marshal field %s: %w", key, err)
	}
	e[key] = string(b)
	return nil
}

// JSON unmarshals the field into out. Returns ErrMissingField when absent.
func (e Envelope) JSON(key string, out any) error {
	raw, ok := e[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("wire: decode field %s: %w", key, err)
	}
	return nil
}

// Clone returns an independent copy of the envelope.
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Validate checks the fields every envelope must carry.
func (e Envelope) Validate() error {
	if e[KeyType] == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, KeyType)
	}
	if e[KeySessionID] == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, KeySessionID)
	}
	return nil
}

// Encode serializes the envelope for bus transport.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(map[string]string(e))
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return b, nil
}

// Decode deserializes an envelope produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	env := Envelope(m)
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Visible reports whether the message type appears in user-facing history.
func (t MessageType) Visible() bool {
	switch t {
	case MessageUserQuestion, MessageUserClarificationResponse, MessageUserFollowUp,
		MessageMaiceClarificationQuest, MessageMaiceAnswer, MessageMaiceFollowUp:
		return true
	default:
		return false
	}
}

// Sender returns the sender a message type requires. Operational types are
// machine-authored and report SenderMaice.
func (t MessageType) Sender() (Sender, bool) {
	switch {
	case strings.HasPrefix(string(t), "user_"):
		return SenderUser, true
	case strings.HasPrefix(string(t), "maice_"):
		return SenderMaice, true
	case t == MessageErrorNote || t == MessageSummaryComplete:
		return SenderMaice, true
	default:
		return "", false
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageUserQuestion, MessageUserClarificationResponse, MessageUserFollowUp,
		MessageMaiceClarificationQuest, MessageMaiceAnswer, MessageMaiceFollowUp,
		MessageMaiceProcessing, MessageErrorNote, MessageSummaryComplete:
		return true
	default:
		return false
	}
}
