// Package sse carries the client-visible event vocabulary and the
// text/event-stream framing. Every event is one JSON object with a type
// discriminator, written as a single data line.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Event type discriminators.
const (
	EventSessionInfo            = "session_info"
	EventClassificationComplete = "classification_complete"
	EventClarificationQuestion  = "clarification_question"
	EventClarificationStatus    = "clarification_status"
	EventStreamingChunk         = "streaming_chunk"
	EventAnswerComplete         = "answer_complete"
	EventSummaryComplete        = "summary_complete"
	EventError                  = "error"
)

// Event is one client-visible event.
type Event interface {
	EventType() string
}

// Sink receives the events produced for one user utterance.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

type (
	// SessionInfo announces the session an utterance landed on.
	SessionInfo struct {
		Type      string `json:"type"`
		SessionID int64  `json:"session_id"`
		Message   string `json:"message"`
	}

	// ClassificationComplete reports the classifier verdict.
	ClassificationComplete struct {
		Type          string          `json:"type"`
		SessionID     int64           `json:"session_id"`
		Result        json.RawMessage `json:"result"`
		Question      string          `json:"question"`
		IsNewQuestion bool            `json:"is_new_question"`
	}

	// ClarificationQuestion asks the student for missing information.
	ClarificationQuestion struct {
		Type           string `json:"type"`
		SessionID      int64  `json:"session_id"`
		Message        string `json:"message"`
		QuestionIndex  int    `json:"question_index"`
		TotalQuestions int    `json:"total_questions"`
	}

	// ClarificationStatus is an advisory on the clarification loop.
	ClarificationStatus struct {
		Type      string `json:"type"`
		SessionID int64  `json:"session_id"`
		Status    string `json:"status"`
		Message   string `json:"message"`
		Progress  int    `json:"progress,omitempty"`
	}

	// StreamingChunk is one answer delta.
	StreamingChunk struct {
		Type       string `json:"type"`
		SessionID  int64  `json:"session_id"`
		RequestID  string `json:"request_id"`
		Content    string `json:"content"`
		ChunkIndex int    `json:"chunk_index"`
		IsFinal    bool   `json:"is_final"`
	}

	// AnswerComplete carries the full answer text as the safety net for
	// clients that lost chunks.
	AnswerComplete struct {
		Type         string `json:"type"`
		SessionID    int64  `json:"session_id"`
		RequestID    string `json:"request_id"`
		FullResponse string `json:"full_response"`
		Status       string `json:"status"`
	}

	// SummaryComplete closes the turn with the study summary.
	SummaryComplete struct {
		Type                string `json:"type"`
		SessionID           int64  `json:"session_id"`
		Summary             string `json:"summary"`
		Status              string `json:"status"`
		ReadyForNewQuestion bool   `json:"ready_for_new_question"`
	}

	// Error reports a fatal turn failure. Content carries partial answer
	// text when a stream broke mid-answer.
	Error struct {
		Type      string `json:"type"`
		SessionID int64  `json:"session_id"`
		Message   string `json:"message"`
		Content   string `json:"content,omitempty"`
	}
)

// NewSessionInfo builds a session_info event.
func NewSessionInfo(sessionID int64, message string) *SessionInfo {
	return &SessionInfo{Type: EventSessionInfo, SessionID: sessionID, Message: message}
}

// NewClassificationComplete builds a classification_complete event. The
// result is forwarded as the classifier emitted it.
func NewClassificationComplete(sessionID int64, result json.RawMessage, question string, isNew bool) *ClassificationComplete {
	return &ClassificationComplete{
		Type:          EventClassificationComplete,
		SessionID:     sessionID,
		Result:        result,
		Question:      question,
		IsNewQuestion: isNew,
	}
}

// NewClarificationQuestion builds a clarification_question event.
func NewClarificationQuestion(sessionID int64, message string, index, total int) *ClarificationQuestion {
	return &ClarificationQuestion{
		Type:           EventClarificationQuestion,
		SessionID:      sessionID,
		Message:        message,
		QuestionIndex:  index,
		TotalQuestions: total,
	}
}

// NewClarificationStatus builds a clarification_status event.
func NewClarificationStatus(sessionID int64, status, message string, progress int) *ClarificationStatus {
	return &ClarificationStatus{
		Type:      EventClarificationStatus,
		SessionID: sessionID,
		Status:    status,
		Message:   message,
		Progress:  progress,
	}
}

// NewStreamingChunk builds a streaming_chunk event.
func NewStreamingChunk(sessionID int64, requestID, content string, index int, final bool) *StreamingChunk {
	return &StreamingChunk{
		Type:       EventStreamingChunk,
		SessionID:  sessionID,
		RequestID:  requestID,
		Content:    content,
		ChunkIndex: index,
		IsFinal:    final,
	}
}

// NewAnswerComplete builds an answer_complete event.
func NewAnswerComplete(sessionID int64, requestID, fullResponse, status string) *AnswerComplete {
	return &AnswerComplete{
		Type:         EventAnswerComplete,
		SessionID:    sessionID,
		RequestID:    requestID,
		FullResponse: fullResponse,
		Status:       status,
	}
}

// NewSummaryComplete builds a summary_complete event.
func NewSummaryComplete(sessionID int64, summary, status string, ready bool) *SummaryComplete {
	return &SummaryComplete{
		Type:                EventSummaryComplete,
		SessionID:           sessionID,
		Summary:             summary,
		Status:              status,
		ReadyForNewQuestion: ready,
	}
}

// NewError builds an error event.
func NewError(sessionID int64, message, content string) *Error {
	return &Error{Type: EventError, SessionID: sessionID, Message: message, Content: content}
}

// EventType implements Event.
func (e *SessionInfo) EventType() string { return EventSessionInfo }

// EventType implements Event.
func (e *ClassificationComplete) EventType() string { return EventClassificationComplete }

// EventType implements Event.
func (e *ClarificationQuestion) EventType() string { return EventClarificationQuestion }

// EventType implements Event.
func (e *ClarificationStatus) EventType() string { return EventClarificationStatus }

// EventType implements Event.
func (e *StreamingChunk) EventType() string { return EventStreamingChunk }

// EventType implements Event.
func (e *AnswerComplete) EventType() string { return EventAnswerComplete }

// EventType implements Event.
func (e *SummaryComplete) EventType() string { return EventSummaryComplete }

// EventType implements Event.
func (e *Error) EventType() string { return EventError }

// Encode frames one event as a data line: "data: {json}\n\n", UTF-8, no
// leading whitespace.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("sse: marshal %s: %w", ev.EventType(), err)
	}
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	return buf, nil
}

// Writer frames events onto an io.Writer. When the writer exposes Flush,
// every event is flushed immediately so deltas reach the client as they are
// produced.
type Writer struct {
	w     io.Writer
	flush func()
	mu    sync.Mutex
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(interface{ Flush() }); ok {
		sw.flush = f.Flush
	}
	return sw
}

// Send implements Sink.
func (w *Writer) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := Encode(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("sse: write %s: %w", ev.EventType(), err)
	}
	if w.flush != nil {
		w.flush()
	}
	return nil
}

// Comment writes a keep-alive comment line clients ignore.
func (w *Writer) Comment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.w, ": "+text+"\n\n"); err != nil {
		return fmt.Errorf("sse: write comment: %w", err)
	}
	if w.flush != nil {
		w.flush()
	}
	return nil
}
