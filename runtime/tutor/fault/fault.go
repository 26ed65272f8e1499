// Package fault carries the error taxonomy shared by the router and the
// agents. A Fault records where an operation failed and how the failure
// should surface; the kind drives retry decisions and the user-safe message
// emitted on the event stream.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind partitions failures by how they are handled.
type Kind string

const (
	// KindValidation marks safety filter or schema rejections.
	KindValidation Kind = "validation"
	// KindLLMTransient marks provider failures before the first token.
	KindLLMTransient Kind = "llm_transient"
	// KindLLMStreamBroken marks a provider stream cut mid-answer.
	KindLLMStreamBroken Kind = "llm_stream_broken"
	// KindBusTransient marks bus read or write failures.
	KindBusTransient Kind = "bus_transient"
	// KindRepository marks persistence failures.
	KindRepository Kind = "repository"
	// KindTimeout marks an exceeded phase or call deadline.
	KindTimeout Kind = "timeout"
	// KindSecurity marks separator echo or injection pattern hits.
	KindSecurity Kind = "security"
	// KindClarificationExhausted marks the clarification budget running out.
	// Not an error in the user's eyes; rendered as a deterministic rejection.
	KindClarificationExhausted Kind = "clarification_exhausted"
	// KindInternal marks everything else.
	KindInternal Kind = "internal"
)

// Fault is a classified failure. Fields are unexported; use the accessors.
type Fault struct {
	kind      Kind
	agent     string
	operation string
	message   string
	retryable bool
	cause     error
}

// New builds a Fault. agent names the component that failed, operation the
// call within it, message the internal detail. retryable reports whether the
// same call may succeed on retry.
func New(kind Kind, agent, operation, message string, retryable bool, cause error) *Fault {
	return &Fault{
		kind:      kind,
		agent:     agent,
		operation: operation,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// Kind returns the failure class.
func (f *Fault) Kind() Kind { return f.kind }

// Agent returns the component that produced the fault.
func (f *Fault) Agent() string { return f.agent }

// Operation returns the failing call within the agent.
func (f *Fault) Operation() string { return f.operation }

// Message returns the internal detail. Never shown to users; see
// PublicMessage.
func (f *Fault) Message() string { return f.message }

// Retryable reports whether retrying the same call may succeed.
func (f *Fault) Retryable() bool { return f.retryable }

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (f *Fault) Unwrap() error { return f.cause }

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s: %s %s: %s", f.kind, f.agent, f.operation, f.message)
	if f.cause != nil {
		msg += ": " + f.cause.Error()
	}
	return msg
}

// As extracts a *Fault from an error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Classify maps an arbitrary error to a fault kind. Errors already carrying a
// Fault keep their kind; context deadlines map to timeout; everything else is
// internal. Agents wrap provider and bus errors with New at the call site, so
// Classify is the fallback for errors that escaped unwrapped.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		return f.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindInternal
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) && r.Retryable() {
		return KindLLMTransient
	}
	return KindInternal
}

// PublicMessage returns the user-safe text for a fault kind. Internal detail
// never leaves the server.
func PublicMessage(kind Kind) string {
	switch kind {
	case KindTimeout:
		return "The request took too long to process. Please try again."
	case KindLLMTransient, KindLLMStreamBroken:
		return "The tutor had trouble generating a response. Please try again."
	case KindBusTransient, KindRepository, KindInternal:
		return "Something went wrong on our side. Please try again."
	case KindValidation, KindSecurity:
		return "That question could not be processed. Please rephrase and try again."
	default:
		return "Something went wrong. Please try again."
	}
}
