// Package classlog records classification verdicts for offline analysis.
// Recording is advisory: failures are logged by callers and never block the
// tutoring flow. The Mongo-backed recorder lives under features/classlog.
package classlog

import (
	"context"
	"sync"
	"time"
)

type (
	// Entry is one recorded classification.
	Entry struct {
		SessionID       int64
		RequestID       string
		Question        string
		KnowledgeCode   string
		Quality         string
		MissingFields   []string
		UnitTags        []string
		Reasoning       string
		SecurityFlagged bool
		// Latency is the classification wall time, model call included.
		Latency   time.Duration
		CreatedAt time.Time
	}

	// Recorder persists classification entries.
	Recorder interface {
		Record(ctx context.Context, e Entry) error
	}

	// NopRecorder discards entries.
	NopRecorder struct{}

	// MemRecorder keeps entries in memory for tests and single-process runs.
	MemRecorder struct {
		mu      sync.Mutex
		entries []Entry
	}
)

// Record discards the entry.
func (NopRecorder) Record(context.Context, Entry) error { return nil }

// NewMemRecorder builds an empty in-memory recorder.
func NewMemRecorder() *MemRecorder {
	return &MemRecorder{}
}

// Record appends the entry.
func (r *MemRecorder) Record(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.entries = append(r.entries, e)
	return nil
}

// Entries returns a copy of everything recorded.
func (r *MemRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
