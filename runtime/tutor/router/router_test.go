package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	businmem "github.com/maice-ai/maice/runtime/tutor/bus/inmem"
	"github.com/maice-ai/maice/runtime/tutor/conversation"
	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/sse"
	"github.com/maice-ai/maice/runtime/tutor/store"
	storeinmem "github.com/maice-ai/maice/runtime/tutor/store/inmem"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

// memSink collects SSE events in order. Send never blocks, so relay output is
// complete once HandleUtterance returns.
type memSink struct {
	mu     sync.Mutex
	events []sse.Event
	fail   error
}

func (m *memSink) Send(_ context.Context, ev sse.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) Events() []sse.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sse.Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *memSink) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.EventType()
	}
	return out
}

type fakeSessions struct {
	mu      sync.Mutex
	ensured []string
	closed  []string
	err     error
}

func (f *fakeSessions) EnsureSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ensured = append(f.ensured, sessionID)
	return nil
}

func (f *fakeSessions) CloseSession(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeSessions) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.closed))
	copy(out, f.closed)
	return out
}

type fakeClarifications struct {
	mu        sync.Mutex
	abandoned []string
}

func (f *fakeClarifications) Abandon(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, sessionID)
	return nil
}

func (f *fakeClarifications) Abandoned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.abandoned))
	copy(out, f.abandoned)
	return out
}

func TestInferRole(t *testing.T) {
	cases := []struct {
		name  string
		stage store.Stage
		last  wire.MessageType
		want  Role
	}{
		{"clarifying with open question", store.StageClarification, wire.MessageMaiceClarificationQuest, RoleClarificationResponse},
		{"ready after an answer", store.StageReady, wire.MessageMaiceAnswer, RoleFollowUp},
		{"clarifying but last was an answer", store.StageClarification, wire.MessageMaiceAnswer, RoleFollowUp},
		{"fresh session", store.StageInitial, "", RoleNewQuestion},
		{"restart mid-generation", store.StageGeneratingAnswer, wire.MessageUserQuestion, RoleNewQuestion},
		{"ready after an error note", store.StageReady, wire.MessageErrorNote, RoleNewQuestion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InferRole(tc.stage, tc.last))
		})
	}
}

func TestRoleMessageType(t *testing.T) {
	assert.Equal(t, wire.MessageUserQuestion, RoleNewQuestion.messageType())
	assert.Equal(t, wire.MessageUserClarificationResponse, RoleClarificationResponse.messageType())
	assert.Equal(t, wire.MessageUserFollowUp, RoleFollowUp.messageType())
}

func msg(typ wire.MessageType, content string) *store.Message {
	return &store.Message{Type: typ, Content: content}
}

func TestClarificationHistoryRebuildsActiveLoop(t *testing.T) {
	msgs := []*store.Message{
		msg(wire.MessageUserQuestion, "이차방정식 문제"),
		msg(wire.MessageMaiceClarificationQuest, "오래된 질문"),
		msg(wire.MessageUserClarificationResponse, "오래된 답"),
		msg(wire.MessageMaiceAnswer, "이전 답변"),
		msg(wire.MessageUserFollowUp, "이거 어떻게 풀어?"),
		msg(wire.MessageMaiceClarificationQuest, "어떤 단원의 문제야?"),
		msg(wire.MessageUserClarificationResponse, "수열이요"),
	}
	original, pairs := clarificationHistory(msgs)
	assert.Equal(t, "이거 어떻게 풀어?", original)
	require.Len(t, pairs, 1)
	assert.Equal(t, "어떤 단원의 문제야?", pairs[0].Question)
	assert.Equal(t, "수열이요", pairs[0].Answer)
}

func TestClarificationHistoryKeepsQuestionOrder(t *testing.T) {
	msgs := []*store.Message{
		msg(wire.MessageUserQuestion, "문제를 풀고 싶어"),
		msg(wire.MessageMaiceClarificationQuest, "질문 1"),
		msg(wire.MessageUserClarificationResponse, "답 1"),
		msg(wire.MessageMaiceClarificationQuest, "질문 2"),
		msg(wire.MessageUserClarificationResponse, "답 2"),
	}
	original, pairs := clarificationHistory(msgs)
	assert.Equal(t, "문제를 풀고 싶어", original)
	require.Len(t, pairs, 2)
	assert.Equal(t, "질문 1", pairs[0].Question)
	assert.Equal(t, "답 1", pairs[0].Answer)
	assert.Equal(t, "질문 2", pairs[1].Question)
	assert.Equal(t, "답 2", pairs[1].Answer)
}

func TestClarificationHistoryEdges(t *testing.T) {
	t.Run("no opening question", func(t *testing.T) {
		original, pairs := clarificationHistory([]*store.Message{
			msg(wire.MessageMaiceClarificationQuest, "어떤 문제야?"),
		})
		assert.Empty(t, original)
		assert.Empty(t, pairs)
	})
	t.Run("open question without reply is excluded", func(t *testing.T) {
		original, pairs := clarificationHistory([]*store.Message{
			msg(wire.MessageUserQuestion, "문제"),
			msg(wire.MessageMaiceClarificationQuest, "어떤 문제야?"),
		})
		assert.Equal(t, "문제", original)
		assert.Empty(t, pairs)
	})
	t.Run("stray reply without question is ignored", func(t *testing.T) {
		_, pairs := clarificationHistory([]*store.Message{
			msg(wire.MessageUserQuestion, "문제"),
			msg(wire.MessageUserClarificationResponse, "수열이요"),
		})
		assert.Empty(t, pairs)
	})
}

func newBareRouter(t *testing.T, opts ...Option) (*Router, *storeinmem.Store, *fakeSessions) {
	t.Helper()
	b := businmem.New()
	st := storeinmem.New()
	sessions := &fakeSessions{}
	asm := conversation.New(st, b, telemetry.NewNoopLogger())
	r := New(st, b, sessions, asm, opts...)
	return r, st, sessions
}

func TestHandleUtteranceRejectsBlankInput(t *testing.T) {
	r, _, _ := newBareRouter(t)
	out := &memSink{}

	err := r.HandleUtterance(context.Background(), Utterance{UserID: "", Text: "질문"}, out)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))

	err = r.HandleUtterance(context.Background(), Utterance{UserID: "student-1", Text: "   "}, out)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))

	assert.Empty(t, out.Events())
}

func TestHandleUtteranceUnknownSession(t *testing.T) {
	r, _, _ := newBareRouter(t)
	out := &memSink{}

	err := r.HandleUtterance(context.Background(), Utterance{SessionID: 404, UserID: "student-1", Text: "질문"}, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
	require.Equal(t, []string{sse.EventError}, out.Types())
}

func TestHandleUtteranceForeignSession(t *testing.T) {
	r, st, _ := newBareRouter(t)
	sess, err := st.CreateSession(context.Background(), "owner", "수열 질문")
	require.NoError(t, err)

	out := &memSink{}
	err = r.HandleUtterance(context.Background(), Utterance{SessionID: sess.ID, UserID: "intruder", Text: "질문"}, out)
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
	require.Equal(t, []string{sse.EventError}, out.Types())

	// The intruder's text must not land in the owner's conversation.
	for _, m := range st.AllMessages(sess.ID) {
		assert.NotEqual(t, "질문", m.Content)
	}
}

func TestRelayPhaseTimeout(t *testing.T) {
	r, st, _ := newBareRouter(t, WithPhaseTimeout(60*time.Millisecond))
	out := &memSink{}

	err := r.HandleUtterance(context.Background(), Utterance{UserID: "student-1", Text: "등차수열 질문"}, out)
	assert.Equal(t, fault.KindTimeout, fault.Classify(err))

	types := out.Types()
	require.Equal(t, []string{sse.EventSessionInfo, sse.EventError}, types)
	errEv := out.Events()[1].(*sse.Error)
	assert.Equal(t, fault.PublicMessage(fault.KindTimeout), errEv.Message)

	info := out.Events()[0].(*sse.SessionInfo)
	sess, err := st.Session(context.Background(), info.SessionID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, store.StageReady, sess.CurrentStage)
}

func TestRelayClientDisconnectKeepsStage(t *testing.T) {
	r, st, _ := newBareRouter(t, WithPhaseTimeout(5*time.Second))
	out := &memSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.HandleUtterance(ctx, Utterance{UserID: "student-1", Text: "등차수열 질문"}, out)
	assert.ErrorIs(t, err, context.Canceled)

	// A disconnect is not a turn outcome: the cursor is left for the agents'
	// envelopes that may still be in flight, not forced to ready.
	info := out.Events()[0].(*sse.SessionInfo)
	sess, serr := st.Session(context.Background(), info.SessionID, "student-1")
	require.NoError(t, serr)
	assert.Equal(t, store.StageInitial, sess.CurrentStage)
}

func TestCancelSession(t *testing.T) {
	b := businmem.New()
	st := storeinmem.New()
	sessions := &fakeSessions{}
	clar := &fakeClarifications{}
	asm := conversation.New(st, b, telemetry.NewNoopLogger())
	r := New(st, b, sessions, asm, WithClarifications(clar))

	sess, err := st.CreateSession(context.Background(), "student-1", "수열 질문")
	require.NoError(t, err)
	sid := wire.FormatSessionID(sess.ID)

	require.NoError(t, r.CancelSession(context.Background(), sess.ID, "student-1"))
	assert.Equal(t, []string{sid}, sessions.Closed())
	assert.Equal(t, []string{sid}, clar.Abandoned())

	reloaded, err := st.Session(context.Background(), sess.ID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, store.StageReady, reloaded.CurrentStage)
}

func TestCancelSessionDeniedForForeignUser(t *testing.T) {
	b := businmem.New()
	st := storeinmem.New()
	sessions := &fakeSessions{}
	asm := conversation.New(st, b, telemetry.NewNoopLogger())
	r := New(st, b, sessions, asm)

	sess, err := st.CreateSession(context.Background(), "owner", "수열 질문")
	require.NoError(t, err)

	err = r.CancelSession(context.Background(), sess.ID, "intruder")
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
	assert.Empty(t, sessions.Closed())
}

func TestEnsureSessionFailureIsSurfaced(t *testing.T) {
	b := businmem.New()
	st := storeinmem.New()
	sessions := &fakeSessions{err: errors.New("consumers unavailable")}
	asm := conversation.New(st, b, telemetry.NewNoopLogger())
	r := New(st, b, sessions, asm)

	out := &memSink{}
	err := r.HandleUtterance(context.Background(), Utterance{UserID: "student-1", Text: "질문"}, out)
	assert.Equal(t, fault.KindBusTransient, fault.Classify(err))
	assert.Equal(t, []string{sse.EventSessionInfo, sse.EventError}, out.Types())
}
