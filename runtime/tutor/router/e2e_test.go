package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice-ai/maice/runtime/tutor/agent"
	"github.com/maice-ai/maice/runtime/tutor/answerer"
	businmem "github.com/maice-ai/maice/runtime/tutor/bus/inmem"
	"github.com/maice-ai/maice/runtime/tutor/clarifier"
	"github.com/maice-ai/maice/runtime/tutor/classifier"
	"github.com/maice-ai/maice/runtime/tutor/conversation"
	"github.com/maice-ai/maice/runtime/tutor/model/modeltest"
	"github.com/maice-ai/maice/runtime/tutor/model/retry"
	"github.com/maice-ai/maice/runtime/tutor/observer"
	"github.com/maice-ai/maice/runtime/tutor/sse"
	"github.com/maice-ai/maice/runtime/tutor/store"
	storeinmem "github.com/maice-ai/maice/runtime/tutor/store/inmem"
	"github.com/maice-ai/maice/runtime/tutor/telemetry"
	"github.com/maice-ai/maice/runtime/tutor/wire"
)

const (
	answerableVerdict = `{
  "knowledge_code": "K3",
  "quality": "answerable",
  "missing_fields": [],
  "unit_tags": ["sequences"],
  "reasoning": "등차수열 일반항 공식을 묻는 절차적 질문",
  "clarification_questions": []
}`

	needsClarifyVerdict = `{
  "knowledge_code": "K2",
  "quality": "needs_clarify",
  "missing_fields": ["problem_statement"],
  "unit_tags": [],
  "reasoning": "어떤 문제를 가리키는지 알 수 없음",
  "clarification_questions": ["어떤 문제를 풀고 있는지 알려줄래?"]
}`

	offTopicVerdict = `{
  "knowledge_code": "K2",
  "quality": "unanswerable",
  "missing_fields": [],
  "unit_tags": [],
  "reasoning": "수학과 무관한 일상 질문",
  "clarification_questions": [],
  "unanswerable_reason": "not_math"
}`

	passEvaluation = `{
  "evaluation": "PASS",
  "confidence": 0.9,
  "reasoning": "단원과 목표가 분명해짐",
  "final_question": "등차수열의 합 공식을 구하는 과정을 알려줘"
}`

	needMoreUnit = `{
  "evaluation": "NEED_MORE",
  "confidence": 0.4,
  "reasoning": "여전히 문제를 특정할 수 없음",
  "next_clarification": "교과서 몇 단원의 문제인지 알려줄래?"
}`

	needMoreStatement = `{
  "evaluation": "NEED_MORE",
  "confidence": 0.3,
  "reasoning": "문제 문장이 없음",
  "next_clarification": "문제의 전체 문장을 적어줄래?"
}`

	studyNotes = `{
  "title": "등차수열 일반항",
  "summary": "등차수열의 일반항 공식 a_n = a_1 + (n-1)d 를 정리했다.",
  "key_concepts": ["sequences"],
  "student_progress": "공식의 구조를 이해함"
}`
)

// system wires the real agents over an in-memory bus and store, with one
// scripted model client per agent.
type system struct {
	router *Router
	store  *storeinmem.Store
	cls    *modeltest.Client
	clr    *modeltest.Client
	ans    *modeltest.Client
	obs    *modeltest.Client
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

func newSystem(t *testing.T) *system {
	t.Helper()
	b := businmem.New()
	st := storeinmem.New()
	log := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()

	cls := modeltest.New()
	clr := modeltest.New()
	ans := modeltest.New()
	obs := modeltest.New()

	classify, err := classifier.New(cls, b, classifier.WithRetry(fastRetry()))
	require.NoError(t, err)
	clarify, err := clarifier.New(clr, b, clarifier.WithRetry(fastRetry()))
	require.NoError(t, err)
	answer, err := answerer.New(ans, b, answerer.WithRetry(fastRetry()), answerer.WithChunkRetry(fastRetry()))
	require.NoError(t, err)
	observe, err := observer.New(obs, b, st, observer.WithRetry(fastRetry()))
	require.NoError(t, err)

	sup := agent.NewSupervisor(b, log, metrics, classify, clarify, answer, observe)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() { sup.Stop(context.Background()) })

	asm := conversation.New(st, b, log)
	r := New(st, b, sup, asm, WithClarifications(clarify), WithPhaseTimeout(5*time.Second))
	return &system{router: r, store: st, cls: cls, clr: clr, ans: ans, obs: obs}
}

func (s *system) utterInto(t *testing.T, sessionID int64, userID, text string, out sse.Sink) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.router.HandleUtterance(ctx, Utterance{SessionID: sessionID, UserID: userID, Text: text}, out)
}

func (s *system) utter(t *testing.T, sessionID int64, userID, text string) *memSink {
	t.Helper()
	out := &memSink{}
	require.NoError(t, s.utterInto(t, sessionID, userID, text, out))
	return out
}

func sessionIDOf(t *testing.T, out *memSink) int64 {
	t.Helper()
	events := out.Events()
	require.NotEmpty(t, events)
	info, ok := events[0].(*sse.SessionInfo)
	require.True(t, ok, "first event is %s, want session_info", events[0].EventType())
	return info.SessionID
}

func countEvents(out *memSink, typ string) int {
	n := 0
	for _, tp := range out.Types() {
		if tp == typ {
			n++
		}
	}
	return n
}

func TestFreshQuestionStreamsAnswerAndSummary(t *testing.T) {
	sys := newSystem(t)
	sys.cls.Push(modeltest.Reply{Text: answerableVerdict})
	sys.ans.Push(modeltest.Reply{Chunks: []string{"등차수열의 일반항은 ", "a_n = a_1 + (n-1)d", " 입니다."}})
	sys.obs.Push(modeltest.Reply{Text: studyNotes})

	out := sys.utter(t, 0, "student-1", "등차수열의 일반항을 구하는 공식을 알려줘")

	require.Equal(t, []string{
		sse.EventSessionInfo,
		sse.EventClassificationComplete,
		sse.EventStreamingChunk,
		sse.EventStreamingChunk,
		sse.EventStreamingChunk,
		sse.EventStreamingChunk,
		sse.EventAnswerComplete,
		sse.EventSummaryComplete,
	}, out.Types())

	events := out.Events()
	sid := sessionIDOf(t, out)

	verdict := events[1].(*sse.ClassificationComplete)
	assert.Equal(t, sid, verdict.SessionID)
	assert.True(t, verdict.IsNewQuestion)
	assert.Equal(t, "등차수열의 일반항을 구하는 공식을 알려줘", verdict.Question)
	var decoded struct {
		Quality       string `json:"quality"`
		KnowledgeCode string `json:"knowledge_code"`
	}
	require.NoError(t, json.Unmarshal(verdict.Result, &decoded))
	assert.Equal(t, "answerable", decoded.Quality)
	assert.Equal(t, "K3", decoded.KnowledgeCode)

	full := "등차수열의 일반항은 a_n = a_1 + (n-1)d 입니다."
	var rebuilt string
	for i, ev := range events[2:6] {
		chunk := ev.(*sse.StreamingChunk)
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, i == 3, chunk.IsFinal)
		rebuilt += chunk.Content
	}
	assert.Equal(t, full, rebuilt)

	answer := events[6].(*sse.AnswerComplete)
	assert.Equal(t, full, answer.FullResponse)
	assert.Equal(t, "completed", answer.Status)

	summary := events[7].(*sse.SummaryComplete)
	assert.Contains(t, summary.Summary, "일반항 공식")
	assert.True(t, summary.ReadyForNewQuestion)

	sess, err := sys.store.Session(context.Background(), sid, "student-1")
	require.NoError(t, err)
	assert.Equal(t, store.StageReady, sess.CurrentStage)
	assert.Equal(t, wire.MessageMaiceAnswer, sess.LastMessageType)
	assert.Equal(t, "등차수열 일반항", sess.Title)

	answers := 0
	for _, m := range sys.store.AllMessages(sid) {
		if m.Type == wire.MessageMaiceAnswer {
			answers++
		}
	}
	assert.Equal(t, 1, answers)
	require.Len(t, sys.store.Summaries(sid), 1)

	require.Len(t, sys.cls.Requests(), 1)
	assert.Contains(t, sys.cls.Requests()[0].Messages[1].Content, "등차수열의 일반항")
	require.Len(t, sys.ans.Requests(), 1)
	assert.True(t, sys.ans.Requests()[0].Stream)
	assert.Empty(t, sys.clr.Requests())
	require.Len(t, sys.obs.Requests(), 1)
}

func TestClarificationLoopResolvesAndAnswers(t *testing.T) {
	sys := newSystem(t)
	sys.cls.Push(modeltest.Reply{Text: needsClarifyVerdict})

	first := sys.utter(t, 0, "student-1", "이거 어떻게 풀어?")
	require.Equal(t, []string{
		sse.EventSessionInfo,
		sse.EventClassificationComplete,
		sse.EventClarificationQuestion,
	}, first.Types())
	sid := sessionIDOf(t, first)

	q := first.Events()[2].(*sse.ClarificationQuestion)
	assert.Equal(t, "어떤 문제를 풀고 있는지 알려줄래?", q.Message)
	assert.Equal(t, 1, q.QuestionIndex)
	assert.Equal(t, 3, q.TotalQuestions)
	// The proposed question came from the classifier verdict, no extra call.
	assert.Empty(t, sys.clr.Requests())

	sess, err := sys.store.Session(context.Background(), sid, "student-1")
	require.NoError(t, err)
	assert.Equal(t, store.StageClarification, sess.CurrentStage)
	assert.Equal(t, wire.MessageMaiceClarificationQuest, sess.LastMessageType)

	sys.clr.Push(modeltest.Reply{Text: passEvaluation})
	sys.ans.Push(modeltest.Reply{Chunks: []string{"등차수열의 합은 ", "S_n = n(a_1+a_n)/2", " 입니다."}})
	sys.obs.Push(modeltest.Reply{Text: studyNotes})

	second := sys.utter(t, sid, "student-1", "등차수열 합 공식이요")
	require.Equal(t, []string{
		sse.EventClarificationStatus,
		sse.EventStreamingChunk,
		sse.EventStreamingChunk,
		sse.EventStreamingChunk,
		sse.EventStreamingChunk,
		sse.EventAnswerComplete,
		sse.EventSummaryComplete,
	}, second.Types())

	status := second.Events()[0].(*sse.ClarificationStatus)
	assert.Equal(t, "sufficient", status.Status)

	// The evaluation saw the student reply; the answer was generated for the
	// refined question with the exchange attached.
	require.Len(t, sys.clr.Requests(), 1)
	assert.Contains(t, sys.clr.Requests()[0].Messages[1].Content, "등차수열 합 공식이요")
	require.Len(t, sys.ans.Requests(), 1)
	answerPrompt := sys.ans.Requests()[0].Messages[1].Content
	assert.Contains(t, answerPrompt, "등차수열의 합 공식을 구하는 과정을 알려줘")
	assert.Contains(t, answerPrompt, "등차수열 합 공식이요")

	sess, err = sys.store.Session(context.Background(), sid, "student-1")
	require.NoError(t, err)
	assert.Equal(t, store.StageReady, sess.CurrentStage)
}

func TestClarificationBudgetExhaustionRejects(t *testing.T) {
	sys := newSystem(t)
	sys.cls.Push(modeltest.Reply{Text: needsClarifyVerdict})

	first := sys.utter(t, 0, "student-1", "이거 어떻게 풀어?")
	sid := sessionIDOf(t, first)
	assert.Equal(t, 1, countEvents(first, sse.EventClarificationQuestion))

	sys.clr.Push(modeltest.Reply{Text: needMoreUnit})
	second := sys.utter(t, sid, "student-1", "음...")
	require.Equal(t, []string{sse.EventClarificationQuestion}, second.Types())
	assert.Equal(t, 2, second.Events()[0].(*sse.ClarificationQuestion).QuestionIndex)

	sys.clr.Push(modeltest.Reply{Text: needMoreStatement})
	third := sys.utter(t, sid, "student-1", "몰라요")
	require.Equal(t, []string{sse.EventClarificationQuestion}, third.Types())
	assert.Equal(t, 3, third.Events()[0].(*sse.ClarificationQuestion).QuestionIndex)

	sys.clr.Push(modeltest.Reply{Text: needMoreUnit})
	sys.obs.Push(modeltest.Reply{Text: studyNotes})
	fourth := sys.utter(t, sid, "student-1", "그냥요")
	require.Equal(t, []string{
		sse.EventStreamingChunk,
		sse.EventAnswerComplete,
		sse.EventSummaryComplete,
	}, fourth.Types())

	chunk := fourth.Events()[0].(*sse.StreamingChunk)
	assert.True(t, chunk.IsFinal)
	assert.Zero(t, chunk.ChunkIndex)
	assert.Contains(t, chunk.Content, "3번")
	assert.Equal(t, chunk.Content, fourth.Events()[1].(*sse.AnswerComplete).FullResponse)

	// Three questions total, and the rejection never touched the answer model.
	asked := countEvents(first, sse.EventClarificationQuestion) +
		countEvents(second, sse.EventClarificationQuestion) +
		countEvents(third, sse.EventClarificationQuestion) +
		countEvents(fourth, sse.EventClarificationQuestion)
	assert.Equal(t, 3, asked)
	assert.Empty(t, sys.ans.Requests())
	assert.Len(t, sys.clr.Requests(), 3)

	sess, err := sys.store.Session(context.Background(), sid, "student-1")
	require.NoError(t, err)
	assert.Equal(t, store.StageReady, sess.CurrentStage)
}

func TestFollowUpCarriesConversationContext(t *testing.T) {
	sys := newSystem(t)
	sys.cls.Push(modeltest.Reply{Text: answerableVerdict})
	sys.ans.Push(modeltest.Reply{Chunks: []string{"등차수열의 일반항은 ", "a_n = a_1 + (n-1)d", " 입니다."}})
	sys.obs.Push(modeltest.Reply{Text: studyNotes})
	first := sys.utter(t, 0, "student-1", "등차수열의 일반항을 구하는 공식을 알려줘")
	sid := sessionIDOf(t, first)

	sys.cls.Push(modeltest.Reply{Text: answerableVerdict})
	sys.ans.Push(modeltest.Reply{Chunks: []string{"등비수열의 일반항은 ", "a_n = a_1 r^(n-1)", " 입니다."}})
	sys.obs.Push(modeltest.Reply{Text: studyNotes})
	second := sys.utter(t, sid, "student-1", "그럼 등비수열은?")

	types := second.Types()
	require.NotEmpty(t, types)
	assert.NotEqual(t, sse.EventSessionInfo, types[0], "existing session must not re-announce itself")
	assert.Equal(t, sse.EventClassificationComplete, types[0])
	assert.Equal(t, sse.EventSummaryComplete, types[len(types)-1])

	verdict := second.Events()[0].(*sse.ClassificationComplete)
	assert.False(t, verdict.IsNewQuestion)
	assert.Equal(t, "그럼 등비수열은?", verdict.Question)

	require.Len(t, sys.cls.Requests(), 2)
	followUpPrompt := sys.cls.Requests()[1].Messages[1].Content
	assert.Contains(t, followUpPrompt, "=== follow-up ===")
	assert.Contains(t, followUpPrompt, "a_n = a_1 + (n-1)d")

	var followUps int
	for _, m := range sys.store.AllMessages(sid) {
		if m.Type == wire.MessageUserFollowUp {
			followUps++
		}
	}
	assert.Equal(t, 1, followUps)
}

func TestOffTopicQuestionRejectedWithoutModelCall(t *testing.T) {
	sys := newSystem(t)
	sys.cls.Push(modeltest.Reply{Text: offTopicVerdict})
	sys.obs.Push(modeltest.Reply{Text: studyNotes})

	out := sys.utter(t, 0, "student-1", "오늘 저녁 뭐 먹을까?")

	require.Equal(t, []string{
		sse.EventSessionInfo,
		sse.EventClassificationComplete,
		sse.EventStreamingChunk,
		sse.EventAnswerComplete,
		sse.EventSummaryComplete,
	}, out.Types())

	events := out.Events()
	var decoded struct {
		Quality string `json:"quality"`
		Reason  string `json:"unanswerable_reason"`
	}
	require.NoError(t, json.Unmarshal(events[1].(*sse.ClassificationComplete).Result, &decoded))
	assert.Equal(t, "unanswerable", decoded.Quality)
	assert.Equal(t, "not_math", decoded.Reason)

	chunk := events[2].(*sse.StreamingChunk)
	assert.True(t, chunk.IsFinal)
	assert.Zero(t, chunk.ChunkIndex)
	assert.Contains(t, chunk.Content, "수학 질문에만")
	assert.Equal(t, chunk.Content, events[3].(*sse.AnswerComplete).FullResponse)

	// The rejection is deterministic: no answer generation call happened.
	assert.Empty(t, sys.ans.Requests())
	require.Len(t, sys.obs.Requests(), 1)

	sid := sessionIDOf(t, out)
	sess, err := sys.store.Session(context.Background(), sid, "student-1")
	require.NoError(t, err)
	assert.Equal(t, store.StageReady, sess.CurrentStage)
}

// droppingSink loses every second answer delta, as a flaky client connection
// would.
type droppingSink struct {
	memSink
	seen int
}

func (d *droppingSink) Send(ctx context.Context, ev sse.Event) error {
	if chunk, ok := ev.(*sse.StreamingChunk); ok && !chunk.IsFinal {
		d.seen++
		if d.seen%2 == 0 {
			return nil
		}
	}
	return d.memSink.Send(ctx, ev)
}

func TestDroppedChunksRecoveredByFullResponse(t *testing.T) {
	sys := newSystem(t)
	chunks := []string{"수열의 합 공식은 ", "S_n = ", "n(a_1+a_n)", "/2", " 입니다", "."}
	full := ""
	for _, c := range chunks {
		full += c
	}
	sys.cls.Push(modeltest.Reply{Text: answerableVerdict})
	sys.ans.Push(modeltest.Reply{Chunks: chunks})
	sys.obs.Push(modeltest.Reply{Text: studyNotes})

	out := &droppingSink{}
	require.NoError(t, sys.utterInto(t, 0, "student-1", "등차수열의 합 공식을 알려줘", out))

	received := 0
	var answer *sse.AnswerComplete
	for _, ev := range out.Events() {
		switch v := ev.(type) {
		case *sse.StreamingChunk:
			if !v.IsFinal {
				received++
			}
		case *sse.AnswerComplete:
			answer = v
		}
	}
	assert.Less(t, received, len(chunks), "sink should have dropped deltas")
	require.NotNil(t, answer)
	assert.Equal(t, full, answer.FullResponse)
	assert.Equal(t, sse.EventSummaryComplete, out.Types()[len(out.Types())-1])
}

func TestConcurrentSessionsStayIsolated(t *testing.T) {
	sys := newSystem(t)
	for n := 0; n < 2; n++ {
		sys.cls.Push(modeltest.Reply{Text: answerableVerdict})
		sys.ans.Push(modeltest.Reply{Chunks: []string{"답변 ", "본문"}})
		sys.obs.Push(modeltest.Reply{Text: studyNotes})
	}

	sinks := [2]*memSink{{}, {}}
	users := [2]string{"student-1", "student-2"}
	var wg sync.WaitGroup
	errs := [2]error{}
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sys.utterInto(t, 0, users[i], "등차수열의 일반항을 구하는 공식을 알려줘", sinks[i])
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	ids := [2]int64{sessionIDOf(t, sinks[0]), sessionIDOf(t, sinks[1])}
	assert.NotEqual(t, ids[0], ids[1])

	for i, sink := range sinks {
		types := sink.Types()
		assert.Equal(t, sse.EventSummaryComplete, types[len(types)-1])
		for _, ev := range sink.Events() {
			switch v := ev.(type) {
			case *sse.SessionInfo:
				assert.Equal(t, ids[i], v.SessionID)
			case *sse.ClassificationComplete:
				assert.Equal(t, ids[i], v.SessionID)
			case *sse.StreamingChunk:
				assert.Equal(t, ids[i], v.SessionID)
			case *sse.AnswerComplete:
				assert.Equal(t, ids[i], v.SessionID)
			case *sse.SummaryComplete:
				assert.Equal(t, ids[i], v.SessionID)
			}
		}
	}
}
