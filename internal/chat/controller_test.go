package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/codesmith/internal/ai"
	"github.com/cchalm/codesmith/internal/ai/aitest"
	"github.com/cchalm/codesmith/internal/codestore"
	"github.com/cchalm/codesmith/internal/telemetry"
)

const appCode = `export default function App() {
  return <div>Hello</div>;
}`

type failingBackend struct{ err error }

func (fb failingBackend) Load(context.Context) (string, error) { return "", fb.err }
func (fb failingBackend) Save(context.Context, string) error   { return fb.err }
func (fb failingBackend) Durability() codestore.Durability     { return codestore.Durable }

type fixture struct {
	ctrl      *Controller
	slot      *codestore.Slot
	store     *codestore.MemoryBackend
	persister *codestore.Persister
	metrics   *telemetry.Metrics
}

func newFixture(t *testing.T, backend ai.Backend, initial string, opts Options) fixture {
	t.Helper()
	f := fixture{
		slot:    codestore.NewSlot(initial),
		store:   codestore.NewMemoryBackend(),
		metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
	}
	f.persister = codestore.NewPersister(f.store, time.Second)
	f.ctrl = NewController("session", Deps{
		Backend:   backend,
		Slot:      f.slot,
		Persister: f.persister,
		Metrics:   f.metrics,
		Logger:    zerolog.Nop(),
	}, opts)
	t.Cleanup(f.persister.Wait)
	return f
}

func defaultOptions() Options {
	return Options{Model: "test-model", MaxTokens: 1024, MaxHistory: -1}
}

// commits records OnCommit calls
type commits struct {
	mu   sync.Mutex
	code []string
}

func (c *commits) observer() Observer {
	return Observer{
		OnCommit: func(code string, _ uint64) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.code = append(c.code, code)
		},
	}
}

func (c *commits) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.code...)
}

func TestSubmit_CommitsCodeSplitAcrossFragments(t *testing.T) {
	backend := aitest.Fragments(
		"---jsx\nexport",
		" default function App(){return <button/>}",
		"\n---",
		"\nAnd another one: ---jsx\nignored\n---",
	)
	f := newFixture(t, backend, appCode, defaultOptions())

	var seen commits
	var fragments []string
	obs := seen.observer()
	obs.OnFragment = func(text string) { fragments = append(fragments, text) }

	result, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "Add a button", Observer: obs})
	require.NoError(t, err)

	want := "export default function App(){return <button/>}"
	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.Equal(t, want, result.Code)
	assert.Equal(t, uint64(2), result.Version)
	assert.Equal(t, []string{want}, seen.all())
	assert.Len(t, fragments, 4)

	code, ok := f.slot.Get()
	require.True(t, ok)
	assert.Equal(t, want, code)

	conv := f.ctrl.Conversation()
	require.Len(t, conv, 2)
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "Add a button"}, conv[0])
	assert.Equal(t, ai.RoleAssistant, conv[1].Role)
	assert.Equal(t, result.Reply, conv[1].Content)
	assert.Contains(t, conv[1].Content, "ignored")
	assert.Equal(t, StateIdle, f.ctrl.State())

	f.persister.Wait()
	stored, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, stored)
}

func TestSubmit_NoCodeLeavesSlotUnchanged(t *testing.T) {
	f := newFixture(t, aitest.Fragments("I can't ", "do that without more detail."), appCode, defaultOptions())

	result, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "make it better"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCode, result.Outcome)
	assert.Equal(t, "I can't do that without more detail.", result.Reply)
	assert.Zero(t, result.Version)

	code, _ := f.slot.Get()
	assert.Equal(t, appCode, code)
	assert.Equal(t, uint64(1), f.slot.Version())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("no_code")))
}

func TestSubmit_SlotTracksLastSuccessfulExtraction(t *testing.T) {
	backend := aitest.NewBackend(
		aitest.Script{Fragments: []string{aitest.Wrap("v1")}},
		aitest.Script{Fragments: []string{"nothing to see"}},
		aitest.Script{Fragments: []string{aitest.Wrap("v3")}},
		aitest.Script{Fragments: []string{"still nothing"}},
	)
	f := newFixture(t, backend, appCode, defaultOptions())

	outcomes := []Outcome{OutcomeCommitted, OutcomeNoCode, OutcomeCommitted, OutcomeNoCode}
	current := []string{"v1", "v1", "v3", "v3"}
	for i := range outcomes {
		result, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "change"})
		require.NoError(t, err)
		assert.Equal(t, outcomes[i], result.Outcome, "turn %d", i)
		code, _ := f.slot.Get()
		assert.Equal(t, current[i], code, "turn %d", i)
	}
	assert.Len(t, f.ctrl.Conversation(), 8)

	f.persister.Wait()
	stored, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v3", stored)
}

func TestSubmit_EmptyStoreFailsBeforeSending(t *testing.T) {
	backend := aitest.Fragments(aitest.Wrap("unused"))
	f := newFixture(t, backend, "", defaultOptions())

	result, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "Add a button"})
	require.ErrorIs(t, err, ai.ErrNoBaseCode)

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, StageSend, turnErr.Stage)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.False(t, IsClientError(err))

	assert.Zero(t, backend.Calls())
	_, ok := f.slot.Get()
	assert.False(t, ok)
	assert.Equal(t, ai.Conversation{
		{Role: ai.RoleUser, Content: "Add a button"},
		{Role: ai.RoleAssistant, Content: FallbackMessage},
	}, f.ctrl.Conversation())
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestSubmit_EmptyInstruction(t *testing.T) {
	backend := aitest.Fragments(aitest.Wrap("unused"))
	f := newFixture(t, backend, appCode, defaultOptions())

	_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "  "})
	require.ErrorIs(t, err, ai.ErrEmptyInstruction)
	assert.True(t, IsClientError(err))
	assert.Zero(t, backend.Calls())
}

func TestSubmit_StreamErrorAppendsFallback(t *testing.T) {
	boom := errors.New("overloaded")
	backend := aitest.NewBackend(aitest.Script{Fragments: []string{"Sure, here", " is the"}, Err: boom})
	f := newFixture(t, backend, appCode, defaultOptions())

	result, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "Add a button"})
	require.ErrorIs(t, err, boom)

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, StageStream, turnErr.Stage)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, FallbackMessage, result.Reply)

	assert.Equal(t, ai.Conversation{
		{Role: ai.RoleUser, Content: "Add a button"},
		{Role: ai.RoleAssistant, Content: FallbackMessage},
	}, f.ctrl.Conversation())
	code, _ := f.slot.Get()
	assert.Equal(t, appCode, code)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("failed")))
}

func TestSubmit_ErrorAfterCommitKeepsCommittedCode(t *testing.T) {
	boom := errors.New("connection reset")
	backend := aitest.NewBackend(aitest.Script{Fragments: []string{aitest.Wrap("new code"), " trailing"}, Err: boom})
	f := newFixture(t, backend, appCode, defaultOptions())

	result, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "Add a button"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "new code", result.Code)

	code, _ := f.slot.Get()
	assert.Equal(t, "new code", code)
	last, _ := f.ctrl.Conversation().Last()
	assert.Equal(t, FallbackMessage, last.Content)
}

func TestSubmit_Timeout(t *testing.T) {
	backend := aitest.NewBackend(aitest.Script{Fragments: []string{"never"}, Gate: make(chan struct{})})
	opts := defaultOptions()
	opts.StreamTimeout = 20 * time.Millisecond
	f := newFixture(t, backend, appCode, opts)

	_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "Add a button"})
	require.ErrorIs(t, err, ai.ErrStreamTimeout)
	last, _ := f.ctrl.Conversation().Last()
	assert.Equal(t, FallbackMessage, last.Content)
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestSubmit_RejectsWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	backend := aitest.NewBackend(aitest.Script{Fragments: []string{aitest.Wrap("first")}, Gate: gate})
	f := newFixture(t, backend, appCode, defaultOptions())

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "first"})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.ctrl.State() == StateStreaming }, time.Second, time.Millisecond)

	_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "second"})
	require.ErrorIs(t, err, ErrTurnInProgress)

	close(gate)
	require.NoError(t, <-done)

	// The rejected instruction never reached the conversation
	conv := f.ctrl.Conversation()
	require.Len(t, conv, 2)
	assert.Equal(t, "first", conv[0].Content)
	assert.Equal(t, 1, backend.Calls())
}

func TestSubmit_QueuesWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	backend := aitest.NewBackend(
		aitest.Script{Fragments: []string{aitest.Wrap("first")}, Gate: gate},
		aitest.Script{Fragments: []string{aitest.Wrap("second")}},
	)
	opts := defaultOptions()
	opts.QueueTurns = true
	f := newFixture(t, backend, appCode, opts)

	first := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "one"})
		first <- err
	}()
	require.Eventually(t, func() bool { return f.ctrl.State() == StateStreaming }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "two"})
		second <- err
	}()

	close(gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	code, _ := f.slot.Get()
	assert.Equal(t, "second", code)

	conv := f.ctrl.Conversation()
	require.Len(t, conv, 4)
	assert.Equal(t, "one", conv[0].Content)
	assert.Equal(t, "two", conv[2].Content)

	// The second request replays the first exchange ahead of its own prompt
	requests := backend.Requests()
	require.Len(t, requests, 2)
	require.Len(t, requests[1].Turns, 3)
	assert.Equal(t, "one", requests[1].Turns[0].Content)
	assert.Contains(t, requests[1].Turns[1].Content, "first")
}

func TestSubmit_QueueWaitBoundedByContext(t *testing.T) {
	gate := make(chan struct{})
	backend := aitest.NewBackend(aitest.Script{Fragments: []string{aitest.Wrap("first")}, Gate: gate})
	opts := defaultOptions()
	opts.QueueTurns = true
	f := newFixture(t, backend, appCode, opts)

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "first"})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.ctrl.State() == StateStreaming }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.ctrl.Submit(ctx, TurnRequest{Instruction: "second"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.NoError(t, <-done)
}

func TestAbandon_DiscardsTurn(t *testing.T) {
	gate := make(chan struct{})
	backend := aitest.NewBackend(aitest.Script{Fragments: []string{aitest.Wrap("late")}, Gate: gate})
	f := newFixture(t, backend, appCode, defaultOptions())

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "Add a button"})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.ctrl.State() == StateStreaming }, time.Second, time.Millisecond)

	f.ctrl.Abandon()
	err := <-done
	require.ErrorIs(t, err, ai.ErrAbandoned)

	code, _ := f.slot.Get()
	assert.Equal(t, appCode, code)
	last, _ := f.ctrl.Conversation().Last()
	assert.Equal(t, FallbackMessage, last.Content)
}

func TestAbandon_BeforeStreamingStarts(t *testing.T) {
	backend := aitest.Fragments(aitest.Wrap("v2"))
	f := newFixture(t, backend, appCode, defaultOptions())
	ctx := context.Background()

	// Abandon lands after the turn took the token but before it has a consumer
	require.NoError(t, f.ctrl.acquire(ctx))
	f.ctrl.Abandon()
	require.NoError(t, f.ctrl.begin())
	assert.Equal(t, StateSending, f.ctrl.State())
	result, err := f.ctrl.runTurn(ctx, TurnRequest{Instruction: "Add a button"}, zerolog.Nop())
	f.ctrl.release()

	require.ErrorIs(t, err, ai.ErrAbandoned)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Zero(t, backend.Calls())
	code, _ := f.slot.Get()
	assert.Equal(t, appCode, code)
	last, _ := f.ctrl.Conversation().Last()
	assert.Equal(t, FallbackMessage, last.Content)

	// The flag does not leak into the next turn
	result, err = f.ctrl.Submit(ctx, TurnRequest{Instruction: "Add a button"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)
	code, _ = f.slot.Get()
	assert.Equal(t, "v2", code)
}

func TestAbandon_IdleControllerIsUnaffected(t *testing.T) {
	f := newFixture(t, aitest.Fragments(aitest.Wrap("v2")), appCode, defaultOptions())

	f.ctrl.Abandon()
	result, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "change"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)
}

func TestSubmit_HistoryReplacesConversation(t *testing.T) {
	backend := aitest.Fragments(aitest.Wrap("v2"))
	f := newFixture(t, backend, appCode, defaultOptions())

	history := ai.Conversation{
		{Role: ai.RoleSystem, Content: "Use Tailwind classes."},
		{Role: ai.RoleUser, Content: "make it red"},
		{Role: ai.RoleAssistant, Content: "done"},
	}
	_, err := f.ctrl.Submit(context.Background(), TurnRequest{Instruction: "now blue", History: history})
	require.NoError(t, err)

	conv := f.ctrl.Conversation()
	require.Len(t, conv, 5)
	assert.Equal(t, history, conv[:3])

	req := backend.Requests()[0]
	assert.Contains(t, req.System, "Use Tailwind classes.")
	require.Len(t, req.Turns, 3)
	assert.Equal(t, "make it red", req.Turns[0].Content)
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, int64(1024), req.MaxTokens)
}

func TestSubmit_InvalidHistory(t *testing.T) {
	backend := aitest.Fragments(aitest.Wrap("v2"))
	f := newFixture(t, backend, appCode, defaultOptions())

	_, err := f.ctrl.Submit(context.Background(), TurnRequest{
		Instruction: "x",
		History:     ai.Conversation{{Role: "robot", Content: "beep"}},
	})
	require.ErrorIs(t, err, ErrInvalidHistory)
	assert.True(t, IsClientError(err))
	assert.Empty(t, f.ctrl.Conversation())
	assert.Zero(t, backend.Calls())
}

func TestSubmit_PersistFailureIsNotRolledBack(t *testing.T) {
	slot := codestore.NewSlot(appCode)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	persister := codestore.NewPersister(failingBackend{err: errors.New("read-only")}, time.Second)
	ctrl := NewController("session", Deps{
		Backend:   aitest.Fragments(aitest.Wrap("new code")),
		Slot:      slot,
		Persister: persister,
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
	}, defaultOptions())

	result, err := ctrl.Submit(context.Background(), TurnRequest{Instruction: "change"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)
	persister.Wait()

	code, _ := slot.Get()
	assert.Equal(t, "new code", code)
	require.Len(t, ctrl.PersistErrors(), 1)
	assert.Contains(t, ctrl.PersistErrors()[0].Error(), "read-only")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PersistFailuresTotal))
}

func TestSubmit_WithoutPersister(t *testing.T) {
	slot := codestore.NewSlot(appCode)
	ctrl := NewController("session", Deps{
		Backend: aitest.Fragments(aitest.Wrap("new code")),
		Slot:    slot,
		Logger:  zerolog.Nop(),
	}, defaultOptions())

	result, err := ctrl.Submit(context.Background(), TurnRequest{Instruction: "change"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.NotEmpty(t, result.TurnID)
}

func TestTurnError(t *testing.T) {
	err := &TurnError{Stage: StageStream, Err: ai.ErrStreamTimeout}
	assert.Equal(t, "turn failed during stream: model stream timed out", err.Error())
	assert.ErrorIs(t, err, ai.ErrStreamTimeout)
}
