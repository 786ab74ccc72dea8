package chat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/codesmith/internal/ai"
	"github.com/cchalm/codesmith/internal/ai/aitest"
	"github.com/cchalm/codesmith/internal/codestore"
)

func newTestRegistry(backend *aitest.Backend) *Registry {
	return NewRegistry(Deps{
		Backend: backend,
		Slot:    codestore.NewSlot(appCode),
		Logger:  zerolog.Nop(),
	}, defaultOptions())
}

func TestRegistry_Get(t *testing.T) {
	r := newTestRegistry(aitest.Fragments("hi"))

	_, ok := r.Lookup("a")
	assert.False(t, ok)

	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	found, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Same(t, a, found)
	assert.NotSame(t, a, r.Get("b"))
	assert.Equal(t, "a", a.SessionID())
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_SessionsShareSlot(t *testing.T) {
	r := newTestRegistry(aitest.Fragments(aitest.Wrap("shared")))

	_, err := r.Get("a").Submit(context.Background(), TurnRequest{Instruction: "change"})
	require.NoError(t, err)

	// The other session sees the committed code but has its own conversation
	b := r.Get("b")
	assert.Empty(t, b.Conversation())
	code, _ := b.slot.Get()
	assert.Equal(t, "shared", code)
}

func TestRegistry_Sweep(t *testing.T) {
	gate := make(chan struct{})
	r := newTestRegistry(aitest.NewBackend(aitest.Script{Fragments: []string{"x"}, Gate: gate}))

	r.Get("idle")
	busy := r.Get("busy")
	done := make(chan error, 1)
	go func() {
		_, err := busy.Submit(context.Background(), TurnRequest{Instruction: "change"})
		done <- err
	}()
	require.Eventually(t, func() bool { return busy.State() == StateStreaming }, time.Second, time.Millisecond)

	assert.Equal(t, 0, r.Sweep(time.Hour))
	assert.Equal(t, 1, r.Sweep(0))
	assert.Equal(t, 1, r.Len())

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, r.Sweep(0))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SweptControllerRefusesTurns(t *testing.T) {
	backend := aitest.Fragments(aitest.Wrap("v2"))
	r := newTestRegistry(backend)
	ctx := context.Background()

	// A handler holds the controller while a sweep drops the session
	stale := r.Get("s")
	require.Equal(t, 1, r.Sweep(0))

	_, err := stale.Submit(ctx, TurnRequest{Instruction: "change"})
	require.ErrorIs(t, err, ErrSessionRetired)
	assert.Zero(t, backend.Calls())
	assert.Empty(t, stale.Conversation())

	result, err := r.Submit(ctx, "s", TurnRequest{Instruction: "change"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)

	current, ok := r.Lookup("s")
	require.True(t, ok)
	assert.NotSame(t, stale, current)
	assert.Len(t, current.Conversation(), 2)
	assert.Equal(t, 1, backend.Calls())
}

func TestRegistry_SweepNeverSplitsASession(t *testing.T) {
	gate := make(chan struct{})
	backend := aitest.NewBackend(aitest.Script{Fragments: []string{"x", aitest.Wrap("v2")}, Gate: gate})
	r := newTestRegistry(backend)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s", TurnRequest{Instruction: "one"})
		done <- err
	}()
	first := r.Get("s")
	require.Eventually(t, func() bool { return first.State() == StateStreaming }, time.Second, time.Millisecond)

	assert.Equal(t, 0, r.Sweep(0))
	assert.Same(t, first, r.Get("s"))
	_, err := r.Submit(ctx, "s", TurnRequest{Instruction: "two"})
	require.ErrorIs(t, err, ErrTurnInProgress)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, backend.Calls())
}

func TestRegistry_GetCountsAsActivity(t *testing.T) {
	r := newTestRegistry(aitest.Fragments("hi"))

	c := r.Get("s")
	c.mu.Lock()
	c.lastActive = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	assert.Same(t, c, r.Get("s"))
	assert.Equal(t, 0, r.Sweep(time.Minute))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Abandon(t *testing.T) {
	gate := make(chan struct{})
	r := newTestRegistry(aitest.NewBackend(aitest.Script{Fragments: []string{aitest.Wrap("late")}, Gate: gate}))
	r.Abandon("unknown")

	done := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), "s", TurnRequest{Instruction: "change"})
		done <- err
	}()
	require.Eventually(t, func() bool {
		c, ok := r.Lookup("s")
		return ok && c.State() == StateStreaming
	}, time.Second, time.Millisecond)

	r.Abandon("s")
	require.ErrorIs(t, <-done, ai.ErrAbandoned)

	c, _ := r.Lookup("s")
	code, _ := c.slot.Get()
	assert.Equal(t, appCode, code)
}
