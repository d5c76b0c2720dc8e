package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAndWaitFIFOOrder(t *testing.T) {
	b := New(nil)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.On("case.created", name, func(context.Context, Event) error {
			order = append(order, name)
			return nil
		})
	}

	b.EmitAndWait(context.Background(), Event{Type: "case.created"})
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestWildcardReceivesAllTypes(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var seen []string
	b.On(Wildcard, "audit", func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
		return nil
	})

	b.EmitAndWait(context.Background(), Event{Type: "a"})
	b.EmitAndWait(context.Background(), Event{Type: "b"})
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestWildcardRunsAfterTyped(t *testing.T) {
	b := New(nil)
	var order []string
	b.On(Wildcard, "wild", func(context.Context, Event) error {
		order = append(order, "wild")
		return nil
	})
	b.On("x", "typed", func(context.Context, Event) error {
		order = append(order, "typed")
		return nil
	})

	b.EmitAndWait(context.Background(), Event{Type: "x"})
	assert.Equal(t, []string{"typed", "wild"}, order)
}

func TestEmitRecoversPanicsAndErrors(t *testing.T) {
	b := New(nil)
	b.On("x", "panics", func(context.Context, Event) error { panic("boom") })
	b.On("x", "errors", func(context.Context, Event) error { return errors.New("nope") })

	done := make(chan struct{})
	b.On("x", "ok", func(context.Context, Event) error {
		close(done)
		return nil
	})

	b.Emit(context.Background(), Event{Type: "x"})
	b.Drain()
	select {
	case <-done:
	default:
		t.Fatal("healthy handler did not run")
	}
}

func TestEmitAssignsSourceEventUID(t *testing.T) {
	b := New(nil)
	var got Event
	b.On("x", "capture", func(_ context.Context, ev Event) error {
		got = ev
		return nil
	})

	b.EmitAndWait(context.Background(), Event{Type: "x"})
	assert.NotEmpty(t, got.SourceEventUID)
	assert.False(t, got.EmittedAt.IsZero())

	// A caller-provided uid is preserved.
	b.EmitAndWait(context.Background(), Event{Type: "x", SourceEventUID: "evt_fixed"})
	assert.Equal(t, "evt_fixed", got.SourceEventUID)
}

func TestOffRemovesHandler(t *testing.T) {
	b := New(nil)
	calls := 0
	b.On("x", "h", func(context.Context, Event) error { calls++; return nil })
	b.EmitAndWait(context.Background(), Event{Type: "x"})
	b.Off("x", "h")
	b.EmitAndWait(context.Background(), Event{Type: "x"})
	require.Equal(t, 1, calls)
}

func TestDrainWaitsForAsyncHandlers(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	count := 0
	b.On("x", "slow", func(context.Context, Event) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	})

	for i := 0; i < 20; i++ {
		b.Emit(context.Background(), Event{Type: "x"})
	}
	b.Drain()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, count)
}
