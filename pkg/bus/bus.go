// Package bus is the in-process event fabric: typed events fan out to
// named handlers registered per event type or on the "*" wildcard.
// Emission never propagates handler failures back to the emitter.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is one occurrence on the bus. SourceEventUID is assigned at
// emit time when empty, giving downstream dedupe a stable key.
type Event struct {
	SourceEventUID string          `json:"source_event_uid"`
	Type           string          `json:"type"`
	CaseUID        string          `json:"case_uid,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EmittedAt      time.Time       `json:"emitted_at"`
}

// Handler consumes one event. Errors are logged, never propagated.
type Handler func(ctx context.Context, ev Event) error

type registration struct {
	name    string
	handler Handler
}

// Bus is the in-process dispatcher. Handlers for one type run in
// registration order; wildcard handlers run after typed ones.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	wg       sync.WaitGroup
	log      *slog.Logger
}

// New creates an empty bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{handlers: make(map[string][]registration), log: log}
}

// On registers a named handler for an event type ("*" for all types).
// Registration order is dispatch order.
func (b *Bus) On(eventType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], registration{name: name, handler: h})
}

// Off removes a named handler from an event type.
func (b *Bus) Off(eventType, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[eventType]
	out := regs[:0]
	for _, r := range regs {
		if r.name != name {
			out = append(out, r)
		}
	}
	b.handlers[eventType] = out
}

// Emit dispatches fire-and-forget on one goroutine per matching
// handler. Panics and errors are recovered and logged.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	ev = b.stamp(ev)
	for _, r := range b.snapshot(ev.Type) {
		r := r
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.dispatch(ctx, r, ev)
		}()
	}
}

// EmitAndWait dispatches synchronously in registration order and
// returns after every handler has run.
func (b *Bus) EmitAndWait(ctx context.Context, ev Event) {
	ev = b.stamp(ev)
	for _, r := range b.snapshot(ev.Type) {
		b.dispatch(ctx, r, ev)
	}
}

// Drain blocks until all in-flight asynchronous handlers finish.
func (b *Bus) Drain() {
	b.wg.Wait()
}

func (b *Bus) stamp(ev Event) Event {
	if ev.SourceEventUID == "" {
		ev.SourceEventUID = model.NewUID(model.KindEventLog)
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	return ev
}

// snapshot copies the matching handler list so emission never holds the
// lock while handlers run.
func (b *Bus) snapshot(eventType string) []registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	typed := b.handlers[eventType]
	wild := b.handlers[Wildcard]
	out := make([]registration, 0, len(typed)+len(wild))
	out = append(out, typed...)
	if eventType != Wildcard {
		out = append(out, wild...)
	}
	return out
}

func (b *Bus) dispatch(ctx context.Context, r registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("event handler panicked",
				"handler", r.name, "event_type", ev.Type, "source_event_uid", ev.SourceEventUID, "panic", rec)
		}
	}()
	if err := r.handler(ctx, ev); err != nil {
		b.log.Warn("event handler failed",
			"handler", r.name, "event_type", ev.Type, "source_event_uid", ev.SourceEventUID, "error", err)
	}
}
