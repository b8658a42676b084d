// Package framework implements the framework-event emission stream: a
// lightweight observability channel separate from RoomEvents that the
// pipeline, router, identity gate, and hook engine use to report
// internal transitions. Handlers live in a name-keyed registry and are
// dispatched fire-and-forget with a per-handler timeout; every emission
// also increments an internal/v1/metrics counter.
package framework

import (
	"context"
	"sync"
	"time"

	"github.com/roomkit/conversation/internal/v1/metrics"
	"github.com/roomkit/conversation/internal/v1/model"
)

// Name enumerates the framework-event names.
type Name string

const (
	RoomCreated             Name = "room_created"
	RoomClosed              Name = "room_closed"
	EventBlocked            Name = "event_blocked"
	DeliverySucceeded       Name = "delivery_succeeded"
	DeliveryFailed          Name = "delivery_failed"
	BroadcastPartialFailure Name = "broadcast_partial_failure"
	ChainDepthExceeded      Name = "chain_depth_exceeded"
	IdentityTimeout         Name = "identity_timeout"
	ProcessTimeout          Name = "process_timeout"
	HookError               Name = "hook_error"
	TranscodingFailed       Name = "transcoding_failed"
)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 2 * time.Second

// Event is the framework-event schema.
type Event struct {
	Name      Name
	RoomID    *model.RoomID
	ChannelID *model.ChannelID
	Data      map[string]any
	Timestamp time.Time
}

// Handler observes one emitted Event. Handlers must not block past
// their timeout; Emit does not wait for them to return.
type Handler func(ctx context.Context, ev Event)

// Emitter dispatches emitted events to every handler registered for
// their name plus every catch-all handler, and retains a bounded
// in-memory history per room for tests and diagnostics.
type Emitter struct {
	mu           sync.RWMutex
	byName       map[Name][]Handler
	catchAll     []Handler
	timeout      time.Duration
	ringSize     int
	history      map[model.RoomID][]Event
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithHandlerTimeout overrides DefaultHandlerTimeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Emitter) { e.timeout = d }
}

// WithRingSize overrides the default per-room history length (100).
func WithRingSize(n int) Option {
	return func(e *Emitter) { e.ringSize = n }
}

// NewEmitter constructs an Emitter with no handlers registered.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		byName:   make(map[Name][]Handler),
		timeout:  DefaultHandlerTimeout,
		ringSize: 100,
		history:  make(map[model.RoomID][]Event),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// On registers h to run whenever an event named name is emitted.
func (e *Emitter) On(name Name, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byName[name] = append(e.byName[name], h)
}

// OnAny registers h to run for every emitted event regardless of name.
func (e *Emitter) OnAny(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catchAll = append(e.catchAll, h)
}

// Emit dispatches ev to every matching handler fire-and-forget, each
// under its own context bounded by the emitter's handler timeout
// (DefaultHandlerTimeout unless WithHandlerTimeout changed it), and records it
// in the emitting room's ring buffer. Emit never blocks on a handler
// and never returns an error: framework events are best-effort.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	metrics.FrameworkEvents.WithLabelValues(string(ev.Name)).Inc()

	e.mu.RLock()
	handlers := append(append([]Handler{}, e.byName[ev.Name]...), e.catchAll...)
	timeout := e.timeout
	e.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			h(hctx, ev)
		}()
	}

	if ev.RoomID != nil {
		e.record(*ev.RoomID, ev)
	}
}

func (e *Emitter) record(roomID model.RoomID, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := append(e.history[roomID], ev)
	if len(buf) > e.ringSize {
		buf = buf[len(buf)-e.ringSize:]
	}
	e.history[roomID] = buf
}

// History returns a snapshot of the most recent framework events
// recorded for roomID, oldest first.
func (e *Emitter) History(roomID model.RoomID) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Event, len(e.history[roomID]))
	copy(out, e.history[roomID])
	return out
}
