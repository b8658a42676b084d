// Package hooks implements the middleware pipeline inbound and
// outbound events pass through. Hooks are registered with a trigger, an
// execution mode, a priority, and optional filters, then dispatched
// deterministically by (priority, registration order) within a trigger.
// Sync hooks can block, rewrite, or inject alongside an event; async
// hooks are fire-and-forget observers run with their own timeout.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/roomkit/conversation/internal/v1/metrics"
	"github.com/roomkit/conversation/internal/v1/model"
)

// Trigger names the point in the pipeline a hook runs at.
type Trigger string

const (
	TriggerBeforeBroadcast   Trigger = "before_broadcast"
	TriggerAfterBroadcast    Trigger = "after_broadcast"
	TriggerOnEvent           Trigger = "on_event"
	TriggerIdentityAmbiguous Trigger = "identity_ambiguous"
	TriggerIdentityUnknown   Trigger = "identity_unknown"
)

// Execution is a hook's dispatch mode.
type Execution string

const (
	ExecutionSync  Execution = "sync"
	ExecutionAsync Execution = "async"
)

// Filter narrows which events a hook is invoked for. An empty set
// matches everything; populated sets combine with AND and each matches
// when the event's value is in it.
type Filter struct {
	EventTypes   []model.EventType
	ChannelTypes []string
	ChannelIDs   []model.ChannelID
	Directions   []model.Direction
}

func (f Filter) matches(ev model.RoomEvent) bool {
	return memberOf(ev.Type, f.EventTypes) &&
		memberOf(ev.Source.ChannelType, f.ChannelTypes) &&
		memberOf(ev.Source.ChannelID, f.ChannelIDs) &&
		memberOf(ev.Source.Direction, f.Directions)
}

// memberOf reports whether v is in set, with an empty set matching all.
func memberOf[T comparable](v T, set []T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Injection carries the events, tasks, and observations a hook asks the
// pipeline to add alongside its verdict. Injected material flows out of
// the hook run even when a hook blocks the triggering event: a content
// filter can block a message and still inject a moderation notice, and
// an identity hook can block an unverified sender while injecting the
// verification challenge event.
type Injection struct {
	Events       []model.RoomEvent
	Tasks        []model.Task
	Observations []model.Observation
}

// IsZero reports whether the injection carries nothing.
func (i Injection) IsZero() bool {
	return len(i.Events) == 0 && len(i.Tasks) == 0 && len(i.Observations) == 0
}

// Merge appends other's material to i.
func (i *Injection) Merge(other Injection) {
	i.Events = append(i.Events, other.Events...)
	i.Tasks = append(i.Tasks, other.Tasks...)
	i.Observations = append(i.Observations, other.Observations...)
}

// Decision is a sync hook's verdict.
type Decision struct {
	Block         bool
	BlockReason   string
	BlockedBy     string           // name of the blocking hook, filled in by the engine
	ModifiedEvent *model.RoomEvent // non-nil means allow_modified
	Injected      Injection
}

// Allow is the zero-value passthrough decision.
func Allow() Decision { return Decision{} }

// AllowModified returns the modified event and lets processing continue
// with it in place of the original.
func AllowModified(ev model.RoomEvent) Decision {
	return Decision{ModifiedEvent: &ev}
}

// BlockWith stops processing of this event with the given reason. The
// engine records the blocking hook's name on the decision; the reason is
// surfaced through the pipeline outcome and framework events.
func BlockWith(reason string) Decision {
	return Decision{Block: true, BlockReason: reason}
}

// Inject attaches injected material to d, for chaining off Allow or
// BlockWith.
func (d Decision) Inject(inj Injection) Decision {
	d.Injected = inj
	return d
}

// SyncFunc implements a synchronous, blocking hook.
type SyncFunc func(ctx context.Context, ev model.RoomEvent) (Decision, error)

// AsyncFunc implements a fire-and-forget observer hook. It may still
// inject events/tasks/observations; the pipeline persists whatever the
// async fan-out collected once it joins.
type AsyncFunc func(ctx context.Context, ev model.RoomEvent) (Injection, error)

// Registration describes one hook as registered with an Engine.
type Registration struct {
	Name      string
	Trigger   Trigger
	Execution Execution
	Priority  int // lower runs first
	Timeout   time.Duration
	Filter    Filter
	RoomID    *model.RoomID // nil means global, applies to every room

	Sync  SyncFunc  // set when Execution == ExecutionSync
	Async AsyncFunc // set when Execution == ExecutionAsync

	id string // assigned by Register, used by Unregister
}

// Engine holds registered hooks and dispatches them at each trigger.
type Engine struct {
	mu    sync.RWMutex
	byKey map[Trigger][]Registration
	seq   int
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{byKey: make(map[Trigger][]Registration)}
}

// Register adds a hook, returning an id usable with Unregister. Hooks
// registered with a non-nil RoomID only ever run for that room's
// events.
func (e *Engine) Register(reg Registration) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	id := fmt.Sprintf("%s#%d", reg.Name, e.seq)
	reg.id = id
	e.byKey[reg.Trigger] = append(e.byKey[reg.Trigger], reg)
	return id
}

// Unregister removes the hook with the given id (as returned by
// Register) from every trigger bucket.
func (e *Engine) Unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for trig, regs := range e.byKey {
		out := regs[:0]
		for _, r := range regs {
			if r.id != id {
				out = append(out, r)
			}
		}
		e.byKey[trig] = out
	}
}

func (e *Engine) ordered(trigger Trigger, roomID model.RoomID) []Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	all := e.byKey[trigger]
	out := make([]Registration, 0, len(all))
	for _, r := range all {
		if r.RoomID != nil && *r.RoomID != roomID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// RunSync runs every sync hook registered for trigger, in priority
// order, short-circuiting on the first Block decision. It returns the
// (possibly rewritten) event, the terminal decision, the injected
// material accumulated from every hook that ran (the blocking hook's
// included), and any hook execution errors accumulated via multierr. A
// hook erroring does not itself block the event, but is surfaced to the
// caller to raise as a hook_error framework event.
func (e *Engine) RunSync(ctx context.Context, trigger Trigger, ev model.RoomEvent) (model.RoomEvent, Decision, Injection, error) {
	var hookErrs error
	var injected Injection
	for _, reg := range e.ordered(trigger, ev.RoomID) {
		if reg.Execution != ExecutionSync || reg.Sync == nil {
			continue
		}
		if !reg.Filter.matches(ev) {
			continue
		}

		hookCtx := ctx
		var cancel context.CancelFunc
		if reg.Timeout > 0 {
			hookCtx, cancel = context.WithTimeout(ctx, reg.Timeout)
		}
		start := time.Now()
		decision, err := reg.Sync(hookCtx, ev)
		metrics.HookDuration.WithLabelValues(reg.Name, string(ExecutionSync)).Observe(time.Since(start).Seconds())
		if cancel != nil {
			cancel()
		}
		if err != nil {
			hookErrs = multierr.Append(hookErrs, fmt.Errorf("hook %s: %w", reg.Name, err))
			metrics.HookExecutions.WithLabelValues(string(ExecutionSync), "error").Inc()
			continue
		}
		switch {
		case decision.Block:
			metrics.HookExecutions.WithLabelValues(string(ExecutionSync), "block").Inc()
		case decision.ModifiedEvent != nil:
			metrics.HookExecutions.WithLabelValues(string(ExecutionSync), "allow_modified").Inc()
		default:
			metrics.HookExecutions.WithLabelValues(string(ExecutionSync), "allow").Inc()
		}
		injected.Merge(decision.Injected)
		if decision.ModifiedEvent != nil {
			ev = *decision.ModifiedEvent
		}
		if decision.Block {
			decision.BlockedBy = reg.Name
			return ev, decision, injected, hookErrs
		}
	}
	return ev, Allow(), injected, hookErrs
}

// RunAsync fires every async hook registered for trigger concurrently
// and returns once all have completed or timed out, accumulating the
// injected material and per-hook errors via multierr.
func (e *Engine) RunAsync(ctx context.Context, trigger Trigger, ev model.RoomEvent) (Injection, error) {
	regs := e.ordered(trigger, ev.RoomID)

	var (
		mu       sync.Mutex
		errs     error
		injected Injection
		wg       sync.WaitGroup
	)
	for _, reg := range regs {
		if reg.Execution != ExecutionAsync || reg.Async == nil {
			continue
		}
		if !reg.Filter.matches(ev) {
			continue
		}
		wg.Add(1)
		go func(reg Registration) {
			defer wg.Done()
			hookCtx := ctx
			var cancel context.CancelFunc
			if reg.Timeout > 0 {
				hookCtx, cancel = context.WithTimeout(ctx, reg.Timeout)
				defer cancel()
			}
			start := time.Now()
			inj, err := reg.Async(hookCtx, ev)
			metrics.HookDuration.WithLabelValues(reg.Name, string(ExecutionAsync)).Observe(time.Since(start).Seconds())
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("hook %s: %w", reg.Name, err))
				mu.Unlock()
				metrics.HookExecutions.WithLabelValues(string(ExecutionAsync), "error").Inc()
				return
			}
			mu.Lock()
			injected.Merge(inj)
			mu.Unlock()
			metrics.HookExecutions.WithLabelValues(string(ExecutionAsync), "allow").Inc()
		}(reg)
	}
	wg.Wait()
	return injected, errs
}
