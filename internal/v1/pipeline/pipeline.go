// Package pipeline implements the inbound pipeline orchestrator: the
// canonical fourteen-step flow that turns one inbound message into a
// persisted, broadcast, hook-observed RoomEvent. It is the top of the
// dependency graph: the store, lockmgr, hooks, identity, router and
// framework packages are collaborators driven from here.
// Each inbound message acquires its room's lock, mutates, and releases
// via defer, inside one go.opentelemetry.io/otel span
// (pipeline.process_inbound).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roomkit/conversation/internal/v1/channel"
	"github.com/roomkit/conversation/internal/v1/framework"
	"github.com/roomkit/conversation/internal/v1/hooks"
	"github.com/roomkit/conversation/internal/v1/identity"
	"github.com/roomkit/conversation/internal/v1/inbound"
	"github.com/roomkit/conversation/internal/v1/lockmgr"
	"github.com/roomkit/conversation/internal/v1/logging"
	"github.com/roomkit/conversation/internal/v1/metrics"
	"github.com/roomkit/conversation/internal/v1/model"
	"github.com/roomkit/conversation/internal/v1/router"
	"github.com/roomkit/conversation/internal/v1/store"
	"github.com/roomkit/conversation/internal/v1/tracing"
)

// DefaultProcessTimeout bounds steps 4-13 jointly.
const DefaultProcessTimeout = 30 * time.Second

// ErrRoomClosed is returned when the resolved room no longer accepts
// inbound events.
var ErrRoomClosed = errors.New("pipeline: room is closed")

// ErrNoWriteAccess is returned when the source binding may not post
// events into its room: a read_only or no-access binding never appears
// as the source of a persisted event.
var ErrNoWriteAccess = errors.New("pipeline: source binding has no write access")

// Outcome is the structured result process_inbound returns so the
// caller can decide whether to nack the source webhook, retry, or
// report.
type Outcome struct {
	Event           *model.RoomEvent
	IdempotentHit   bool
	Blocked         bool
	BlockedReason   string
	HookErrors      []error
	DeliveryResults []router.DeliveryResult
	Tasks           []model.Task
	Observations    []model.Observation
}

// Engine wires every pipeline collaborator together. All fields are
// required except Framework, which may be nil for a host that doesn't
// observe framework events.
type Engine struct {
	Store          store.Store
	Locks          *lockmgr.Manager
	Hooks          *hooks.Engine
	Identity       identity.Gate
	InboundRouter  inbound.Router
	Router         *router.Router
	Channels       *channel.Registry
	Framework      *framework.Emitter
	ProcessTimeout time.Duration
}

// New constructs an Engine with DefaultProcessTimeout; set
// Engine.ProcessTimeout after construction to override it.
func New(st store.Store, locks *lockmgr.Manager, hookEngine *hooks.Engine, idGate identity.Gate, inRouter inbound.Router, rt *router.Router, channels *channel.Registry, fw *framework.Emitter) *Engine {
	return &Engine{
		Store:          st,
		Locks:          locks,
		Hooks:          hookEngine,
		Identity:       idGate,
		InboundRouter:  inRouter,
		Router:         rt,
		Channels:       channels,
		Framework:      fw,
		ProcessTimeout: DefaultProcessTimeout,
	}
}

// ProcessInbound runs the full fourteen-step pipeline for one inbound
// message arriving on channelID. alwaysProcess disables the router's
// "never echo to source" rule for channels that want it.
func (e *Engine) ProcessInbound(ctx context.Context, channelID model.ChannelID, msg channel.InboundMessage, channelType string, alwaysProcess bool) (Outcome, error) {
	ctx, span := tracing.Tracer("conversation/pipeline").Start(ctx, "pipeline.process_inbound")
	defer span.End()
	span.SetAttributes(attribute.String("channel_id", string(channelID)))

	start := time.Now()
	outcome, err := e.processInbound(ctx, channelID, msg, channelType, alwaysProcess)
	outcomeLabel := outcomeLabel(outcome, err)
	metrics.EventsProcessed.WithLabelValues(outcomeLabel).Inc()
	metrics.PipelineDuration.WithLabelValues(outcomeLabel).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func outcomeLabel(o Outcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case o.IdempotentHit:
		return "idempotent_hit"
	case o.Blocked:
		return "blocked"
	default:
		return "delivered"
	}
}

func (e *Engine) processInbound(ctx context.Context, channelID model.ChannelID, msg channel.InboundMessage, channelType string, alwaysProcess bool) (Outcome, error) {
	adapter, ok := e.Channels.Get(channelID)
	if !ok {
		return Outcome{}, fmt.Errorf("pipeline: no adapter registered for channel %q", channelID)
	}

	// Step 1: route room; auto-create + attach source binding if needed.
	resolution, err := e.InboundRouter.Resolve(ctx, channelID, channelType, msg.ParticipantID)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: resolve room: %w", err)
	}
	room, err := e.resolveOrCreateRoom(ctx, resolution, adapter, msg)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: materialize room: %w", err)
	}
	if !room.IsOpenForInbound() {
		return Outcome{}, fmt.Errorf("%w: room %s is %s", ErrRoomClosed, room.ID, room.Status)
	}
	ctx = logging.WithRoom(ctx, string(room.ID))

	sourceBinding, err := e.Store.GetBinding(ctx, room.ID, channelID)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: get source binding: %w", err)
	}
	if !sourceBinding.Access.CanWrite() {
		return Outcome{}, fmt.Errorf("%w: channel %s has access %s", ErrNoWriteAccess, channelID, sourceBinding.Access)
	}
	rc := channel.RoomContext{Room: room, Binding: sourceBinding}

	// Step 2: construct the canonical event via handle_inbound.
	ev, err := adapter.HandleInbound(ctx, msg, rc)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: handle_inbound: %w", err)
	}
	ev.RoomID = room.ID
	if ev.ID == "" {
		ev.ID = model.NewID[model.EventID]()
	}
	if ev.Status == "" {
		ev.Status = model.StatusDelivered
	}

	// Step 3: identity pipeline.
	blockedByIdentity, identityInjected := e.runIdentity(ctx, room.ID, &ev)

	// Step 4: acquire the room's exclusive section under process_timeout.
	timeout := e.ProcessTimeout
	if timeout <= 0 {
		timeout = DefaultProcessTimeout
	}
	sectionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := e.Locks.Acquire(sectionCtx, room.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.emit(ctx, framework.ProcessTimeout, &room.ID, &channelID, nil)
		}
		return Outcome{}, fmt.Errorf("pipeline: acquire section: %w", err)
	}
	defer release()

	outcome, err := e.withinSection(sectionCtx, room, sourceBinding, ev, blockedByIdentity, identityInjected, alwaysProcess)
	if err != nil && errors.Is(sectionCtx.Err(), context.DeadlineExceeded) {
		e.emit(ctx, framework.ProcessTimeout, &room.ID, &channelID, nil)
	}
	return outcome, err
}

// resolveOrCreateRoom materializes a new room and attaches the source
// binding when the inbound router signals Create.
func (e *Engine) resolveOrCreateRoom(ctx context.Context, res inbound.Resolution, adapter channel.Adapter, msg channel.InboundMessage) (model.Room, error) {
	if !res.Create {
		return e.Store.GetRoom(ctx, res.RoomID)
	}

	room := model.Room{
		ID:        model.NewID[model.RoomID](),
		Status:    model.RoomActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.Store.CreateRoom(ctx, room); err != nil {
		return model.Room{}, err
	}
	binding := model.ChannelBinding{
		ChannelID:     adapter.ChannelID(),
		RoomID:        room.ID,
		ChannelType:   adapter.ChannelType(),
		Category:      adapter.Category(),
		Direction:     adapter.Direction(),
		Access:        model.AccessReadWrite,
		Visibility:    model.VisibilityAll,
		ParticipantID: msg.ParticipantID,
		AttachedAt:    time.Now(),
		Capabilities:  adapter.Capabilities(),
	}
	if err := e.Store.AttachBinding(ctx, binding); err != nil {
		return model.Room{}, err
	}
	e.emit(ctx, framework.RoomCreated, &room.ID, nil, nil)
	metrics.ActiveRooms.Inc()
	return room, nil
}

// runIdentity runs the identity gate and reports whether ev should be
// blocked, returning the reason if so plus whatever the escalation
// hooks injected (a challenge's verification event, audit
// observations). The injection is processed inside the section even
// when the original event is blocked.
func (e *Engine) runIdentity(ctx context.Context, roomID model.RoomID, ev *model.RoomEvent) (string, hooks.Injection) {
	result, injected, err := e.Identity.Resolve(ctx, roomID, *ev)
	if err != nil {
		if errors.Is(err, identity.ErrTimeout) {
			e.emit(ctx, framework.IdentityTimeout, &roomID, &ev.Source.ChannelID, nil)
		}
	}
	if result.ParticipantID != nil {
		ev.Source.ParticipantID = result.ParticipantID
	}

	switch result.State {
	case model.IdentityRejected:
		return "identity_rejected", injected
	case model.IdentityPending:
		return identity.PendingReason, injected
	case model.IdentityChallengeSent:
		return "identity_challenge_sent", injected
	case model.IdentityAmbiguous:
		return "identity_ambiguous", injected
	default:
		return "", injected
	}
}

// queuedEvent is one entry of the in-section drain queue. Reentry
// events produced by intelligence channels run the before_broadcast
// hooks like any inbound event; hook-injected events do not, or a hook
// that injects on every event it sees would feed itself forever.
type queuedEvent struct {
	ev       model.RoomEvent
	runHooks bool
}

// withinSection runs steps 5-14 while the room's exclusive section is
// held.
func (e *Engine) withinSection(ctx context.Context, room model.Room, sourceBinding model.ChannelBinding, ev model.RoomEvent, blockedByIdentity string, identityInjected hooks.Injection, alwaysProcess bool) (Outcome, error) {
	// Step 5: idempotency check.
	if ev.IdempotencyKey != "" {
		existing, found, err := e.Store.FindByIdempotencyKey(ctx, room.ID, ev.IdempotencyKey)
		if err != nil {
			return Outcome{}, fmt.Errorf("pipeline: idempotency check: %w", err)
		}
		if found {
			return Outcome{Event: &existing, IdempotentHit: true}, nil
		}
	}

	// Step 6: assign index; chain_depth already set by caller (0 for
	// externally originated events).
	idx, err := e.Store.NextIndex(ctx, room.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: assign index: %w", err)
	}
	ev.Index = idx
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	bindings, err := e.Store.ListBindings(ctx, room.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: list bindings: %w", err)
	}

	var hookErrs []error

	if blockedByIdentity != "" {
		blocked := ev
		blocked.Status = model.StatusBlocked
		blocked.BlockedBy = blockedByIdentity
		if err := e.Store.AppendEvent(ctx, blocked); err != nil {
			return Outcome{}, fmt.Errorf("pipeline: persist blocked event: %w", err)
		}
		e.emit(ctx, framework.EventBlocked, &room.ID, &sourceBinding.ChannelID, map[string]any{"blocked_by": blockedByIdentity})
		// The identity escalation's injection still goes out: for a
		// challenge this is the verification event sent back to the
		// sender.
		deliveries, tasks, observations, err := e.drainQueue(ctx, room, bindings, injectedQueue(identityInjected), alwaysProcess, &hookErrs)
		if err != nil {
			return Outcome{}, err
		}
		tasks = append(tasks, identityInjected.Tasks...)
		observations = append(observations, identityInjected.Observations...)
		e.persistSideEffects(ctx, room.ID, tasks, observations)
		return Outcome{Event: &blocked, Blocked: true, BlockedReason: blockedByIdentity, HookErrors: hookErrs, DeliveryResults: deliveries, Tasks: tasks, Observations: observations}, nil
	}

	// Step 7: before_broadcast hooks. Sync hooks run first and may block,
	// rewrite, or inject; async hooks registered under the same trigger
	// fire regardless of the sync verdict, and their injections join the
	// sync ones.
	rewritten, decision, injected, hookErr := e.Hooks.RunSync(ctx, hooks.TriggerBeforeBroadcast, ev)
	if hookErr != nil {
		hookErrs = append(hookErrs, multierr.Errors(hookErr)...)
		e.emit(ctx, framework.HookError, &room.ID, &sourceBinding.ChannelID, map[string]any{"trigger": string(hooks.TriggerBeforeBroadcast)})
	}
	beforeInjected, asyncErr := e.Hooks.RunAsync(ctx, hooks.TriggerBeforeBroadcast, rewritten)
	if asyncErr != nil {
		hookErrs = append(hookErrs, multierr.Errors(asyncErr)...)
		e.emit(ctx, framework.HookError, &room.ID, &sourceBinding.ChannelID, map[string]any{"trigger": string(hooks.TriggerBeforeBroadcast)})
	}
	injected.Merge(beforeInjected)
	ev = rewritten
	if decision.Block {
		blocked := ev
		blocked.Status = model.StatusBlocked
		blocked.BlockedBy = decision.BlockedBy
		if err := e.Store.AppendEvent(ctx, blocked); err != nil {
			return Outcome{}, fmt.Errorf("pipeline: persist blocked event: %w", err)
		}
		e.emit(ctx, framework.EventBlocked, &room.ID, &sourceBinding.ChannelID, map[string]any{"blocked_by": decision.BlockedBy, "reason": decision.BlockReason})
		// A sync block suppresses broadcast, not the async observers: they
		// still see the (blocked) event.
		afterInjected, asyncErr := e.Hooks.RunAsync(ctx, hooks.TriggerAfterBroadcast, blocked)
		if asyncErr != nil {
			hookErrs = append(hookErrs, multierr.Errors(asyncErr)...)
			e.emit(ctx, framework.HookError, &room.ID, &sourceBinding.ChannelID, map[string]any{"trigger": string(hooks.TriggerAfterBroadcast)})
		}
		injected.Merge(afterInjected)
		// Injected material flows out even on block.
		deliveries, tasks, observations, err := e.drainQueue(ctx, room, bindings, injectedQueue(injected), alwaysProcess, &hookErrs)
		if err != nil {
			return Outcome{}, err
		}
		tasks = append(tasks, injected.Tasks...)
		observations = append(observations, injected.Observations...)
		e.persistSideEffects(ctx, room.ID, tasks, observations)
		return Outcome{Event: &blocked, Blocked: true, BlockedReason: decision.BlockReason, HookErrors: hookErrs, DeliveryResults: deliveries, Tasks: tasks, Observations: observations}, nil
	}

	// Step 8: persist event as delivered.
	ev.Status = model.StatusDelivered
	if err := e.Store.AppendEvent(ctx, ev); err != nil {
		return Outcome{}, fmt.Errorf("pipeline: persist event: %w", err)
	}

	// Step 9: broadcast via event router.
	result := e.Router.Broadcast(ctx, ev, room, sourceBinding, bindings, alwaysProcess)
	deliveries := result.Deliveries
	tasks := append(result.Tasks, injected.Tasks...)
	observations := append(result.Observations, injected.Observations...)
	if hasFailure(result.Deliveries) {
		e.emit(ctx, framework.BroadcastPartialFailure, &room.ID, nil, map[string]any{"event_id": string(ev.ID)})
	}

	// Step 10: reentry drain loop, FIFO, bounded by max_chain_depth
	// (enforced upstream by the router, which never returns a reentry
	// candidate past the limit). Hook-injected events join the queue
	// ahead of the reentry children.
	queue := injectedQueue(injected)
	for _, child := range result.Reentry {
		queue = append(queue, queuedEvent{ev: child, runHooks: true})
	}
	drainDeliveries, drainTasks, drainObservations, err := e.drainQueue(ctx, room, bindings, queue, alwaysProcess, &hookErrs)
	if err != nil {
		return Outcome{}, err
	}
	deliveries = append(deliveries, drainDeliveries...)
	tasks = append(tasks, drainTasks...)
	observations = append(observations, drainObservations...)

	// Step 11: persist accumulated tasks and observations.
	e.persistSideEffects(ctx, room.ID, tasks, observations)

	// Step 12: async after_broadcast hooks; their injections are
	// persisted and broadcast as a final mini-drain.
	afterInjected, asyncErr2 := e.Hooks.RunAsync(ctx, hooks.TriggerAfterBroadcast, ev)
	if asyncErr2 != nil {
		hookErrs = append(hookErrs, multierr.Errors(asyncErr2)...)
		e.emit(ctx, framework.HookError, &room.ID, &sourceBinding.ChannelID, map[string]any{"trigger": string(hooks.TriggerAfterBroadcast)})
	}
	if !afterInjected.IsZero() {
		afterDeliveries, afterTasks, afterObservations, err := e.drainQueue(ctx, room, bindings, injectedQueue(afterInjected), alwaysProcess, &hookErrs)
		if err != nil {
			return Outcome{}, err
		}
		deliveries = append(deliveries, afterDeliveries...)
		afterTasks = append(afterTasks, afterInjected.Tasks...)
		afterObservations = append(afterObservations, afterInjected.Observations...)
		e.persistSideEffects(ctx, room.ID, afterTasks, afterObservations)
		tasks = append(tasks, afterTasks...)
		observations = append(observations, afterObservations...)
	}

	// Step 13: update room activity.
	updated, err := e.Store.GetRoom(ctx, room.ID)
	if err == nil {
		updated.UpdatedAt = time.Now()
		_ = e.Store.UpdateRoom(ctx, updated)
		metrics.RoomEventCount.WithLabelValues(string(room.ID)).Set(float64(updated.EventCount))
	}

	return Outcome{
		Event:           &ev,
		HookErrors:      hookErrs,
		DeliveryResults: deliveries,
		Tasks:           tasks,
		Observations:    observations,
	}, nil
}

// injectedQueue wraps an injection's events as queue entries that skip
// the before_broadcast hooks.
func injectedQueue(inj hooks.Injection) []queuedEvent {
	queue := make([]queuedEvent, 0, len(inj.Events))
	for _, ev := range inj.Events {
		queue = append(queue, queuedEvent{ev: ev})
	}
	return queue
}

// drainQueue persists and broadcasts queued events FIFO until the queue
// is empty: reentry children (runHooks) pass through the sync
// before_broadcast hooks first, hook-injected events go straight to
// persist+broadcast. Grandchildren produced by intelligence targets and
// events injected by the hooks run here are appended to the same queue.
func (e *Engine) drainQueue(ctx context.Context, room model.Room, bindings []model.ChannelBinding, queue []queuedEvent, alwaysProcess bool, hookErrs *[]error) ([]router.DeliveryResult, []model.Task, []model.Observation, error) {
	var deliveries []router.DeliveryResult
	var tasks []model.Task
	var observations []model.Observation

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		child := item.ev

		if child.ID == "" {
			child.ID = model.NewID[model.EventID]()
		}
		child.RoomID = room.ID

		if item.runHooks {
			childRewritten, childDecision, childInjected, childHookErr := e.Hooks.RunSync(ctx, hooks.TriggerBeforeBroadcast, child)
			if childHookErr != nil {
				*hookErrs = append(*hookErrs, multierr.Errors(childHookErr)...)
				e.emit(ctx, framework.HookError, &room.ID, &child.Source.ChannelID, map[string]any{"trigger": string(hooks.TriggerBeforeBroadcast)})
			}
			tasks = append(tasks, childInjected.Tasks...)
			observations = append(observations, childInjected.Observations...)
			queue = append(queue, injectedQueue(childInjected)...)
			child = childRewritten
			if childDecision.Block {
				childIdx, err := e.Store.NextIndex(ctx, room.ID)
				if err != nil {
					return nil, nil, nil, fmt.Errorf("pipeline: reentry assign index: %w", err)
				}
				child.Index = childIdx
				child.Status = model.StatusBlocked
				child.BlockedBy = childDecision.BlockedBy
				if child.CreatedAt.IsZero() {
					child.CreatedAt = time.Now()
				}
				if err := e.Store.AppendEvent(ctx, child); err != nil {
					return nil, nil, nil, fmt.Errorf("pipeline: persist blocked reentry event: %w", err)
				}
				e.emit(ctx, framework.EventBlocked, &room.ID, &child.Source.ChannelID, map[string]any{"blocked_by": childDecision.BlockedBy, "reason": childDecision.BlockReason})
				continue
			}
		}

		childIdx, err := e.Store.NextIndex(ctx, room.ID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("pipeline: reentry assign index: %w", err)
		}
		child.Index = childIdx
		if child.CreatedAt.IsZero() {
			child.CreatedAt = time.Now()
		}
		child.Status = model.StatusDelivered
		if err := e.Store.AppendEvent(ctx, child); err != nil {
			return nil, nil, nil, fmt.Errorf("pipeline: persist reentry event: %w", err)
		}

		childSource, err := e.Store.GetBinding(ctx, room.ID, child.Source.ChannelID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, nil, nil, fmt.Errorf("pipeline: get reentry source binding: %w", err)
			}
			// Hook-injected events carry no real source binding (the hook
			// itself is the origin); broadcast them as a writable,
			// unmuted pseudo-source so eligibility falls to the targets.
			childSource = model.ChannelBinding{ChannelID: child.Source.ChannelID, RoomID: room.ID, Access: model.AccessReadWrite}
		}
		childResult := e.Router.Broadcast(ctx, child, room, childSource, bindings, alwaysProcess)
		deliveries = append(deliveries, childResult.Deliveries...)
		tasks = append(tasks, childResult.Tasks...)
		observations = append(observations, childResult.Observations...)
		if hasFailure(childResult.Deliveries) {
			e.emit(ctx, framework.BroadcastPartialFailure, &room.ID, nil, map[string]any{"event_id": string(child.ID)})
		}
		for _, grandchild := range childResult.Reentry {
			queue = append(queue, queuedEvent{ev: grandchild, runHooks: true})
		}
	}
	return deliveries, tasks, observations, nil
}

// persistSideEffects stores accumulated tasks and observations,
// defaulting ids and room ownership. Store failures here are logged,
// not fatal: the triggering event is already persisted.
func (e *Engine) persistSideEffects(ctx context.Context, roomID model.RoomID, tasks []model.Task, observations []model.Observation) {
	for _, task := range tasks {
		if task.RoomID == "" {
			task.RoomID = roomID
		}
		if task.ID == "" {
			task.ID = model.NewID[model.TaskID]()
		}
		if err := e.Store.CreateTask(ctx, task); err != nil {
			logging.Error(ctx, "pipeline: failed to persist task", zap.Error(err))
		}
	}
	for _, obs := range observations {
		if obs.RoomID == "" {
			obs.RoomID = roomID
		}
		if obs.ID == "" {
			obs.ID = model.NewID[model.ObservationID]()
		}
		if err := e.Store.CreateObservation(ctx, obs); err != nil {
			logging.Error(ctx, "pipeline: failed to persist observation", zap.Error(err))
		}
	}
}

func hasFailure(deliveries []router.DeliveryResult) bool {
	for _, d := range deliveries {
		if d.Attempted && d.Err != nil {
			return true
		}
	}
	return false
}

func (e *Engine) emit(ctx context.Context, name framework.Name, roomID *model.RoomID, channelID *model.ChannelID, data map[string]any) {
	if e.Framework == nil {
		return
	}
	e.Framework.Emit(ctx, framework.Event{Name: name, RoomID: roomID, ChannelID: channelID, Data: data})
}
