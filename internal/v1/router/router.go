// Package router implements the per-target broadcast decision tree that
// fans a persisted RoomEvent out to every eligible binding in its room:
// filter eligible targets through the access/visibility/transcoding
// chain, then fan out concurrently, with transport delivery routed
// through internal/v1/breaker.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roomkit/conversation/internal/v1/breaker"
	"github.com/roomkit/conversation/internal/v1/channel"
	"github.com/roomkit/conversation/internal/v1/framework"
	"github.com/roomkit/conversation/internal/v1/metrics"
	"github.com/roomkit/conversation/internal/v1/model"
	"github.com/roomkit/conversation/internal/v1/store"
	"github.com/roomkit/conversation/internal/v1/transcode"
)

// ChainDepthLimitReason is recorded as RoomEvent.BlockedBy for a reentry
// event that would exceed MaxChainDepth.
const ChainDepthLimitReason = "event_chain_depth_limit"

// DeliveryResult reports what happened when the router evaluated one
// target binding.
type DeliveryResult struct {
	ChannelID    model.ChannelID
	Attempted    bool // false means the binding was skipped before delivery
	SkipReason   string
	Err          error
	BreakerState breaker.State
}

// BroadcastResult accumulates everything one Broadcast call produced.
type BroadcastResult struct {
	Deliveries   []DeliveryResult
	Reentry      []model.RoomEvent // candidate child events within MaxChainDepth, not yet persisted
	Tasks        []model.Task
	Observations []model.Observation
}

// Router evaluates the per-binding decision tree for one persisted
// event.
type Router struct {
	Store         store.Store
	Channels      *channel.Registry
	Breaker       *breaker.Manager
	Framework     *framework.Emitter
	MaxChainDepth int
}

// New constructs a Router.
func New(st store.Store, channels *channel.Registry, brk *breaker.Manager, fw *framework.Emitter, maxChainDepth int) *Router {
	return &Router{Store: st, Channels: channels, Breaker: brk, Framework: fw, MaxChainDepth: maxChainDepth}
}

// Broadcast fans ev out to every eligible binding in bindings.
// sourceBinding is the binding ev.Source.ChannelID names;
// alwaysProcess disables the "never deliver to the source binding"
// rule.
func (r *Router) Broadcast(ctx context.Context, ev model.RoomEvent, room model.Room, sourceBinding model.ChannelBinding, bindings []model.ChannelBinding, alwaysProcess bool) BroadcastResult {
	var result BroadcastResult

	// Step 1-2: the source must itself be write-capable and unmuted, or
	// nothing broadcasts at all.
	if !sourceBinding.Access.CanWrite() || sourceBinding.Muted {
		return result
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, target := range bindings {
		target := target
		if target.ChannelID == sourceBinding.ChannelID && !alwaysProcess {
			continue // never echo to the source binding
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			dr, reentry, tasks, obs := r.processTarget(ctx, ev, room, target)
			mu.Lock()
			defer mu.Unlock()
			result.Deliveries = append(result.Deliveries, dr)
			result.Reentry = append(result.Reentry, reentry...)
			result.Tasks = append(result.Tasks, tasks...)
			result.Observations = append(result.Observations, obs...)
		}()
	}
	wg.Wait()
	return result
}

// processTarget runs the decision tree for a single target binding.
func (r *Router) processTarget(ctx context.Context, ev model.RoomEvent, room model.Room, target model.ChannelBinding) (DeliveryResult, []model.RoomEvent, []model.Task, []model.Observation) {
	dr := DeliveryResult{ChannelID: target.ChannelID}

	// Step 3: target must have read access.
	if !target.Access.CanRead() {
		dr.SkipReason = "no_read_access"
		return dr, nil, nil, nil
	}

	// Step 4: visibility filter, except intelligence bindings which
	// still receive on_event for context building regardless of
	// visibility.
	visible := ev.Visibility.Matches(target.ChannelID, target.Category)
	if !visible && target.Category != model.CategoryIntelligence {
		dr.SkipReason = "visibility"
		return dr, nil, nil, nil
	}

	adapter, ok := r.Channels.Get(target.ChannelID)
	if !ok {
		dr.SkipReason = "no_adapter"
		return dr, nil, nil, nil
	}

	// Step 5 (+6, folded into transcode.Transcode's max_length truncation).
	content, err := transcode.Transcode(ev.Content, target.Capabilities)
	if err != nil {
		dr.SkipReason = "not_transcodable"
		r.emit(ctx, framework.TranscodingFailed, &room.ID, &target.ChannelID, map[string]any{"content_kind": string(ev.Content.Kind)})
		metrics.DeliveryAttempts.WithLabelValues(string(target.ChannelID), "not_transcodable").Inc()
		return dr, nil, nil, nil
	}
	targetEvent := ev
	targetEvent.Content = content

	rc := channel.RoomContext{Room: room, Binding: target}

	// Step 7: on_event runs for every eligible binding regardless of
	// category.
	onEventResult, err := adapter.OnEvent(ctx, targetEvent, target, rc)
	if err != nil {
		dr.Err = err
		dr.SkipReason = "on_event_error"
		return dr, nil, onEventResult.Tasks, onEventResult.Observations
	}

	responseEvents := onEventResult.ResponseEvents
	if target.Category == model.CategoryIntelligence && target.Muted {
		// Mute silences voice, not brain: discard response_events, keep
		// tasks/observations.
		responseEvents = nil
	}

	reentry, blockedObs := r.splitByChainDepth(ctx, ev, target, responseEvents)
	tasks := onEventResult.Tasks
	observations := append(onEventResult.Observations, blockedObs...)

	if target.Category != model.CategoryTransport {
		dr.Attempted = false
		return dr, reentry, tasks, observations
	}

	// Step 8: transport delivery under circuit breaker -> rate limiter
	// -> retry. A read_only binding observes the room (on_event above)
	// but is never delivered to.
	if !visible {
		dr.SkipReason = "visibility"
		return dr, reentry, tasks, observations
	}
	if !target.Access.CanWrite() {
		dr.SkipReason = "read_only"
		return dr, reentry, tasks, observations
	}

	dr.Attempted = true
	start := time.Now()
	deliverErr := r.Breaker.Run(ctx, target, func(ctx context.Context) error {
		_, derr := adapter.Deliver(ctx, targetEvent, target, rc)
		return derr
	})
	dr.Err = deliverErr
	dr.BreakerState = r.Breaker.State(target.ChannelID)

	switch {
	case deliverErr == nil:
		metrics.DeliveryAttempts.WithLabelValues(string(target.ChannelID), "success").Inc()
		r.emit(ctx, framework.DeliverySucceeded, &room.ID, &target.ChannelID, map[string]any{"event_id": string(ev.ID), "latency_ms": time.Since(start).Milliseconds()})
	default:
		outcome := "failed"
		if errors.Is(deliverErr, breaker.ErrCircuitOpen) {
			outcome = "circuit_open"
			metrics.CircuitBreakerRejections.WithLabelValues(string(target.ChannelID)).Inc()
		}
		metrics.DeliveryAttempts.WithLabelValues(string(target.ChannelID), outcome).Inc()
		r.emit(ctx, framework.DeliveryFailed, &room.ID, &target.ChannelID, map[string]any{"event_id": string(ev.ID), "error": deliverErr.Error()})
	}

	return dr, reentry, tasks, observations
}

// splitByChainDepth applies the chain-depth policy: response events within
// MaxChainDepth become reentry candidates; those past it are persisted
// immediately as blocked, paired with an Observation.
func (r *Router) splitByChainDepth(ctx context.Context, parent model.RoomEvent, target model.ChannelBinding, responses []model.RoomEvent) ([]model.RoomEvent, []model.Observation) {
	if len(responses) == 0 {
		return nil, nil
	}
	var reentry []model.RoomEvent
	var observations []model.Observation
	for _, child := range responses {
		child.ParentEventID = &parent.ID
		child.ChainDepth = parent.ChainDepth + 1
		child.RoomID = parent.RoomID
		if child.Source.ChannelID == "" {
			child.Source.ChannelID = target.ChannelID
			child.Source.ChannelType = target.ChannelType
			child.Source.Direction = model.DirectionOutbound
		}

		metrics.ReentryChainDepth.WithLabelValues(string(target.ChannelID)).Observe(float64(child.ChainDepth))
		if child.ChainDepth > r.MaxChainDepth {
			blocked := child
			blocked.Status = model.StatusBlocked
			blocked.BlockedBy = ChainDepthLimitReason
			if err := r.persistBlocked(ctx, &blocked); err != nil {
				continue
			}
			r.emit(ctx, framework.ChainDepthExceeded, &parent.RoomID, &target.ChannelID, map[string]any{"event_id": string(blocked.ID), "chain_depth": blocked.ChainDepth})
			observations = append(observations, model.Observation{
				ID:             model.NewID[model.ObservationID](),
				RoomID:         parent.RoomID,
				CreatedByEvent: blocked.ID,
				Kind:           "chain_depth_exceeded",
				Body:           "reentry event exceeded max_chain_depth and was blocked",
				CreatedAt:      time.Now(),
			})
			continue
		}
		reentry = append(reentry, child)
	}
	return reentry, observations
}

// persistBlocked assigns an index and persists a chain-depth-exceeded
// event. The caller already holds the room's exclusive section.
func (r *Router) persistBlocked(ctx context.Context, ev *model.RoomEvent) error {
	idx, err := r.Store.NextIndex(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	ev.Index = idx
	if ev.ID == "" {
		ev.ID = model.NewID[model.EventID]()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	return r.Store.AppendEvent(ctx, *ev)
}

func (r *Router) emit(ctx context.Context, name framework.Name, roomID *model.RoomID, channelID *model.ChannelID, data map[string]any) {
	if r.Framework == nil {
		return
	}
	r.Framework.Emit(ctx, framework.Event{Name: name, RoomID: roomID, ChannelID: channelID, Data: data})
}
