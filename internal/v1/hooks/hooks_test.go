package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomkit/conversation/internal/v1/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEvent() model.RoomEvent {
	return model.RoomEvent{
		ID:      model.NewID[model.EventID](),
		RoomID:  model.NewID[model.RoomID](),
		Type:    model.EventMessage,
		Content: model.NewText("hi"),
	}
}

func TestEngine_RunSync_PriorityOrderAndBlock(t *testing.T) {
	e := New()
	var order []string

	e.Register(Registration{Name: "second", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, Priority: 10,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			order = append(order, "second")
			return Allow(), nil
		}})
	e.Register(Registration{Name: "first", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, Priority: 1,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			order = append(order, "first")
			return Allow(), nil
		}})
	e.Register(Registration{Name: "blocker", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, Priority: 20,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			order = append(order, "blocker")
			return BlockWith("spam"), nil
		}})
	e.Register(Registration{Name: "never", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, Priority: 30,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			order = append(order, "never")
			return Allow(), nil
		}})

	_, decision, _, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, newEvent())
	require.NoError(t, err)
	assert.True(t, decision.Block)
	assert.Equal(t, "spam", decision.BlockReason)
	assert.Equal(t, "blocker", decision.BlockedBy)
	assert.Equal(t, []string{"first", "second", "blocker"}, order)
}

func TestEngine_RunSync_AllowModifiedRewritesEvent(t *testing.T) {
	e := New()
	e.Register(Registration{Name: "rewriter", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			ev.Content = model.NewText("rewritten")
			return AllowModified(ev), nil
		}})

	out, decision, _, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, newEvent())
	require.NoError(t, err)
	assert.False(t, decision.Block)
	assert.Equal(t, "rewritten", out.Content.Text)
}

func TestEngine_RunSync_ErrorAccumulatesButDoesNotBlock(t *testing.T) {
	e := New()
	e.Register(Registration{Name: "erroring", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			return Allow(), errors.New("boom")
		}})

	_, decision, _, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, newEvent())
	require.Error(t, err)
	assert.False(t, decision.Block)
}

func TestEngine_RunSync_AccumulatesInjectionsAcrossHooks(t *testing.T) {
	e := New()
	e.Register(Registration{Name: "task-injector", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, Priority: 1,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			return Allow().Inject(Injection{Tasks: []model.Task{{Title: "follow up"}}}), nil
		}})
	e.Register(Registration{Name: "event-injector", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, Priority: 2,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			return Allow().Inject(Injection{Events: []model.RoomEvent{{Type: model.EventSystem, Content: model.NewText("notice")}}}), nil
		}})

	_, decision, injected, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, newEvent())
	require.NoError(t, err)
	assert.False(t, decision.Block)
	require.Len(t, injected.Tasks, 1)
	require.Len(t, injected.Events, 1)
	assert.Equal(t, "follow up", injected.Tasks[0].Title)
}

func TestEngine_RunSync_BlockingHookInjectionStillFlowsOut(t *testing.T) {
	e := New()
	e.Register(Registration{Name: "early-observer", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, Priority: 1,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			return Allow().Inject(Injection{Observations: []model.Observation{{Kind: "seen"}}}), nil
		}})
	e.Register(Registration{Name: "blocker", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, Priority: 2,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			return BlockWith("spam").Inject(Injection{Events: []model.RoomEvent{{Type: model.EventSystem, Content: model.NewText("blocked notice")}}}), nil
		}})

	_, decision, injected, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, newEvent())
	require.NoError(t, err)
	require.True(t, decision.Block)
	require.Len(t, injected.Observations, 1)
	require.Len(t, injected.Events, 1)
	assert.Equal(t, "blocked notice", injected.Events[0].Content.Text)
}

func TestEngine_RunAsync_RunsConcurrentlyAndCollectsErrors(t *testing.T) {
	e := New()
	var calls int32
	e.Register(Registration{Name: "obs1", Trigger: TriggerAfterBroadcast, Execution: ExecutionAsync,
		Async: func(ctx context.Context, ev model.RoomEvent) (Injection, error) {
			atomic.AddInt32(&calls, 1)
			return Injection{}, nil
		}})
	e.Register(Registration{Name: "obs2", Trigger: TriggerAfterBroadcast, Execution: ExecutionAsync,
		Async: func(ctx context.Context, ev model.RoomEvent) (Injection, error) {
			atomic.AddInt32(&calls, 1)
			return Injection{}, errors.New("obs2 failed")
		}})

	_, err := e.RunAsync(context.Background(), TriggerAfterBroadcast, newEvent())
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEngine_RunAsync_CollectsInjections(t *testing.T) {
	e := New()
	e.Register(Registration{Name: "audit", Trigger: TriggerAfterBroadcast, Execution: ExecutionAsync,
		Async: func(ctx context.Context, ev model.RoomEvent) (Injection, error) {
			return Injection{Observations: []model.Observation{{Kind: "audit"}}}, nil
		}})

	injected, err := e.RunAsync(context.Background(), TriggerAfterBroadcast, newEvent())
	require.NoError(t, err)
	require.Len(t, injected.Observations, 1)
	assert.Equal(t, "audit", injected.Observations[0].Kind)
}

func TestEngine_RunAsync_HonorsPerHookTimeout(t *testing.T) {
	e := New()
	e.Register(Registration{Name: "slow", Trigger: TriggerAfterBroadcast, Execution: ExecutionAsync, Timeout: 5 * time.Millisecond,
		Async: func(ctx context.Context, ev model.RoomEvent) (Injection, error) {
			<-ctx.Done()
			return Injection{}, ctx.Err()
		}})

	_, err := e.RunAsync(context.Background(), TriggerAfterBroadcast, newEvent())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_Filter_SkipsNonMatchingEvents(t *testing.T) {
	e := New()
	var ran bool
	e.Register(Registration{Name: "typing-only", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync,
		Filter: Filter{EventTypes: []model.EventType{model.EventTyping}},
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			ran = true
			return Allow(), nil
		}})

	_, _, _, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, newEvent())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestEngine_RoomScopedHookOnlyRunsForThatRoom(t *testing.T) {
	e := New()
	roomID := model.NewID[model.RoomID]()
	var ran bool
	e.Register(Registration{Name: "scoped", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync, RoomID: &roomID,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			ran = true
			return Allow(), nil
		}})

	other := newEvent()
	_, _, _, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, other)
	require.NoError(t, err)
	assert.False(t, ran)

	scopedEv := newEvent()
	scopedEv.RoomID = roomID
	_, _, _, err = e.RunSync(context.Background(), TriggerBeforeBroadcast, scopedEv)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestEngine_Unregister_RemovesHook(t *testing.T) {
	e := New()
	var ran bool
	id := e.Register(Registration{Name: "removable", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync,
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			ran = true
			return Allow(), nil
		}})
	e.Unregister(id)

	_, _, _, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, newEvent())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestEngine_Filter_ChannelTypeAndDirectionSets(t *testing.T) {
	e := New()
	var calls []string
	e.Register(Registration{
		Name: "sms-inbound-only", Trigger: TriggerBeforeBroadcast, Execution: ExecutionSync,
		Filter: Filter{ChannelTypes: []string{"sms"}, Directions: []model.Direction{model.DirectionInbound}},
		Sync: func(ctx context.Context, ev model.RoomEvent) (Decision, error) {
			calls = append(calls, string(ev.Source.ChannelID))
			return Allow(), nil
		},
	})

	match := model.RoomEvent{Source: model.EventSource{ChannelID: "a", ChannelType: "sms", Direction: model.DirectionInbound}}
	wrongType := model.RoomEvent{Source: model.EventSource{ChannelID: "b", ChannelType: "email", Direction: model.DirectionInbound}}
	wrongDirection := model.RoomEvent{Source: model.EventSource{ChannelID: "c", ChannelType: "sms", Direction: model.DirectionOutbound}}

	for _, ev := range []model.RoomEvent{match, wrongType, wrongDirection} {
		_, _, _, err := e.RunSync(context.Background(), TriggerBeforeBroadcast, ev)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a"}, calls)
}
