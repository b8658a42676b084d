package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomkit/conversation/internal/v1/hooks"
	"github.com/roomkit/conversation/internal/v1/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func unknownResolver() Resolver {
	return ResolverFunc(func(ctx context.Context, roomID model.RoomID, source model.EventSource) (model.IdentityResult, error) {
		return model.IdentityResult{State: model.IdentityUnknown}, nil
	})
}

func TestPassThrough_IdentifiedWhenParticipantIDPresent(t *testing.T) {
	pid := model.NewID[model.ParticipantID]()
	result, err := PassThrough.Resolve(context.Background(), model.NewID[model.RoomID](), model.EventSource{ParticipantID: &pid})
	require.NoError(t, err)
	assert.Equal(t, model.IdentityIdentified, result.State)
}

func TestPassThrough_UnknownWhenNoParticipantID(t *testing.T) {
	result, err := PassThrough.Resolve(context.Background(), model.NewID[model.RoomID](), model.EventSource{})
	require.NoError(t, err)
	assert.Equal(t, model.IdentityUnknown, result.State)
}

func TestGate_SkipsResolutionForChannelTypesNotInAllowList(t *testing.T) {
	called := false
	gate := Gate{
		Resolver: ResolverFunc(func(ctx context.Context, roomID model.RoomID, source model.EventSource) (model.IdentityResult, error) {
			called = true
			return model.IdentityResult{State: model.IdentityIdentified}, nil
		}),
		IdentityChannelTypes: map[string]bool{"sms": true},
	}

	ev := model.RoomEvent{RoomID: model.NewID[model.RoomID](), Source: model.EventSource{ChannelType: "webchat"}}
	result, _, err := gate.Resolve(context.Background(), ev.RoomID, ev)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, model.IdentityIdentified, result.State)
}

func TestGate_EscalatesAmbiguousToHook(t *testing.T) {
	var firedTrigger hooks.Trigger
	engine := hooks.New()
	engine.Register(hooks.Registration{
		Name: "escalator", Trigger: hooks.TriggerIdentityAmbiguous, Execution: hooks.ExecutionSync,
		Sync: func(ctx context.Context, ev model.RoomEvent) (hooks.Decision, error) {
			firedTrigger = hooks.TriggerIdentityAmbiguous
			return hooks.Allow(), nil
		},
	})

	gate := Gate{
		Resolver: ResolverFunc(func(ctx context.Context, roomID model.RoomID, source model.EventSource) (model.IdentityResult, error) {
			return model.IdentityResult{State: model.IdentityAmbiguous, Candidates: []model.IdentityID{"a", "b"}}, nil
		}),
		Hooks: engine,
	}

	ev := model.RoomEvent{RoomID: model.NewID[model.RoomID](), Source: model.EventSource{ChannelType: "sms"}}
	result, _, err := gate.Resolve(context.Background(), ev.RoomID, ev)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityAmbiguous, result.State)
	assert.Equal(t, hooks.TriggerIdentityAmbiguous, firedTrigger)
}

func TestGate_ResolveTimesOut(t *testing.T) {
	gate := Gate{
		Resolver: ResolverFunc(func(ctx context.Context, roomID model.RoomID, source model.EventSource) (model.IdentityResult, error) {
			<-ctx.Done()
			return model.IdentityResult{}, ctx.Err()
		}),
		Timeout: 5 * time.Millisecond,
	}

	ev := model.RoomEvent{RoomID: model.NewID[model.RoomID](), Source: model.EventSource{ChannelType: "sms"}}
	result, _, err := gate.Resolve(context.Background(), ev.RoomID, ev)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, model.IdentityUnknown, result.State)
}

func TestGate_HookBlockRejectsSender(t *testing.T) {
	engine := hooks.New()
	engine.Register(hooks.Registration{
		Name: "rejector", Trigger: hooks.TriggerIdentityUnknown, Execution: hooks.ExecutionSync,
		Sync: func(ctx context.Context, ev model.RoomEvent) (hooks.Decision, error) {
			return hooks.BlockWith("unverified sender"), nil
		},
	})

	gate := Gate{Resolver: unknownResolver(), Hooks: engine}

	ev := model.RoomEvent{RoomID: model.NewID[model.RoomID](), Source: model.EventSource{ChannelType: "sms"}}
	result, _, err := gate.Resolve(context.Background(), ev.RoomID, ev)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityRejected, result.State)
}

func TestGate_HookCanResolveUnknownSender(t *testing.T) {
	resolved := model.ParticipantID("p-42")
	engine := hooks.New()
	engine.Register(hooks.Registration{
		Name: "resolver", Trigger: hooks.TriggerIdentityUnknown, Execution: hooks.ExecutionSync,
		Sync: func(ctx context.Context, ev model.RoomEvent) (hooks.Decision, error) {
			ev.Source.ParticipantID = &resolved
			return hooks.AllowModified(ev), nil
		},
	})

	gate := Gate{Resolver: unknownResolver(), Hooks: engine}

	ev := model.RoomEvent{RoomID: model.NewID[model.RoomID](), Source: model.EventSource{ChannelType: "sms"}}
	result, _, err := gate.Resolve(context.Background(), ev.RoomID, ev)
	require.NoError(t, err)
	require.Equal(t, model.IdentityIdentified, result.State)
	require.NotNil(t, result.ParticipantID)
	assert.Equal(t, resolved, *result.ParticipantID)
}

func TestGate_HookCanHoldSenderPending(t *testing.T) {
	engine := hooks.New()
	engine.Register(hooks.Registration{
		Name: "holder", Trigger: hooks.TriggerIdentityUnknown, Execution: hooks.ExecutionSync,
		Sync: func(ctx context.Context, ev model.RoomEvent) (hooks.Decision, error) {
			return hooks.BlockWith(PendingReason), nil
		},
	})

	gate := Gate{Resolver: unknownResolver(), Hooks: engine}

	ev := model.RoomEvent{RoomID: model.NewID[model.RoomID](), Source: model.EventSource{ChannelType: "sms"}}
	result, _, err := gate.Resolve(context.Background(), ev.RoomID, ev)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityPending, result.State)
}

func TestGate_HookChallengeInjectsVerificationEvent(t *testing.T) {
	sender := model.ChannelID("sms:+15550100")
	engine := hooks.New()
	engine.Register(hooks.Registration{
		Name: "challenger", Trigger: hooks.TriggerIdentityUnknown, Execution: hooks.ExecutionSync,
		Sync: func(ctx context.Context, ev model.RoomEvent) (hooks.Decision, error) {
			challenge := model.RoomEvent{
				Type:       model.EventSystem,
				Content:    model.NewText("Reply with your verification code"),
				Visibility: model.Visibility(sender),
			}
			return hooks.BlockWith("identity_challenge_sent").Inject(hooks.Injection{Events: []model.RoomEvent{challenge}}), nil
		},
	})

	gate := Gate{Resolver: unknownResolver(), Hooks: engine}

	ev := model.RoomEvent{RoomID: model.NewID[model.RoomID](), Source: model.EventSource{ChannelID: sender, ChannelType: "sms"}}
	result, injected, err := gate.Resolve(context.Background(), ev.RoomID, ev)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityChallengeSent, result.State)
	require.Len(t, injected.Events, 1)
	assert.Equal(t, model.Visibility(sender), injected.Events[0].Visibility)
}
