// Package identity resolves an inbound event's sender to a Participant,
// merging across channels via Identity records where possible. Concrete
// resolver internals (matching phone numbers, OAuth accounts, CRM
// lookups, ...) are a host concern;
// this package defines the Resolver contract, the timeout/escalation
// control flow around it, and a pass-through default implementation
// usable where no cross-channel identity merging is needed.
package identity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/roomkit/conversation/internal/v1/hooks"
	"github.com/roomkit/conversation/internal/v1/logging"
	"github.com/roomkit/conversation/internal/v1/model"
)

// ErrTimeout is returned by Resolve (wrapped) when resolution exceeds
// the configured identity timeout.
var ErrTimeout = errors.New("identity: resolution timed out")

// PendingReason is the BlockReason an escalation hook returns to hold
// the event as pending rather than rejecting the sender outright: the
// original is blocked, but the verdict stays IdentityPending so a later
// inbound event from the same source can resolve it.
const PendingReason = "identity_pending"

// Resolver resolves one inbound event's EventSource to an
// IdentityResult. Implementations may consult external systems and
// should themselves respect ctx cancellation.
type Resolver interface {
	Resolve(ctx context.Context, roomID model.RoomID, source model.EventSource) (model.IdentityResult, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, roomID model.RoomID, source model.EventSource) (model.IdentityResult, error)

func (f ResolverFunc) Resolve(ctx context.Context, roomID model.RoomID, source model.EventSource) (model.IdentityResult, error) {
	return f(ctx, roomID, source)
}

// PassThrough is the default Resolver: every inbound event is treated as
// already identified by its EventSource.ParticipantID, with no
// cross-channel merging. Used where a host doesn't need identity
// resolution at all.
var PassThrough Resolver = ResolverFunc(func(_ context.Context, _ model.RoomID, source model.EventSource) (model.IdentityResult, error) {
	if source.ParticipantID == nil {
		return model.IdentityResult{State: model.IdentityUnknown}, nil
	}
	return model.IdentityResult{State: model.IdentityIdentified, ParticipantID: source.ParticipantID}, nil
})

// Gate controls resolution: an allow-list of channel types that require
// identity resolution at all, a timeout, and the hook engine used to
// escalate ambiguous/unknown results.
type Gate struct {
	Resolver             Resolver
	Hooks                *hooks.Engine
	Timeout              time.Duration
	IdentityChannelTypes map[string]bool // empty means "all channel types require resolution"
}

// requires reports whether channelType needs identity resolution at all.
func (g Gate) requires(channelType string) bool {
	if len(g.IdentityChannelTypes) == 0 {
		return true
	}
	return g.IdentityChannelTypes[channelType]
}

// Resolve runs g.Resolver under g.Timeout, escalating ambiguous/unknown
// results to the corresponding hook trigger so a host can supply a
// decision (e.g. prompting the user to disambiguate) before the
// pipeline proceeds. The returned Injection carries whatever the
// escalation hooks injected (a challenge's verification event, audit
// observations); the pipeline persists and broadcasts it even when the
// original event ends up blocked. Channel types outside
// IdentityChannelTypes skip resolution entirely and are treated as
// identified using whatever ParticipantID the source already carries.
func (g Gate) Resolve(ctx context.Context, roomID model.RoomID, ev model.RoomEvent) (model.IdentityResult, hooks.Injection, error) {
	if !g.requires(ev.Source.ChannelType) {
		return model.IdentityResult{State: model.IdentityIdentified, ParticipantID: ev.Source.ParticipantID}, hooks.Injection{}, nil
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := g.Resolver.Resolve(resolveCtx, roomID, ev.Source)
	if err != nil {
		if errors.Is(resolveCtx.Err(), context.DeadlineExceeded) {
			logging.Warn(ctx, "identity resolution timed out",
				zap.String("channel_type", ev.Source.ChannelType),
				zap.String("external_id", logging.Redact(ev.Source.ExternalID)))
			return model.IdentityResult{State: model.IdentityUnknown}, hooks.Injection{}, ErrTimeout
		}
		return model.IdentityResult{}, hooks.Injection{}, err
	}

	var injected hooks.Injection
	switch result.State {
	case model.IdentityAmbiguous:
		result, injected = g.escalate(ctx, hooks.TriggerIdentityAmbiguous, ev, result)
	case model.IdentityUnknown:
		result, injected = g.escalate(ctx, hooks.TriggerIdentityUnknown, ev, result)
	}
	return result, injected, nil
}

// escalate runs the matching hook trigger and maps the sync verdict onto
// the identity result:
//
//   - Block with injected events is a challenge: the original is blocked
//     and the injected verification event goes back to the sender.
//   - Block with reason PendingReason holds the event as pending.
//   - Any other Block rejects the sender.
//   - allow_modified carrying a new ParticipantID resolves the identity.
//   - A plain allow leaves the resolver's verdict standing: the pipeline
//     lets an unknown sender's event proceed unidentified and blocks an
//     ambiguous one.
func (g Gate) escalate(ctx context.Context, trigger hooks.Trigger, ev model.RoomEvent, result model.IdentityResult) (model.IdentityResult, hooks.Injection) {
	if g.Hooks == nil {
		return result, hooks.Injection{}
	}
	rewritten, decision, injected, _ := g.Hooks.RunSync(ctx, trigger, ev)
	switch {
	case decision.Block && len(injected.Events) > 0:
		return model.IdentityResult{State: model.IdentityChallengeSent}, injected
	case decision.Block && decision.BlockReason == PendingReason:
		return model.IdentityResult{State: model.IdentityPending}, injected
	case decision.Block:
		return model.IdentityResult{State: model.IdentityRejected}, injected
	}
	if rewritten.Source.ParticipantID != nil && rewritten.Source.ParticipantID != ev.Source.ParticipantID {
		return model.IdentityResult{State: model.IdentityIdentified, ParticipantID: rewritten.Source.ParticipantID}, injected
	}
	return result, injected
}
