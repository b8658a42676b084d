// Package channel defines the contract every external communication
// endpoint implements to plug into the pipeline. Concrete adapters
// (SMS, email, websocket, voice, AI model backends) are a host concern;
// this package only defines the interface the router and pipeline
// drive them through.
package channel

import (
	"context"
	"sync"

	"github.com/roomkit/conversation/internal/v1/model"
)

// InboundMessage is the raw, provider-shaped payload an adapter receives
// from its external endpoint before it is converted to a canonical
// RoomEvent.
type InboundMessage struct {
	ChannelID     model.ChannelID
	ParticipantID *model.ParticipantID
	ExternalID    string
	Raw           any // provider-native payload; adapters type-assert their own shape
}

// RoomContext carries the ambient room state an adapter may need to
// build or react to an event (its own binding, the room record).
type RoomContext struct {
	Room    model.Room
	Binding model.ChannelBinding
}

// DeliveryOutcome is the result of a transport adapter's Deliver call
type DeliveryOutcome struct {
	ExternalID string // provider-assigned id for the delivered message, if any
}

// OnEventResult carries what a channel produced in reaction to a
// broadcast event. Transport channels typically return a zero value;
// intelligence channels are the primary producers of ResponseEvents.
type OnEventResult struct {
	ResponseEvents []model.RoomEvent
	Tasks          []model.Task
	Observations   []model.Observation
}

// Adapter is the contract every registered channel implements.
// HandleInbound is only ever invoked on the originating channel;
// Deliver is only ever invoked on transport-category bindings; OnEvent
// is invoked on every eligible binding during broadcast regardless of
// category.
type Adapter interface {
	ChannelID() model.ChannelID
	ChannelType() string
	Category() model.BindingCategory
	Direction() model.Direction
	Capabilities() model.Capabilities

	HandleInbound(ctx context.Context, msg InboundMessage, rc RoomContext) (model.RoomEvent, error)
	Deliver(ctx context.Context, ev model.RoomEvent, binding model.ChannelBinding, rc RoomContext) (DeliveryOutcome, error)
	OnEvent(ctx context.Context, ev model.RoomEvent, binding model.ChannelBinding, rc RoomContext) (OnEventResult, error)

	Close() error
}

// Registry looks up a registered Adapter by channel id. The pipeline and
// router never construct adapters themselves; a host registers its
// concrete channels and hands the Registry to the Engine. Safe for
// concurrent use: the router reads it from its per-binding fan-out
// goroutines while a host may attach or detach channels at any time.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.ChannelID]Adapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.ChannelID]Adapter)}
}

// Register adds or replaces the adapter for its own ChannelID().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ChannelID()] = a
}

// Unregister removes and returns the adapter for id, if present. The
// caller is responsible for Close()ing the returned adapter.
func (r *Registry) Unregister(id model.ChannelID) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[id]
	if ok {
		delete(r.adapters, id)
	}
	return a, ok
}

// Get looks up the adapter for id.
func (r *Registry) Get(id model.ChannelID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}
