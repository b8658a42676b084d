package model

import (
	"strings"
	"time"
)

// EventType enumerates RoomEvent.Type.
type EventType string

const (
	EventMessage          EventType = "message"
	EventSystem           EventType = "system"
	EventTyping           EventType = "typing"
	EventReadReceipt      EventType = "read_receipt"
	EventDeliveryReceipt  EventType = "delivery_receipt"
	EventPresence         EventType = "presence"
	EventReaction         EventType = "reaction"
	EventEdit             EventType = "edit"
	EventDelete           EventType = "delete"
	EventParticipantJoin  EventType = "participant_join"
	EventParticipantLeave EventType = "participant_leave"
	EventChannelAttached  EventType = "channel_attached"
	EventChannelDetached  EventType = "channel_detached"
	EventTaskCreated      EventType = "task_created"
	EventObservation      EventType = "observation"
)

// EventStatus is the lifecycle status of a persisted RoomEvent.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusDelivered EventStatus = "delivered"
	StatusRead      EventStatus = "read"
	StatusFailed    EventStatus = "failed"
	StatusBlocked   EventStatus = "blocked"
)

// Direction is shared between EventSource and ChannelBinding.
type Direction string

const (
	DirectionInbound       Direction = "inbound"
	DirectionOutbound      Direction = "outbound"
	DirectionBidirectional Direction = "bidirectional"
)

// EventSource identifies where an event came from.
type EventSource struct {
	ChannelID     ChannelID
	ChannelType   string
	Direction     Direction
	ParticipantID *ParticipantID
	ExternalID    string // optional, provider-assigned id
}

// Visibility controls which bindings are eligible to receive an event
// at broadcast time. The zero value behaves as VisibilityAll.
type Visibility string

const (
	VisibilityAll          Visibility = "all"
	VisibilityNone         Visibility = "none"
	VisibilityTransport    Visibility = "transport"
	VisibilityIntelligence Visibility = "intelligence"
)

// Matches reports whether a binding with the given channel id and category
// is eligible under this visibility value. A Visibility can also be a
// single channel id or a comma-separated set of channel ids.
func (v Visibility) Matches(channelID ChannelID, category BindingCategory) bool {
	switch v {
	case "", VisibilityAll:
		return true
	case VisibilityNone:
		return false
	case VisibilityTransport:
		return category == CategoryTransport
	case VisibilityIntelligence:
		return category == CategoryIntelligence
	}
	for _, id := range strings.Split(string(v), ",") {
		if ChannelID(strings.TrimSpace(id)) == channelID {
			return true
		}
	}
	return false
}

// RoomEvent is an immutable record of something that happened in a
// room.
type RoomEvent struct {
	ID             EventID
	RoomID         RoomID
	Type           EventType
	Source         EventSource
	Content        Content
	Status         EventStatus
	BlockedBy      string
	Visibility     Visibility
	Index          int
	ChainDepth     int
	ParentEventID  *EventID
	CorrelationID  string
	IdempotencyKey string
	CreatedAt      time.Time
	Metadata       map[string]any
}

// IsReentry reports whether this event originated inside the pipeline
// (chain_depth > 0), as opposed to an externally triggered inbound event.
func (e RoomEvent) IsReentry() bool {
	return e.ChainDepth > 0
}
