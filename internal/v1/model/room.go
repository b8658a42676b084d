package model

import "time"

// RoomStatus is the room lifecycle state.
type RoomStatus string

const (
	RoomActive   RoomStatus = "active"
	RoomPaused   RoomStatus = "paused"
	RoomClosed   RoomStatus = "closed"
	RoomArchived RoomStatus = "archived"
)

// RoomTimers carries the optional inactivity/closure timers a host ticker
// evaluates via CheckTimers (internal/v1/roomlifecycle), never the pipeline
// itself.
type RoomTimers struct {
	InactiveAfter *time.Duration
	ClosedAfter   *time.Duration
}

// Room is the shared conversational container and unit of serialization
type Room struct {
	ID             RoomID
	OrganizationID string // optional; empty when unset
	Status         RoomStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
	Timers         RoomTimers
	Metadata       map[string]any

	// EventCount is the number of stored events for this room.
	EventCount int
	// LatestIndex is the maximum index of any stored event for this room,
	// or -1 if the room has no events yet.
	LatestIndex int
}

// IsOpenForInbound reports whether the room accepts new inbound events.
// A closed room rejects inbound events at routing.
func (r Room) IsOpenForInbound() bool {
	return r.Status != RoomClosed && r.Status != RoomArchived
}
