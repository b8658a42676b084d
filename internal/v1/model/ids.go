// Package model defines the core data types shared across the pipeline:
// rooms, events, content, bindings, participants, identities, tasks, and
// observations. Types are immutable by convention; mutation
// always goes through the store (internal/v1/store).
package model

import "github.com/google/uuid"

// ID types keep the various identifier spaces from being accidentally
// interchanged at compile time.
type (
	RoomID        string
	EventID       string
	ChannelID     string
	ParticipantID string
	IdentityID    string
	TaskID        string
	ObservationID string
)

// NewID generates a fresh random identifier in the given id space.
func NewID[T ~string]() T {
	return T(uuid.NewString())
}
