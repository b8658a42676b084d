package model

import "time"

// Observation is a side-channel note attached to a room by pipeline
// processing (e.g. an intelligence binding surfacing a fact worth
// recording without it being a conversational message).
type Observation struct {
	ID             ObservationID
	RoomID         RoomID
	CreatedByEvent EventID
	Kind           string
	Body           string
	CreatedAt      time.Time
	Metadata       map[string]any
}
