package model

import "time"

// ParticipantRole classifies a participant within its room.
type ParticipantRole string

const (
	RoleMember   ParticipantRole = "member"
	RoleAgent    ParticipantRole = "agent"
	RoleObserver ParticipantRole = "observer"
)

// ParticipantStatus is the participant's presence lifecycle state.
type ParticipantStatus string

const (
	ParticipantActive ParticipantStatus = "active"
	ParticipantLeft   ParticipantStatus = "left"
)

// Participant is a human or agent principal a ChannelBinding may be
// attached to.
type Participant struct {
	ID          ParticipantID
	RoomID      RoomID
	ChannelID   ChannelID
	DisplayName string
	Role        ParticipantRole
	Status      ParticipantStatus
	IdentityID  *IdentityID // set once resolved/merged across channels
	JoinedAt    time.Time
	LeftAt      *time.Time
	Metadata    map[string]any
}

// IsActive reports whether the participant is still present in the room.
func (p Participant) IsActive() bool {
	return p.LeftAt == nil
}
