package model

import "time"

// IdentityResultState is the outcome of resolving an inbound event's
// sender to a Participant/Identity.
type IdentityResultState string

const (
	IdentityIdentified    IdentityResultState = "identified"
	IdentityPending       IdentityResultState = "pending"
	IdentityAmbiguous     IdentityResultState = "ambiguous"
	IdentityUnknown       IdentityResultState = "unknown"
	IdentityChallengeSent IdentityResultState = "challenge_sent"
	IdentityRejected      IdentityResultState = "rejected"
)

// IsTerminal reports whether this state ends resolution for the inbound
// event without a retry (identified, unknown, rejected all end the
// attempt; pending/challenge_sent await a further event; ambiguous awaits
// a hook decision).
func (s IdentityResultState) IsTerminal() bool {
	return s == IdentityIdentified || s == IdentityUnknown || s == IdentityRejected
}

// ChannelAddress binds one external channel-side address (phone number,
// platform user id, ...) to an Identity.
type ChannelAddress struct {
	ChannelType string
	Address     string
}

// Identity is a cross-channel principal record merged from one or more
// channel addresses.
type Identity struct {
	ID               IdentityID
	DisplayName      string
	ChannelAddresses []ChannelAddress
	CreatedAt        time.Time
	LastResolvedAt   *time.Time
	Metadata         map[string]any
}

// IdentityResult is what an IdentityResolver returns for one inbound
// event.
type IdentityResult struct {
	State         IdentityResultState
	IdentityID    *IdentityID
	ParticipantID *ParticipantID
	Candidates    []IdentityID // populated when State == IdentityAmbiguous
}
