package model

import "time"

// BindingCategory classifies a channel as transport or intelligence.
type BindingCategory string

const (
	CategoryTransport    BindingCategory = "transport"
	CategoryIntelligence BindingCategory = "intelligence"
)

// AccessLevel controls read/write eligibility at broadcast time.
type AccessLevel string

const (
	AccessReadWrite AccessLevel = "read_write"
	AccessReadOnly  AccessLevel = "read_only"
	AccessWriteOnly AccessLevel = "write_only"
	AccessNone      AccessLevel = "none"
)

// CanWrite reports whether a binding with this access level may be the
// source of a persisted event.
func (a AccessLevel) CanWrite() bool {
	return a == AccessReadWrite || a == AccessWriteOnly
}

// CanRead reports whether a binding with this access level is eligible to
// receive broadcast events.
func (a AccessLevel) CanRead() bool {
	return a == AccessReadWrite || a == AccessReadOnly
}

// RetryPolicy bounds retry-with-backoff for a transport binding's
// deliveries.
type RetryPolicy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// RateLimit configures a binding's token-bucket rate limiter.
// At most one of the three should be set; a zero RateLimit disables
// limiting for the binding.
type RateLimit struct {
	MaxPerSecond int
	MaxPerMinute int
	MaxPerHour   int
}

// IsZero reports whether no rate is configured.
func (r RateLimit) IsZero() bool {
	return r.MaxPerSecond == 0 && r.MaxPerMinute == 0 && r.MaxPerHour == 0
}

// ChannelBinding attaches a channel to a room with access rights,
// capabilities, and per-room configuration. Dynamic per-room knobs
// (system prompt, temperature, tool list, ...) live in Metadata as an
// open extension map.
type ChannelBinding struct {
	ChannelID     ChannelID
	RoomID        RoomID
	ChannelType   string
	Category      BindingCategory
	Direction     Direction
	Access        AccessLevel
	Muted         bool
	Visibility    Visibility
	ParticipantID *ParticipantID
	LastReadIndex *int
	AttachedAt    time.Time
	Capabilities  Capabilities
	RateLimit     *RateLimit
	RetryPolicy   *RetryPolicy
	Metadata      map[string]any
}

// MetadataString reads a string-valued metadata key, returning "" if
// absent or of a different type. Used by intelligence adapters to read
// per-binding knobs (system prompt, model name, ...).
func (b ChannelBinding) MetadataString(key string) string {
	if v, ok := b.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetadataFloat reads a float64-valued metadata key (e.g. "temperature").
func (b ChannelBinding) MetadataFloat(key string) (float64, bool) {
	v, ok := b.Metadata[key].(float64)
	return v, ok
}
