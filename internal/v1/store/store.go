// Package store defines the persistence contract the pipeline runs
// against and ships a single in-memory reference implementation.
// Durable storage backends are a host concern; this package exists so
// the pipeline has something real to read and write in its own tests
// without reaching out to a database.
package store

import (
	"context"
	"errors"

	"github.com/roomkit/conversation/internal/v1/model"
)

// ErrNotFound is returned by lookups that find no matching record.
var ErrNotFound = errors.New("store: not found")

// ErrIdempotencyConflict is returned by AppendEvent when an event with the
// same RoomID+IdempotencyKey already exists.
var ErrIdempotencyConflict = errors.New("store: idempotency key already used")

// Store is the persistence contract for rooms, events, bindings,
// participants, identities, tasks, and observations. All methods are safe for concurrent use; callers that need
// a room-scoped critical section (e.g. append-then-assign-index) use
// internal/v1/lockmgr around a sequence of Store calls rather than
// relying on the Store itself to serialize them.
type Store interface {
	// Rooms
	CreateRoom(ctx context.Context, room model.Room) error
	GetRoom(ctx context.Context, id model.RoomID) (model.Room, error)
	UpdateRoom(ctx context.Context, room model.Room) error
	DeleteRoom(ctx context.Context, id model.RoomID) error
	ListRooms(ctx context.Context) ([]model.Room, error)
	// FindRoomByChannel looks up the room owning a globally unique
	// channel_id.
	FindRoomByChannel(ctx context.Context, channelID model.ChannelID) (model.Room, error)
	// FindLatestRoom looks up the most recently active room with a
	// binding matching channelType and, if set, participantID.
	FindLatestRoom(ctx context.Context, channelType string, participantID *model.ParticipantID) (model.Room, error)

	// Events. AppendEvent assigns no index; callers call NextIndex under
	// their own lock and set RoomEvent.Index before calling AppendEvent,
	// so that index assignment and idempotency-key uniqueness are
	// observed atomically from the caller's perspective.
	NextIndex(ctx context.Context, roomID model.RoomID) (int, error)
	AppendEvent(ctx context.Context, event model.RoomEvent) error
	GetEvent(ctx context.Context, roomID model.RoomID, id model.EventID) (model.RoomEvent, error)
	FindByIdempotencyKey(ctx context.Context, roomID model.RoomID, key string) (model.RoomEvent, bool, error)
	ListEvents(ctx context.Context, roomID model.RoomID, sinceIndex int, limit int) ([]model.RoomEvent, error)
	UpdateEventStatus(ctx context.Context, roomID model.RoomID, id model.EventID, status model.EventStatus, blockedBy string) error
	GetEventCount(ctx context.Context, roomID model.RoomID) (int, error)

	// Read tracking.
	// MarkRead advances a binding's last_read_index to index; it never
	// moves it backwards. MarkAllRead advances it to the room's latest
	// index. UnreadCount counts events past the binding's last_read_index.
	MarkRead(ctx context.Context, roomID model.RoomID, channelID model.ChannelID, index int) error
	MarkAllRead(ctx context.Context, roomID model.RoomID, channelID model.ChannelID) error
	UnreadCount(ctx context.Context, roomID model.RoomID, channelID model.ChannelID) (int, error)

	// Bindings
	AttachBinding(ctx context.Context, binding model.ChannelBinding) error
	DetachBinding(ctx context.Context, roomID model.RoomID, channelID model.ChannelID) error
	GetBinding(ctx context.Context, roomID model.RoomID, channelID model.ChannelID) (model.ChannelBinding, error)
	UpdateBinding(ctx context.Context, binding model.ChannelBinding) error
	ListBindings(ctx context.Context, roomID model.RoomID) ([]model.ChannelBinding, error)

	// Participants
	UpsertParticipant(ctx context.Context, participant model.Participant) error
	GetParticipant(ctx context.Context, roomID model.RoomID, id model.ParticipantID) (model.Participant, error)
	ListParticipants(ctx context.Context, roomID model.RoomID) ([]model.Participant, error)

	// Identities
	UpsertIdentity(ctx context.Context, identity model.Identity) error
	GetIdentity(ctx context.Context, id model.IdentityID) (model.Identity, error)
	FindIdentityByAddress(ctx context.Context, addr model.ChannelAddress) (model.Identity, bool, error)
	// LinkIdentityAddress adds addr to an existing identity's address
	// set, a no-op if already linked.
	LinkIdentityAddress(ctx context.Context, id model.IdentityID, addr model.ChannelAddress) error

	// Tasks and observations
	CreateTask(ctx context.Context, task model.Task) error
	UpdateTask(ctx context.Context, task model.Task) error
	ListTasks(ctx context.Context, roomID model.RoomID) ([]model.Task, error)
	ListTasksByStatus(ctx context.Context, roomID model.RoomID, status model.TaskStatus) ([]model.Task, error)
	CreateObservation(ctx context.Context, obs model.Observation) error
	ListObservations(ctx context.Context, roomID model.RoomID) ([]model.Observation, error)
}
