// Package inbound implements the pluggable room-resolution step that
// starts the inbound pipeline: given a raw inbound message, decide
// which room it belongs to, or signal that a new room must be created. Resolution is a two-step fallback chain
// over the Store contract.
package inbound

import (
	"context"
	"errors"

	"github.com/roomkit/conversation/internal/v1/model"
	"github.com/roomkit/conversation/internal/v1/store"
)

// Resolution is the router's verdict: either an existing room, or a
// signal that the caller must materialize a new one and auto-attach
// the source channel.
type Resolution struct {
	RoomID model.RoomID
	Create bool
}

// Router resolves an inbound message to a room. It is pluggable so a host can layer richer lookup
// (e.g. by external thread id) ahead of the store-only default.
type Router interface {
	Resolve(ctx context.Context, channelID model.ChannelID, channelType string, participantID *model.ParticipantID) (Resolution, error)
}

// StoreRouter is the default Router: store queries only.
type StoreRouter struct {
	Store store.Store
}

// NewStoreRouter constructs the default Router.
func NewStoreRouter(st store.Store) *StoreRouter {
	return &StoreRouter{Store: st}
}

// Resolve implements the two-step fallback: first an exact
// binding match on channel_id, then the most recently active room with
// a channel_type+participant_id match, else Create.
func (r *StoreRouter) Resolve(ctx context.Context, channelID model.ChannelID, channelType string, participantID *model.ParticipantID) (Resolution, error) {
	room, err := r.Store.FindRoomByChannel(ctx, channelID)
	switch {
	case err == nil:
		return Resolution{RoomID: room.ID}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, err
	}

	room, err = r.Store.FindLatestRoom(ctx, channelType, participantID)
	switch {
	case err == nil:
		return Resolution{RoomID: room.ID}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, err
	}

	return Resolution{Create: true}, nil
}

var _ Router = (*StoreRouter)(nil)
