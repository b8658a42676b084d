// Package redisbus is a Redis-backed realtime.Bus for hosts that need
// ephemeral events to cross process boundaries: per-room channel
// naming, a JSON envelope over redis.Client.Publish, and a
// Subscribe/Channel() read loop feeding locally registered callbacks.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/roomkit/conversation/internal/v1/logging"
	"github.com/roomkit/conversation/internal/v1/model"
	"github.com/roomkit/conversation/internal/v1/realtime"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("redisbus: bus closed")

func channelName(roomID model.RoomID) string {
	return fmt.Sprintf("conversation:room:%s", roomID)
}

type roomSub struct {
	cancel context.CancelFunc
	subs   map[string]realtime.Callback
}

// Bus is a realtime.Bus backed by Redis PUBLISH/SUBSCRIBE, one Redis
// channel per room. Every process subscribed to a room receives every
// publish to it, including the publisher's own process, matching the
// in-process bus's "fan out to all current subscribers" contract.
type Bus struct {
	client *redis.Client

	mu     sync.Mutex
	rooms  map[model.RoomID]*roomSub
	byID   map[string]model.RoomID
	nextID uint64
	closed bool
}

// New constructs a Bus using client for pub/sub. The caller owns
// client's lifecycle independently of Bus.Close.
func New(client *redis.Client) *Bus {
	return &Bus{
		client: client,
		rooms:  make(map[model.RoomID]*roomSub),
		byID:   make(map[string]model.RoomID),
	}
}

// Subscribe registers cb for roomID, starting a Redis subscription for
// the room's channel on first use.
func (b *Bus) Subscribe(roomID model.RoomID, cb realtime.Callback) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	rs, ok := b.rooms[roomID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		rs = &roomSub{cancel: cancel, subs: make(map[string]realtime.Callback)}
		b.rooms[roomID] = rs
		b.startReader(ctx, roomID, rs)
	}

	b.nextID++
	sid := fmt.Sprintf("rsub_%d", b.nextID)
	rs.subs[sid] = cb
	b.byID[sid] = roomID
	return sid, nil
}

// startReader runs the Subscribe read loop for one room's
// channel, fanning decoded events out to every locally registered
// subscriber. It exits once ctx is cancelled (on the last Unsubscribe
// for the room, or on Close).
func (b *Bus) startReader(ctx context.Context, roomID model.RoomID, rs *roomSub) {
	pubsub := b.client.Subscribe(ctx, channelName(roomID))
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev realtime.EphemeralEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logging.Error(ctx, "redisbus: failed to decode ephemeral event", zap.Error(err))
					continue
				}
				b.mu.Lock()
				targets := make([]realtime.Callback, 0, len(rs.subs))
				for _, cb := range rs.subs {
					targets = append(targets, cb)
				}
				b.mu.Unlock()
				for _, cb := range targets {
					invoke(ctx, cb, ev)
				}
			}
		}
	}()
}

func invoke(ctx context.Context, cb realtime.Callback, ev realtime.EphemeralEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "redisbus subscriber callback panicked")
		}
	}()
	cb(ev)
}

// Unsubscribe removes the subscription with the given id, stopping the
// room's Redis subscription once its last local subscriber leaves.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	roomID, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)

	rs, ok := b.rooms[roomID]
	if !ok {
		return nil
	}
	delete(rs.subs, id)
	if len(rs.subs) == 0 {
		rs.cancel()
		delete(b.rooms, roomID)
	}
	return nil
}

// Publish marshals ev and publishes it to roomID's Redis channel.
func (b *Bus) Publish(ctx context.Context, roomID model.RoomID, ev realtime.EphemeralEvent) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redisbus: marshal ephemeral event: %w", err)
	}
	return b.client.Publish(ctx, channelName(roomID), data).Err()
}

// Close stops every room's Redis subscription. It does not close the
// underlying redis.Client, which the caller still owns.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for roomID, rs := range b.rooms {
		rs.cancel()
		delete(b.rooms, roomID)
	}
	b.byID = make(map[string]model.RoomID)
	return nil
}

var _ realtime.Bus = (*Bus)(nil)
