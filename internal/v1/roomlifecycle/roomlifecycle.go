// Package roomlifecycle implements the pure room-timer decision function
// and a small ticker wrapper a host runs alongside the pipeline.
// CheckTimers itself is never invoked by internal/v1/pipeline; a host
// that wants idle-room reaping wires Ticker to call it on its own
// schedule, keeping the sweep off the per-message hot path.
package roomlifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roomkit/conversation/internal/v1/framework"
	"github.com/roomkit/conversation/internal/v1/logging"
	"github.com/roomkit/conversation/internal/v1/model"
	"github.com/roomkit/conversation/internal/v1/store"
)

// CheckTimers is a pure function: given a room and the current time, it
// returns the status the room should transition to, or the room's current
// status if no timer has elapsed. It never mutates room and performs no
// I/O.
func CheckTimers(room model.Room, now time.Time) model.RoomStatus {
	switch room.Status {
	case model.RoomClosed, model.RoomArchived:
		return room.Status
	case model.RoomActive:
		if room.Timers.InactiveAfter != nil && now.Sub(room.UpdatedAt) >= *room.Timers.InactiveAfter {
			return model.RoomPaused
		}
		return model.RoomActive
	case model.RoomPaused:
		if room.Timers.ClosedAfter != nil && now.Sub(room.UpdatedAt) >= *room.Timers.ClosedAfter {
			return model.RoomClosed
		}
		return model.RoomPaused
	default:
		return room.Status
	}
}

// Ticker periodically sweeps every room in Store through CheckTimers and
// persists any status transition it finds. It is optional, additive
// infrastructure: the pipeline itself never starts or stops one.
// Framework may be nil; when set, a room_closed framework event is
// emitted for every room the sweep closes.
type Ticker struct {
	Store     store.Store
	Interval  time.Duration
	Framework *framework.Emitter

	stop chan struct{}
	done chan struct{}
}

// NewTicker constructs a Ticker with the given sweep interval.
func NewTicker(st store.Store, interval time.Duration) *Ticker {
	return &Ticker{Store: st, Interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop until ctx is done or Stop is called. Intended
// to be run in its own goroutine by the host.
func (t *Ticker) Start(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.sweep(ctx, now)
		}
	}
}

// Stop signals the sweep loop to exit and blocks until it has.
func (t *Ticker) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Ticker) sweep(ctx context.Context, now time.Time) {
	rooms, err := t.Store.ListRooms(ctx)
	if err != nil {
		logging.Warn(ctx, "roomlifecycle: list rooms failed", zap.Error(err))
		return
	}
	for _, room := range rooms {
		desired := CheckTimers(room, now)
		if desired == room.Status {
			continue
		}
		room.Status = desired
		if desired == model.RoomClosed {
			closedAt := now
			room.ClosedAt = &closedAt
		}
		room.UpdatedAt = now
		if err := t.Store.UpdateRoom(ctx, room); err != nil {
			logging.Warn(ctx, "roomlifecycle: update room status failed", zap.Error(err))
			continue
		}
		if desired == model.RoomClosed && t.Framework != nil {
			roomID := room.ID
			t.Framework.Emit(ctx, framework.Event{Name: framework.RoomClosed, RoomID: &roomID})
		}
	}
}
