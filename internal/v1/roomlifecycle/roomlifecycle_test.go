package roomlifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomkit/conversation/internal/v1/framework"
	"github.com/roomkit/conversation/internal/v1/model"
	"github.com/roomkit/conversation/internal/v1/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestCheckTimers(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		room model.Room
		want model.RoomStatus
	}{
		{
			name: "active room with no timers stays active",
			room: model.Room{Status: model.RoomActive, UpdatedAt: now.Add(-time.Hour)},
			want: model.RoomActive,
		},
		{
			name: "active room pauses once inactive_after elapses",
			room: model.Room{
				Status:    model.RoomActive,
				UpdatedAt: now.Add(-time.Hour),
				Timers:    model.RoomTimers{InactiveAfter: durationPtr(30 * time.Minute)},
			},
			want: model.RoomPaused,
		},
		{
			name: "active room within inactive_after stays active",
			room: model.Room{
				Status:    model.RoomActive,
				UpdatedAt: now.Add(-time.Minute),
				Timers:    model.RoomTimers{InactiveAfter: durationPtr(30 * time.Minute)},
			},
			want: model.RoomActive,
		},
		{
			name: "paused room closes once closed_after elapses",
			room: model.Room{
				Status:    model.RoomPaused,
				UpdatedAt: now.Add(-2 * time.Hour),
				Timers:    model.RoomTimers{ClosedAfter: durationPtr(time.Hour)},
			},
			want: model.RoomClosed,
		},
		{
			name: "closed room never transitions",
			room: model.Room{
				Status:    model.RoomClosed,
				UpdatedAt: now.Add(-24 * time.Hour),
				Timers:    model.RoomTimers{InactiveAfter: durationPtr(time.Minute)},
			},
			want: model.RoomClosed,
		},
		{
			name: "archived room never transitions",
			room: model.Room{Status: model.RoomArchived, UpdatedAt: now.Add(-24 * time.Hour)},
			want: model.RoomArchived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckTimers(tt.room, now))
		})
	}
}

func TestTicker_SweepTransitionsAndStampsClosedAt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fw := framework.NewEmitter()

	stale := model.Room{
		ID:        model.NewID[model.RoomID](),
		Status:    model.RoomPaused,
		CreatedAt: time.Now().Add(-3 * time.Hour),
		UpdatedAt: time.Now().Add(-2 * time.Hour),
		Timers:    model.RoomTimers{ClosedAfter: durationPtr(time.Hour)},
	}
	fresh := model.Room{
		ID:        model.NewID[model.RoomID](),
		Status:    model.RoomActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, st.CreateRoom(ctx, stale))
	require.NoError(t, st.CreateRoom(ctx, fresh))

	ticker := NewTicker(st, time.Hour)
	ticker.Framework = fw
	ticker.sweep(ctx, time.Now())

	got, err := st.GetRoom(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoomClosed, got.Status)
	require.NotNil(t, got.ClosedAt)

	got, err = st.GetRoom(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoomActive, got.Status)
	assert.Nil(t, got.ClosedAt)

	history := fw.History(stale.ID)
	require.Len(t, history, 1)
	assert.Equal(t, framework.RoomClosed, history[0].Name)
	assert.Empty(t, fw.History(fresh.ID))
}

func TestTicker_StartStopsOnStop(t *testing.T) {
	st := store.NewMemoryStore()
	ticker := NewTicker(st, 10*time.Millisecond)

	go ticker.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	ticker.Stop()
}
