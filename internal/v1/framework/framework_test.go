package framework

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomkit/conversation/internal/v1/model"
)

func TestEmitter_DispatchesToNamedHandler(t *testing.T) {
	e := NewEmitter()
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)

	e.On(DeliverySucceeded, func(ctx context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		done <- struct{}{}
	})

	roomID := model.NewID[model.RoomID]()
	e.Emit(context.Background(), Event{Name: DeliverySucceeded, RoomID: &roomID})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, DeliverySucceeded, got[0].Name)
}

func TestEmitter_CatchAllReceivesEverything(t *testing.T) {
	e := NewEmitter()
	var mu sync.Mutex
	names := map[Name]bool{}
	var wg sync.WaitGroup
	wg.Add(2)

	e.OnAny(func(ctx context.Context, ev Event) {
		mu.Lock()
		names[ev.Name] = true
		mu.Unlock()
		wg.Done()
	})

	e.Emit(context.Background(), Event{Name: RoomCreated})
	e.Emit(context.Background(), Event{Name: HookError})
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, names[RoomCreated])
	assert.True(t, names[HookError])
}

func TestEmitter_HandlerTimeoutDoesNotBlockEmit(t *testing.T) {
	e := NewEmitter(WithHandlerTimeout(10 * time.Millisecond))
	started := make(chan struct{})
	e.On(ProcessTimeout, func(ctx context.Context, ev Event) {
		close(started)
		<-ctx.Done()
	})

	start := time.Now()
	e.Emit(context.Background(), Event{Name: ProcessTimeout})
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	<-started
}

func TestEmitter_HistoryIsBoundedPerRoom(t *testing.T) {
	e := NewEmitter(WithRingSize(3))
	roomID := model.NewID[model.RoomID]()
	for i := 0; i < 5; i++ {
		e.Emit(context.Background(), Event{Name: EventBlocked, RoomID: &roomID})
	}
	assert.Len(t, e.History(roomID), 3)
}

func TestEmitter_HistoryScopedToRoom(t *testing.T) {
	e := NewEmitter()
	roomA := model.NewID[model.RoomID]()
	roomB := model.NewID[model.RoomID]()
	e.Emit(context.Background(), Event{Name: RoomCreated, RoomID: &roomA})
	assert.Empty(t, e.History(roomB))
	assert.Len(t, e.History(roomA), 1)
}
