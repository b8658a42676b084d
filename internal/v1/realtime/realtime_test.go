package realtime

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomkit/conversation/internal/v1/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInProcessBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New()
	roomID := model.NewID[model.RoomID]()

	var mu sync.Mutex
	var got []EphemeralEvent
	_, err := b.Subscribe(roomID, func(ev EphemeralEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), roomID, EphemeralEvent{Type: TypingStart, UserID: "u1"}))
	require.NoError(t, b.Publish(context.Background(), roomID, EphemeralEvent{Type: TypingStop, UserID: "u1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, TypingStart, got[0].Type)
	assert.Equal(t, TypingStop, got[1].Type)
}

func TestInProcessBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	roomID := model.NewID[model.RoomID]()

	var count int
	var mu sync.Mutex
	id, err := b.Subscribe(roomID, func(ev EphemeralEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), roomID, EphemeralEvent{Type: ReadReceipt}))
	require.NoError(t, b.Unsubscribe(id))
	require.NoError(t, b.Publish(context.Background(), roomID, EphemeralEvent{Type: ReadReceipt}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestInProcessBus_PublishWithNoSubscribersIsNoop(t *testing.T) {
	b := New()
	require.NoError(t, b.Publish(context.Background(), model.NewID[model.RoomID](), EphemeralEvent{Type: PresenceOnline}))
}

func TestInProcessBus_PublishDoesNotCrossRooms(t *testing.T) {
	b := New()
	roomA := model.NewID[model.RoomID]()
	roomB := model.NewID[model.RoomID]()

	var gotB bool
	_, err := b.Subscribe(roomB, func(ev EphemeralEvent) { gotB = true })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), roomA, EphemeralEvent{Type: TypingStart}))
	assert.False(t, gotB)
}

func TestInProcessBus_CallbackPanicIsCaught(t *testing.T) {
	b := New()
	roomID := model.NewID[model.RoomID]()

	_, err := b.Subscribe(roomID, func(ev EphemeralEvent) {
		panic("boom")
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, b.Publish(context.Background(), roomID, EphemeralEvent{Type: Custom}))
	})
}

func TestInProcessBus_ClosePreventsFurtherUse(t *testing.T) {
	b := New()
	roomID := model.NewID[model.RoomID]()
	require.NoError(t, b.Close())

	_, err := b.Subscribe(roomID, func(ev EphemeralEvent) {})
	assert.ErrorIs(t, err, ErrClosed)

	err = b.Publish(context.Background(), roomID, EphemeralEvent{})
	assert.ErrorIs(t, err, ErrClosed)
}
