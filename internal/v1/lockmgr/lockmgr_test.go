package lockmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomkit/conversation/internal/v1/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestManager_ExcludesConcurrentAccessToSameRoom(t *testing.T) {
	mgr := New(0)
	roomID := model.NewID[model.RoomID]()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := mgr.Acquire(context.Background(), roomID)
			require.NoError(t, err)
			defer release()

			current := counter
			time.Sleep(time.Millisecond)
			counter = current + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}

func TestManager_DistinctRoomsDoNotBlockEachOther(t *testing.T) {
	mgr := New(0)
	roomA := model.NewID[model.RoomID]()
	roomB := model.NewID[model.RoomID]()

	releaseA, err := mgr.Acquire(context.Background(), roomA)
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	releaseB, err := mgr.Acquire(ctx, roomB)
	require.NoError(t, err)
	releaseB()
}

func TestManager_AcquireRespectsContextCancellation(t *testing.T) {
	mgr := New(0)
	roomID := model.NewID[model.RoomID]()

	release, err := mgr.Acquire(context.Background(), roomID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = mgr.Acquire(ctx, roomID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
}

func TestManager_EvictsIdleEntriesPastMaxEntries(t *testing.T) {
	mgr := New(2)

	roomA := model.NewID[model.RoomID]()
	roomB := model.NewID[model.RoomID]()
	roomC := model.NewID[model.RoomID]()

	for _, id := range []model.RoomID{roomA, roomB, roomC} {
		release, err := mgr.Acquire(context.Background(), id)
		require.NoError(t, err)
		release()
	}

	assert.LessOrEqual(t, mgr.Len(), 2)
}
