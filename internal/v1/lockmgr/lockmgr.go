// Package lockmgr hands out a per-room exclusive section for the
// pipeline's process_timeout-bounded critical section. Its registry of
// per-room mutexes is bounded by an LRU list, so a host embedding this
// module for many short-lived rooms doesn't leak one mutex per room
// forever.
package lockmgr

import (
	"container/list"
	"context"
	"sync"

	"github.com/roomkit/conversation/internal/v1/model"
)

// DefaultMaxEntries is the default registry size.
const DefaultMaxEntries = 1024

type entry struct {
	roomID model.RoomID
	mu     sync.Mutex
	inUse  int // number of goroutines currently holding or waiting on mu
}

// Manager hands out per-room *sync.Mutex-backed sections and evicts the
// least recently used idle (inUse == 0) entries once the registry grows
// past maxEntries.
type Manager struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[model.RoomID]*list.Element // value is *entry
	lru        *list.List                     // front = most recently used
}

// New constructs a Manager bounded to maxEntries rooms. A maxEntries <= 0
// uses DefaultMaxEntries.
func New(maxEntries int) *Manager {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Manager{
		maxEntries: maxEntries,
		entries:    make(map[model.RoomID]*list.Element),
		lru:        list.New(),
	}
}

// Release unlocks the section acquired for roomID and allows the entry
// to be evicted once idle.
type Release func()

// Acquire blocks until the exclusive section for roomID is held or ctx
// is done, whichever comes first. The returned Release must be called
// exactly once to free the section.
func (m *Manager) Acquire(ctx context.Context, roomID model.RoomID) (Release, error) {
	e := m.checkout(roomID)

	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return func() { m.release(roomID, e) }, nil
	case <-ctx.Done():
		// The goroutine above may still acquire the lock later; drain it
		// asynchronously so it isn't leaked. Its release also undoes the
		// inUse count from checkout, so no further bookkeeping here.
		go func() {
			<-done
			m.release(roomID, e)
		}()
		return nil, ctx.Err()
	}
}

func (m *Manager) checkout(roomID model.RoomID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[roomID]; ok {
		m.lru.MoveToFront(elem)
		e := elem.Value.(*entry)
		e.inUse++
		return e
	}

	e := &entry{roomID: roomID, inUse: 1}
	elem := m.lru.PushFront(e)
	m.entries[roomID] = elem
	m.evictLocked()
	return e
}

func (m *Manager) release(roomID model.RoomID, e *entry) {
	e.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	e.inUse--
	m.evictLocked()
}

// evictLocked drops least-recently-used idle entries until the registry
// is within maxEntries. Entries currently in use are never evicted, so
// the registry can transiently exceed maxEntries under heavy concurrent
// access to distinct rooms.
func (m *Manager) evictLocked() {
	for len(m.entries) > m.maxEntries {
		elem := m.lru.Back()
		if elem == nil {
			return
		}
		e := elem.Value.(*entry)
		if e.inUse > 0 {
			// Can't evict something in use; nothing further back is any
			// more evictable in the common LRU ordering, so stop.
			return
		}
		m.lru.Remove(elem)
		delete(m.entries, e.roomID)
	}
}

// Len reports the number of rooms currently tracked, for tests and
// metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
