// Package realtime implements the ephemeral pub/sub bus for
// typing/presence/read-receipt notifications that are fanned out to a
// room's current subscribers without being persisted. The default is a
// per-room subscriber map with the lock dropped before fan-out; the
// redisbus subpackage swaps in a remote pub/sub behind the same Bus
// interface.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomkit/conversation/internal/v1/logging"
	"github.com/roomkit/conversation/internal/v1/metrics"
	"github.com/roomkit/conversation/internal/v1/model"
)

// EphemeralType enumerates the ephemeral event kinds.
type EphemeralType string

const (
	TypingStart     EphemeralType = "typing_start"
	TypingStop      EphemeralType = "typing_stop"
	PresenceOnline  EphemeralType = "presence_online"
	PresenceAway    EphemeralType = "presence_away"
	PresenceOffline EphemeralType = "presence_offline"
	ReadReceipt     EphemeralType = "read_receipt"
	Custom          EphemeralType = "custom"
)

// EphemeralEvent is never persisted; it only ever exists in transit
// through a Bus.
type EphemeralEvent struct {
	ID        string
	RoomID    model.RoomID
	Type      EphemeralType
	UserID    string
	ChannelID model.ChannelID
	Data      map[string]any
	Timestamp time.Time
}

// Callback receives ephemeral events for one subscription. It must not
// panic through the bus: Publish recovers and logs any panic raised by
// a callback instead of letting it propagate.
type Callback func(EphemeralEvent)

// Bus is the pub/sub contract.
type Bus interface {
	Publish(ctx context.Context, roomID model.RoomID, ev EphemeralEvent) error
	Subscribe(roomID model.RoomID, cb Callback) (string, error)
	Unsubscribe(id string) error
	Close() error
}

// ErrClosed is returned by Publish/Subscribe once Close has been called.
var ErrClosed = errors.New("realtime: bus closed")

type subscription struct {
	id     string
	roomID model.RoomID
	mu     *sync.Mutex // serializes this subscriber's callback invocations
	cb     Callback
}

type roomTopic struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// InProcessBus is the reference, default Bus implementation: in-process
// only, with no cross-process coordination, built around a per-room map
// of subscriber callbacks.
type InProcessBus struct {
	mu     sync.RWMutex
	topics map[model.RoomID]*roomTopic
	byID   map[string]model.RoomID
	nextID uint64
	closed bool
}

// New constructs an empty InProcessBus.
func New() *InProcessBus {
	return &InProcessBus{
		topics: make(map[model.RoomID]*roomTopic),
		byID:   make(map[string]model.RoomID),
	}
}

func (b *InProcessBus) topicFor(roomID model.RoomID, createIfMissing bool) *roomTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[roomID]
	if !ok && createIfMissing {
		t = &roomTopic{subs: make(map[string]*subscription)}
		b.topics[roomID] = t
	}
	return t
}

// Subscribe registers cb for roomID and returns a subscription id usable
// with Unsubscribe.
func (b *InProcessBus) Subscribe(roomID model.RoomID, cb Callback) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.nextID++
	sid := idString(b.nextID)
	b.byID[sid] = roomID
	b.mu.Unlock()

	t := b.topicFor(roomID, true)
	t.mu.Lock()
	t.subs[sid] = &subscription{id: sid, roomID: roomID, mu: &sync.Mutex{}, cb: cb}
	t.mu.Unlock()

	metrics.RealtimeSubscribers.WithLabelValues(string(roomID)).Inc()
	return sid, nil
}

func idString(n uint64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n%uint64(len(alphabet))]
		n /= uint64(len(alphabet))
	}
	return "sub_" + string(buf[i:])
}

// Unsubscribe removes the subscription with the given id, a no-op if it
// no longer exists.
func (b *InProcessBus) Unsubscribe(id string) error {
	b.mu.Lock()
	roomID, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	t := b.topicFor(roomID, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	delete(t.subs, id)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		b.mu.Lock()
		delete(b.topics, roomID)
		b.mu.Unlock()
	}
	metrics.RealtimeSubscribers.WithLabelValues(string(roomID)).Dec()
	return nil
}

// Publish fans ev out to every current subscriber of roomID without
// persisting it. Delivery to a single subscriber preserves publish
// order; cross-subscriber ordering between concurrent Publish calls is
// unspecified.
func (b *InProcessBus) Publish(ctx context.Context, roomID model.RoomID, ev EphemeralEvent) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	t := b.topicFor(roomID, false)
	if t == nil {
		metrics.RealtimePublished.WithLabelValues(string(ev.Type)).Inc()
		return nil
	}

	t.mu.RLock()
	targets := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	for _, s := range targets {
		invoke(ctx, s, ev)
	}
	metrics.RealtimePublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// invoke calls s.cb(ev) under the subscription's own mutex, so that two
// concurrent Publish calls never interleave delivery to the same
// subscriber, and recovers any panic the callback raises.
func invoke(ctx context.Context, s *subscription, ev EphemeralEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "realtime subscriber callback panicked",
				zap.Any("panic", r), zap.String("subscription_id", s.id))
		}
	}()
	s.cb(ev)
}

// Close stops the bus: further Publish/Subscribe calls return
// ErrClosed. Already-delivered callbacks are unaffected.
func (b *InProcessBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[model.RoomID]*roomTopic)
	b.byID = make(map[string]model.RoomID)
	return nil
}

var _ Bus = (*InProcessBus)(nil)
