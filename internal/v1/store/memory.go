package store

import (
	"container/list"
	"context"
	"sync"

	"github.com/roomkit/conversation/internal/v1/model"
)

// roomRecord bundles one room's mutable state behind a single mutex
// rather than one lock per collection.
type roomRecord struct {
	mu sync.RWMutex

	room model.Room

	history     *list.List // of model.RoomEvent, ordered by Index
	byID        map[model.EventID]*list.Element
	byIdemKey   map[string]model.EventID
	nextIndex   int

	bindings     map[model.ChannelID]model.ChannelBinding
	participants map[model.ParticipantID]model.Participant
	tasks        map[model.TaskID]model.Task
	observations []model.Observation
}

func newRoomRecord(room model.Room) *roomRecord {
	return &roomRecord{
		room:         room,
		history:      list.New(),
		byID:         make(map[model.EventID]*list.Element),
		byIdemKey:    make(map[string]model.EventID),
		bindings:     make(map[model.ChannelID]model.ChannelBinding),
		participants: make(map[model.ParticipantID]model.Participant),
		tasks:        make(map[model.TaskID]model.Task),
	}
}

// MemoryStore is the in-memory reference Store implementation. It is the
// only Store this module ships; durable backends are a host concern
type MemoryStore struct {
	mu          sync.RWMutex
	rooms       map[model.RoomID]*roomRecord
	channelRoom map[model.ChannelID]model.RoomID // channel_id is globally unique

	identitiesMu sync.RWMutex
	identities   map[model.IdentityID]model.Identity
	byAddress    map[model.ChannelAddress]model.IdentityID
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:       make(map[model.RoomID]*roomRecord),
		channelRoom: make(map[model.ChannelID]model.RoomID),
		identities:  make(map[model.IdentityID]model.Identity),
		byAddress:   make(map[model.ChannelAddress]model.IdentityID),
	}
}

func (s *MemoryStore) getRoomRecord(id model.RoomID) (*roomRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[id]
	return rec, ok
}

func (s *MemoryStore) CreateRoom(_ context.Context, room model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[room.ID]; exists {
		return s.rooms[room.ID].updateRoom(room)
	}
	room.LatestIndex = -1
	s.rooms[room.ID] = newRoomRecord(room)
	return nil
}

func (rec *roomRecord) updateRoom(room model.Room) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.room = room
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id model.RoomID) (model.Room, error) {
	rec, ok := s.getRoomRecord(id)
	if !ok {
		return model.Room{}, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.room, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, room model.Room) error {
	rec, ok := s.getRoomRecord(room.ID)
	if !ok {
		return ErrNotFound
	}
	return rec.updateRoom(room)
}

func (s *MemoryStore) DeleteRoom(_ context.Context, id model.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[id]
	if !ok {
		return ErrNotFound
	}
	rec.mu.RLock()
	for channelID := range rec.bindings {
		delete(s.channelRoom, channelID)
	}
	rec.mu.RUnlock()
	delete(s.rooms, id)
	return nil
}

func (s *MemoryStore) FindRoomByChannel(_ context.Context, channelID model.ChannelID) (model.Room, error) {
	s.mu.RLock()
	roomID, ok := s.channelRoom[channelID]
	rec := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return model.Room{}, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.room, nil
}

func (s *MemoryStore) FindLatestRoom(_ context.Context, channelType string, participantID *model.ParticipantID) (model.Room, error) {
	s.mu.RLock()
	recs := make([]*roomRecord, 0, len(s.rooms))
	for _, rec := range s.rooms {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	var best *model.Room
	for _, rec := range recs {
		rec.mu.RLock()
		room := rec.room
		matched := false
		for _, b := range rec.bindings {
			if b.ChannelType != channelType {
				continue
			}
			if participantID != nil {
				if b.ParticipantID == nil || *b.ParticipantID != *participantID {
					continue
				}
			}
			matched = true
			break
		}
		rec.mu.RUnlock()
		if !matched {
			continue
		}
		if best == nil || room.UpdatedAt.After(best.UpdatedAt) {
			r := room
			best = &r
		}
	}
	if best == nil {
		return model.Room{}, ErrNotFound
	}
	return *best, nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Room, 0, len(s.rooms))
	for _, rec := range s.rooms {
		rec.mu.RLock()
		out = append(out, rec.room)
		rec.mu.RUnlock()
	}
	return out, nil
}

func (s *MemoryStore) NextIndex(_ context.Context, roomID model.RoomID) (int, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return 0, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	idx := rec.nextIndex
	rec.nextIndex++
	return idx, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event model.RoomEvent) error {
	rec, ok := s.getRoomRecord(event.RoomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if event.IdempotencyKey != "" {
		if _, exists := rec.byIdemKey[event.IdempotencyKey]; exists {
			return ErrIdempotencyConflict
		}
		rec.byIdemKey[event.IdempotencyKey] = event.ID
	}

	elem := rec.history.PushBack(event)
	rec.byID[event.ID] = elem
	rec.room.EventCount++
	if event.Index > rec.room.LatestIndex {
		rec.room.LatestIndex = event.Index
	}
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, roomID model.RoomID, id model.EventID) (model.RoomEvent, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return model.RoomEvent{}, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	elem, ok := rec.byID[id]
	if !ok {
		return model.RoomEvent{}, ErrNotFound
	}
	return elem.Value.(model.RoomEvent), nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, roomID model.RoomID, key string) (model.RoomEvent, bool, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return model.RoomEvent{}, false, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	id, ok := rec.byIdemKey[key]
	if !ok {
		return model.RoomEvent{}, false, nil
	}
	return rec.byID[id].Value.(model.RoomEvent), true, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, roomID model.RoomID, sinceIndex int, limit int) ([]model.RoomEvent, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	var out []model.RoomEvent
	for e := rec.history.Front(); e != nil; e = e.Next() {
		ev := e.Value.(model.RoomEvent)
		if ev.Index <= sinceIndex {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateEventStatus(_ context.Context, roomID model.RoomID, id model.EventID, status model.EventStatus, blockedBy string) error {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	elem, ok := rec.byID[id]
	if !ok {
		return ErrNotFound
	}
	ev := elem.Value.(model.RoomEvent)
	ev.Status = status
	ev.BlockedBy = blockedBy
	elem.Value = ev
	return nil
}

func (s *MemoryStore) GetEventCount(_ context.Context, roomID model.RoomID) (int, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return 0, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.room.EventCount, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, roomID model.RoomID, channelID model.ChannelID, index int) error {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.markReadLocked(channelID, index)
}

func (s *MemoryStore) MarkAllRead(_ context.Context, roomID model.RoomID, channelID model.ChannelID) error {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.markReadLocked(channelID, rec.room.LatestIndex)
}

// markReadLocked advances the binding's LastReadIndex, never backwards.
func (rec *roomRecord) markReadLocked(channelID model.ChannelID, index int) error {
	b, ok := rec.bindings[channelID]
	if !ok {
		return ErrNotFound
	}
	if b.LastReadIndex != nil && *b.LastReadIndex >= index {
		return nil
	}
	b.LastReadIndex = &index
	rec.bindings[channelID] = b
	return nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, roomID model.RoomID, channelID model.ChannelID) (int, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return 0, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	b, ok := rec.bindings[channelID]
	if !ok {
		return 0, ErrNotFound
	}
	lastRead := -1
	if b.LastReadIndex != nil {
		lastRead = *b.LastReadIndex
	}
	count := 0
	for e := rec.history.Back(); e != nil; e = e.Prev() {
		if e.Value.(model.RoomEvent).Index <= lastRead {
			break
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) AttachBinding(_ context.Context, binding model.ChannelBinding) error {
	rec, ok := s.getRoomRecord(binding.RoomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.bindings[binding.ChannelID] = binding
	rec.mu.Unlock()

	s.mu.Lock()
	s.channelRoom[binding.ChannelID] = binding.RoomID
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DetachBinding(_ context.Context, roomID model.RoomID, channelID model.ChannelID) error {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	_, exists := rec.bindings[channelID]
	if exists {
		delete(rec.bindings, channelID)
	}
	rec.mu.Unlock()
	if !exists {
		return ErrNotFound
	}

	s.mu.Lock()
	delete(s.channelRoom, channelID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetBinding(_ context.Context, roomID model.RoomID, channelID model.ChannelID) (model.ChannelBinding, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return model.ChannelBinding{}, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	b, ok := rec.bindings[channelID]
	if !ok {
		return model.ChannelBinding{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) UpdateBinding(ctx context.Context, binding model.ChannelBinding) error {
	return s.AttachBinding(ctx, binding)
}

func (s *MemoryStore) ListBindings(_ context.Context, roomID model.RoomID) ([]model.ChannelBinding, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := make([]model.ChannelBinding, 0, len(rec.bindings))
	for _, b := range rec.bindings {
		out = append(out, b)
	}
	return out, nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, participant model.Participant) error {
	rec, ok := s.getRoomRecord(participant.RoomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.participants[participant.ID] = participant
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, roomID model.RoomID, id model.ParticipantID) (model.Participant, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return model.Participant{}, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	p, ok := rec.participants[id]
	if !ok {
		return model.Participant{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, roomID model.RoomID) ([]model.Participant, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := make([]model.Participant, 0, len(rec.participants))
	for _, p := range rec.participants {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) UpsertIdentity(_ context.Context, identity model.Identity) error {
	s.identitiesMu.Lock()
	defer s.identitiesMu.Unlock()
	s.identities[identity.ID] = identity
	for _, addr := range identity.ChannelAddresses {
		s.byAddress[addr] = identity.ID
	}
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id model.IdentityID) (model.Identity, error) {
	s.identitiesMu.RLock()
	defer s.identitiesMu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return model.Identity{}, ErrNotFound
	}
	return ident, nil
}

func (s *MemoryStore) FindIdentityByAddress(_ context.Context, addr model.ChannelAddress) (model.Identity, bool, error) {
	s.identitiesMu.RLock()
	defer s.identitiesMu.RUnlock()
	id, ok := s.byAddress[addr]
	if !ok {
		return model.Identity{}, false, nil
	}
	return s.identities[id], true, nil
}

func (s *MemoryStore) LinkIdentityAddress(_ context.Context, id model.IdentityID, addr model.ChannelAddress) error {
	s.identitiesMu.Lock()
	defer s.identitiesMu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range ident.ChannelAddresses {
		if existing == addr {
			return nil
		}
	}
	ident.ChannelAddresses = append(ident.ChannelAddresses, addr)
	s.identities[id] = ident
	s.byAddress[addr] = id
	return nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task model.Task) error {
	rec, ok := s.getRoomRecord(task.RoomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task model.Task) error {
	return s.CreateTask(ctx, task)
}

func (s *MemoryStore) ListTasks(_ context.Context, roomID model.RoomID) ([]model.Task, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := make([]model.Task, 0, len(rec.tasks))
	for _, t := range rec.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) ListTasksByStatus(_ context.Context, roomID model.RoomID, status model.TaskStatus) ([]model.Task, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	var out []model.Task
	for _, t := range rec.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateObservation(_ context.Context, obs model.Observation) error {
	rec, ok := s.getRoomRecord(obs.RoomID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.observations = append(rec.observations, obs)
	return nil
}

func (s *MemoryStore) ListObservations(_ context.Context, roomID model.RoomID) ([]model.Observation, error) {
	rec, ok := s.getRoomRecord(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := make([]model.Observation, len(rec.observations))
	copy(out, rec.observations)
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
