package store

import (
	"context"
	"sync"
	"time"

	"e2ee-sessions/internal/domain"
)

// MemoryStore keeps all room state in process memory. It is the default
// backend: state dies with the process, which matches the ephemeral nature
// of rooms.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[string]*memoryRoom
	messages map[string][]domain.Message
}

type memoryRoom struct {
	mu   sync.Mutex
	room domain.Room
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]*memoryRoom),
		messages: make(map[string][]domain.Message),
	}
}

func (s *MemoryStore) Put(ctx context.Context, room domain.Room, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return ErrRoomExists
	}
	s.rooms[room.ID] = &memoryRoom{room: cloneRoom(room)}
	s.messages[room.ID] = nil
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, roomID string) (domain.Room, error) {
	s.mu.RLock()
	entry, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return domain.Room{}, ErrRoomAbsent
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneRoom(entry.room), nil
}

func (s *MemoryStore) Update(ctx context.Context, roomID string, fn func(*domain.Room) error) (domain.Room, error) {
	s.mu.RLock()
	entry, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return domain.Room{}, ErrRoomAbsent
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	next := cloneRoom(entry.room)
	if err := fn(&next); err != nil {
		return domain.Room{}, err
	}
	entry.room = next
	return cloneRoom(next), nil
}

func (s *MemoryStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	delete(s.messages, roomID)
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []string
	for id, entry := range s.rooms {
		entry.mu.Lock()
		if entry.room.Status == domain.RoomActive && !entry.room.ExpiresAt.After(now) {
			expired = append(expired, id)
		}
		entry.mu.Unlock()
	}
	return expired, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []domain.Room
	for _, entry := range s.rooms {
		entry.mu.Lock()
		if entry.room.Status == domain.RoomActive {
			active = append(active, cloneRoom(entry.room))
		}
		entry.mu.Unlock()
	}
	return active, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, roomID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomAbsent
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, roomID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil, ErrRoomAbsent
	}
	msgs := s.messages[roomID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Healthy(ctx context.Context) error { return nil }

func cloneRoom(r domain.Room) domain.Room {
	out := r
	out.Participants = make([]domain.Participant, len(r.Participants))
	copy(out.Participants, r.Participants)
	return out
}
