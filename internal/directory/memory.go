package directory

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process fallback used when Redis is not
// configured (dev mode, tests). Entries expire lazily on read.
type MemoryStore struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	byMeeting map[string]memoryEntry
	byRoom    map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:       ttl,
		now:       time.Now,
		byMeeting: make(map[string]memoryEntry),
		byRoom:    make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) RoomForMeeting(_ context.Context, meetingID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byMeeting[meetingID]
	if !ok || s.expired(e) {
		delete(s.byMeeting, meetingID)
		return "", ErrMeetingNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, meetingID, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byMeeting[meetingID]; ok && !s.expired(e) {
		return false, nil
	}

	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl)
	}
	s.byMeeting[meetingID] = memoryEntry{value: roomID, expiresAt: expiresAt}
	s.byRoom[roomID] = memoryEntry{value: meetingID, expiresAt: expiresAt}
	return true, nil
}

func (s *MemoryStore) MeetingForRoom(_ context.Context, roomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byRoom[roomID]
	if !ok || s.expired(e) {
		delete(s.byRoom, roomID)
		return "", ErrRoomNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}
