// Package room tracks which participants are connected to which call room
// and fans signaling messages out to them.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrRoomFull = errors.New("room: participant limit reached")

// Participant is the membership record broadcast to room members.
type Participant struct {
	ID           string    `json:"participant_id"`
	DisplayName  string    `json:"display_name"`
	JoinedAt     time.Time `json:"joined_at"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
}

// Conn is the registry's handle to a participant's signaling channel.
//
// Send must not block: implementations enqueue into a bounded buffer and
// report false when the buffer is full or the channel is gone. The registry
// treats a failed send as that member's problem, never the room's.
type Conn interface {
	Send(data []byte) bool
}

type member struct {
	participant Participant
	conn        Conn
}

// Room holds one call's connected participants. Mutation serializes on mu;
// broadcasts only read the member map and may run concurrently with each
// other.
type Room struct {
	id string

	mu      sync.RWMutex
	members map[string]*member
}

// Registry is the authoritative room -> participants mapping. Rooms come
// into existence on first join and vanish when the last member leaves; the
// meeting directory decides which room ids are valid at all.
type Registry struct {
	mu              sync.Mutex
	rooms           map[string]*Room
	maxParticipants int
}

func NewRegistry(maxParticipants int) *Registry {
	return &Registry{
		rooms:           make(map[string]*Room),
		maxParticipants: maxParticipants,
	}
}

// Join admits a participant and returns a snapshot of the members that were
// already present, ordered by join time. Joining with a participant id that
// is already connected replaces the previous connection (same user on a new
// channel); the displaced Conn receives no further messages.
func (reg *Registry) Join(roomID string, p Participant, c Conn) ([]Participant, error) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		r = &Room{id: roomID, members: make(map[string]*member)}
		reg.rooms[roomID] = r
	}
	reg.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replacing := r.members[p.ID]
	if !replacing && reg.maxParticipants > 0 && len(r.members) >= reg.maxParticipants {
		return nil, ErrRoomFull
	}

	existing := make([]Participant, 0, len(r.members))
	for id, m := range r.members {
		if id == p.ID {
			continue
		}
		existing = append(existing, m.participant)
	}
	sort.Slice(existing, func(i, j int) bool {
		return existing[i].JoinedAt.Before(existing[j].JoinedAt)
	})

	r.members[p.ID] = &member{participant: p, conn: c}
	return existing, nil
}

// Leave removes the participant and reports whether they were present. The
// Conn guard makes leave idempotent across connection replacement: a stale
// channel tearing down after its participant rejoined must not evict the new
// connection.
func (reg *Registry) Leave(roomID, participantID string, c Conn) bool {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	m, present := r.members[participantID]
	if present && (c == nil || m.conn == c) {
		delete(r.members, participantID)
	} else {
		present = false
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		reg.mu.Lock()
		// Re-check under the registry lock; a join may have raced the leave.
		r.mu.RLock()
		if len(r.members) == 0 && reg.rooms[roomID] == r {
			delete(reg.rooms, roomID)
		}
		r.mu.RUnlock()
		reg.mu.Unlock()
	}

	return present
}

// Broadcast fans data out to every member except the excluded participant id
// and returns how many sends were enqueued.
func (reg *Registry) Broadcast(roomID string, exclude string, data []byte) int {
	r := reg.room(roomID)
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for id, m := range r.members {
		if id == exclude {
			continue
		}
		if m.conn.Send(data) {
			sent++
		}
	}
	return sent
}

// SendTo delivers data to exactly one member. Returns false when the target
// is not currently connected (the caller drops the message, per the relay's
// best-effort contract).
func (reg *Registry) SendTo(roomID, participantID string, data []byte) bool {
	r := reg.room(roomID)
	if r == nil {
		return false
	}

	r.mu.RLock()
	m, ok := r.members[participantID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return m.conn.Send(data)
}

// SetAudioEnabled records a participant's audio toggle so that later joiners
// learn the current flags from their join snapshot.
func (reg *Registry) SetAudioEnabled(roomID, participantID string, enabled bool) {
	reg.updateParticipant(roomID, participantID, func(p *Participant) {
		p.AudioEnabled = enabled
	})
}

func (reg *Registry) SetVideoEnabled(roomID, participantID string, enabled bool) {
	reg.updateParticipant(roomID, participantID, func(p *Participant) {
		p.VideoEnabled = enabled
	})
}

func (reg *Registry) updateParticipant(roomID, participantID string, fn func(*Participant)) {
	r := reg.room(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	if m, ok := r.members[participantID]; ok {
		fn(&m.participant)
	}
	r.mu.Unlock()
}

// Participants returns the current membership ordered by join time.
func (reg *Registry) Participants(roomID string) []Participant {
	r := reg.room(roomID)
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.participant)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Count returns how many participants are connected to the room.
func (reg *Registry) Count(roomID string) int {
	r := reg.room(roomID)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (reg *Registry) room(roomID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[roomID]
}
