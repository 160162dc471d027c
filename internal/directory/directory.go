// Package directory resolves external meeting ids to call room ids.
//
// This is the single pull the signaling core makes on the surrounding
// system: "which room does this meeting use". The mapping is minted on
// first resolve and persisted with a TTL so expired meetings stop being
// joinable.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrRoomNotFound    = errors.New("directory: room not found")
	ErrMeetingNotFound = errors.New("directory: meeting not found")
)

// Store persists the meeting<->room mapping. Implementations must treat
// PutIfAbsent as atomic so concurrent first-resolves of the same meeting
// converge on one room id.
type Store interface {
	// RoomForMeeting returns the room id, or ErrMeetingNotFound.
	RoomForMeeting(ctx context.Context, meetingID string) (string, error)

	// PutIfAbsent stores the mapping in both directions unless the meeting
	// already has a room. It reports whether the write won.
	PutIfAbsent(ctx context.Context, meetingID, roomID string) (bool, error)

	// MeetingForRoom returns the owning meeting id, or ErrRoomNotFound.
	MeetingForRoom(ctx context.Context, roomID string) (string, error)
}

type Directory struct {
	store Store

	// newRoomID is swappable for tests.
	newRoomID func(meetingID string) string
}

func New(store Store) *Directory {
	return &Directory{
		store:     store,
		newRoomID: defaultRoomID,
	}
}

func defaultRoomID(meetingID string) string {
	return fmt.Sprintf("meeting-%s-%s", meetingID, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Resolve returns the room id for a meeting, minting and persisting one on
// first use. The second return reports whether this call created the room.
func (d *Directory) Resolve(ctx context.Context, meetingID string) (string, bool, error) {
	if strings.TrimSpace(meetingID) == "" {
		return "", false, ErrMeetingNotFound
	}

	roomID, err := d.store.RoomForMeeting(ctx, meetingID)
	if err == nil {
		return roomID, false, nil
	}
	if !errors.Is(err, ErrMeetingNotFound) {
		return "", false, err
	}

	candidate := d.newRoomID(meetingID)
	won, err := d.store.PutIfAbsent(ctx, meetingID, candidate)
	if err != nil {
		return "", false, err
	}
	if won {
		return candidate, true, nil
	}

	// Lost the race; somebody else minted the mapping.
	roomID, err = d.store.RoomForMeeting(ctx, meetingID)
	if err != nil {
		return "", false, err
	}
	return roomID, false, nil
}

// RoomExists reports whether a room id is currently valid (its meeting
// mapping has not expired).
func (d *Directory) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if strings.TrimSpace(roomID) == "" {
		return false, nil
	}
	_, err := d.store.MeetingForRoom(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
