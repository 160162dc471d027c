package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	meetingKeyPrefix = "callmesh:meeting:"
	roomKeyPrefix    = "callmesh:room:"
)

// RedisStore keeps the meeting<->room mapping in Redis with a TTL, so every
// callmeshd replica resolves a meeting to the same room.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) RoomForMeeting(ctx context.Context, meetingID string) (string, error) {
	roomID, err := s.client.Get(ctx, meetingKeyPrefix+meetingID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMeetingNotFound
	}
	if err != nil {
		return "", err
	}
	return roomID, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, meetingID, roomID string) (bool, error) {
	won, err := s.client.SetNX(ctx, meetingKeyPrefix+meetingID, roomID, s.ttl).Result()
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	// The reverse mapping is a lookup aid, not an invariant carrier; a plain
	// SET with the same TTL is enough.
	if err := s.client.Set(ctx, roomKeyPrefix+roomID, meetingID, s.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) MeetingForRoom(ctx context.Context, roomID string) (string, error) {
	meetingID, err := s.client.Get(ctx, roomKeyPrefix+roomID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRoomNotFound
	}
	if err != nil {
		return "", err
	}
	return meetingID, nil
}
