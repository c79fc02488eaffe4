package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TypingKeyTTL bounds a typing hash left behind by a vanished room; it is
	// not an indicator timeout.
	TypingKeyTTL = time.Hour

	typingRoomsKey = "typing_rooms"
)

// TypingCache stores typing:<room> hashes of username -> unix millis.
type TypingCache struct {
	redis *RedisCache
}

func NewTypingCache(redis *RedisCache) *TypingCache {
	return &TypingCache{redis: redis}
}

func typingKey(roomID string) string { return "typing:" + roomID }

// Start upserts the user's typing timestamp.
func (tc *TypingCache) Start(ctx context.Context, roomID, username string, at time.Time) error {
	key := typingKey(roomID)
	_, err := tc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, username, at.UnixMilli())
		pipe.Expire(ctx, key, TypingKeyTTL)
		pipe.SAdd(ctx, typingRoomsKey, roomID)
		return nil
	})
	return err
}

// Stop removes the entry and reports whether one existed.
func (tc *TypingCache) Stop(ctx context.Context, roomID, username string) (bool, error) {
	n, err := tc.redis.HashDelete(ctx, typingKey(roomID), username)
	return n > 0, err
}

// stopIfStale deletes a typing field only while its stamp is at or before
// the cutoff, so a refresh racing the sweep survives.
var stopIfStale = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v and tonumber(v) <= tonumber(ARGV[2]) then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// StopIfStale removes the entry when it was last signalled at or before
// cutoff and reports whether it did.
func (tc *TypingCache) StopIfStale(ctx context.Context, roomID, username string, cutoff time.Time) (bool, error) {
	n, err := tc.redis.RunScript(ctx, stopIfStale, []string{typingKey(roomID)}, username, cutoff.UnixMilli()).Int64()
	return n > 0, err
}

// Typers returns who is typing in the room and when they last signalled.
func (tc *TypingCache) Typers(ctx context.Context, roomID string) (map[string]time.Time, error) {
	raw, err := tc.redis.HashGetAll(ctx, typingKey(roomID))
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(raw))
	for user, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[user] = time.UnixMilli(ms)
	}
	return out, nil
}

// Rooms lists rooms that may hold typing entries.
func (tc *TypingCache) Rooms(ctx context.Context) ([]string, error) {
	return tc.redis.SetMembers(ctx, typingRoomsKey)
}

// ForgetRoomIfIdle drops the room from the index when its hash is empty. A
// concurrent Start re-adds it.
func (tc *TypingCache) ForgetRoomIfIdle(ctx context.Context, roomID string) error {
	if _, err := tc.redis.SetRemove(ctx, typingRoomsKey, roomID); err != nil {
		return err
	}
	n, err := tc.redis.HashLen(ctx, typingKey(roomID))
	if err != nil {
		return err
	}
	if n > 0 {
		_, err = tc.redis.SetAdd(ctx, typingRoomsKey, roomID)
	}
	return err
}
