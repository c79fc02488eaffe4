package cache

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	SessionTTL  = 24 * time.Hour
	LastSeenTTL = 30 * 24 * time.Hour
	ActivityTTL = 24 * time.Hour

	onlineUsersKey = "online_users"
)

// PresenceCache holds session sets, the global online set, last-seen stamps
// and per-room online sets.
type PresenceCache struct {
	redis *RedisCache
}

// NewPresenceCache creates a new presence cache
func NewPresenceCache(redis *RedisCache) *PresenceCache {
	return &PresenceCache{redis: redis}
}

func sessionsKey(username string) string { return "user_sessions:" + username }
func lastSeenKey(username string) string { return "last_seen:" + username }
func roomUsersKey(roomID string) string  { return "room_users:" + roomID }

func roomLastSeenKey(roomID, username string) string {
	return "room_last_seen:" + roomID + ":" + username
}

func userActivityKey(username string) string { return "user_activity:" + username }

func roomActivityKey(roomID, username string) string {
	return "room_activity:" + roomID + ":" + username
}

// AddSession adds sessionID to the user's session set. It reports whether
// the session was new and the set size right after the add.
func (pc *PresenceCache) AddSession(ctx context.Context, username, sessionID string) (added bool, sessions int64, err error) {
	key := sessionsKey(username)
	var addCmd, cardCmd *redis.IntCmd
	_, err = pc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		addCmd = pipe.SAdd(ctx, key, sessionID)
		cardCmd = pipe.SCard(ctx, key)
		pipe.Expire(ctx, key, SessionTTL)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return addCmd.Val() == 1, cardCmd.Val(), nil
}

// RemoveSession removes sessionID and reports whether it was present and
// how many sessions remain.
func (pc *PresenceCache) RemoveSession(ctx context.Context, username, sessionID string) (removed bool, remaining int64, err error) {
	key := sessionsKey(username)
	var remCmd, cardCmd *redis.IntCmd
	_, err = pc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		remCmd = pipe.SRem(ctx, key, sessionID)
		cardCmd = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return remCmd.Val() == 1, cardCmd.Val(), nil
}

func (pc *PresenceCache) SessionCount(ctx context.Context, username string) (int64, error) {
	return pc.redis.SetCard(ctx, sessionsKey(username))
}

// RefreshSessions extends the session set TTL.
func (pc *PresenceCache) RefreshSessions(ctx context.Context, username string) error {
	return pc.redis.Expire(ctx, sessionsKey(username), SessionTTL)
}

func (pc *PresenceCache) MarkOnline(ctx context.Context, username string) error {
	_, err := pc.redis.SetAdd(ctx, onlineUsersKey, username)
	return err
}

func (pc *PresenceCache) MarkOffline(ctx context.Context, username string) error {
	_, err := pc.redis.SetRemove(ctx, onlineUsersKey, username)
	return err
}

// pruneOffline drops a user from the online set only while their session
// set is still gone, so a connect racing the prune keeps its entry.
var pruneOffline = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return redis.call('SREM', KEYS[1], ARGV[1])
end
return 0
`)

// OnlineUsers returns the global online set, sorted. Members whose session
// set expired, typically because an instance died without cleaning up, are
// pruned and left out.
func (pc *PresenceCache) OnlineUsers(ctx context.Context) ([]string, error) {
	members, err := pc.redis.SetMembers(ctx, onlineUsersKey)
	if err != nil {
		return nil, err
	}
	online := members[:0]
	for _, username := range members {
		live, err := pc.redis.Exists(ctx, sessionsKey(username))
		if err != nil {
			return nil, err
		}
		if live {
			online = append(online, username)
			continue
		}
		if err := pc.redis.RunScript(ctx, pruneOffline, []string{onlineUsersKey, sessionsKey(username)}, username).Err(); err != nil {
			return nil, err
		}
	}
	sort.Strings(online)
	return online, nil
}

func (pc *PresenceCache) SetLastSeen(ctx context.Context, username string, at time.Time) error {
	return pc.redis.Set(ctx, lastSeenKey(username), at.UTC().Format(time.RFC3339Nano), LastSeenTTL)
}

// LastSeen returns nil when no stamp is recorded.
func (pc *PresenceCache) LastSeen(ctx context.Context, username string) (*time.Time, error) {
	return pc.getTime(ctx, lastSeenKey(username))
}

func (pc *PresenceCache) RecordUserActivity(ctx context.Context, username string, at time.Time) error {
	return pc.redis.Set(ctx, userActivityKey(username), at.UTC().Format(time.RFC3339Nano), ActivityTTL)
}

func (pc *PresenceCache) RecordRoomActivity(ctx context.Context, roomID, username string, at time.Time) error {
	return pc.redis.Set(ctx, roomActivityKey(roomID, username), at.UTC().Format(time.RFC3339Nano), ActivityTTL)
}

func (pc *PresenceCache) LastActivity(ctx context.Context, username string) (*time.Time, error) {
	return pc.getTime(ctx, userActivityKey(username))
}

// JoinRoom adds username to the room's online set; true when newly added.
func (pc *PresenceCache) JoinRoom(ctx context.Context, roomID, username string) (bool, error) {
	n, err := pc.redis.SetAdd(ctx, roomUsersKey(roomID), username)
	return n == 1, err
}

// LeaveRoom removes username and stamps their room last-seen.
func (pc *PresenceCache) LeaveRoom(ctx context.Context, roomID, username string, at time.Time) (bool, error) {
	var remCmd *redis.IntCmd
	_, err := pc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		remCmd = pipe.SRem(ctx, roomUsersKey(roomID), username)
		pipe.Set(ctx, roomLastSeenKey(roomID, username), at.UTC().Format(time.RFC3339Nano), LastSeenTTL)
		return nil
	})
	if err != nil {
		return false, err
	}
	return remCmd.Val() == 1, nil
}

func (pc *PresenceCache) RoomUsers(ctx context.Context, roomID string) ([]string, error) {
	members, err := pc.redis.SetMembers(ctx, roomUsersKey(roomID))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (pc *PresenceCache) RoomCount(ctx context.Context, roomID string) (int64, error) {
	return pc.redis.SetCard(ctx, roomUsersKey(roomID))
}

func (pc *PresenceCache) IsInRoom(ctx context.Context, roomID, username string) (bool, error) {
	return pc.redis.SetIsMember(ctx, roomUsersKey(roomID), username)
}

func (pc *PresenceCache) RoomLastSeen(ctx context.Context, roomID, username string) (*time.Time, error) {
	return pc.getTime(ctx, roomLastSeenKey(roomID, username))
}

// ClearRoom drops the room's online set and every room last-seen stamp.
func (pc *PresenceCache) ClearRoom(ctx context.Context, roomID string) error {
	if err := pc.redis.Delete(ctx, roomUsersKey(roomID)); err != nil {
		return err
	}
	return pc.redis.DeletePattern(ctx, "room_last_seen:"+roomID+":*")
}

func (pc *PresenceCache) getTime(ctx context.Context, key string) (*time.Time, error) {
	raw, err := pc.redis.Get(ctx, key)
	if err != nil || raw == nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return nil, errors.New("cache: malformed timestamp at " + key)
	}
	return &t, nil
}
