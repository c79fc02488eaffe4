package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/noteduco342/whispr-backend/internal/metrics"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const RecentMessagesTTL = 24 * time.Hour

// RecentLoader reads a room's newest messages from the source of truth,
// newest first.
type RecentLoader func(ctx context.Context, roomID string) ([]models.Message, error)

// MessageCache keeps the bounded recent-message buffer of each room as a
// Redis list of msgpack entries, newest at the head.
type MessageCache struct {
	redis  *RedisCache
	loader RecentLoader
	logger zerolog.Logger
}

// NewMessageCache creates a new message cache. A nil redis makes every read
// go straight to loader.
func NewMessageCache(redis *RedisCache, loader RecentLoader, logger zerolog.Logger) *MessageCache {
	return &MessageCache{redis: redis, loader: loader, logger: logger}
}

func recentKey(roomID string) string {
	return "recent_messages:" + roomID
}

// generationKey counts writes to a room's buffer. A rebuild only lands if
// no write happened while it was loading.
func generationKey(roomID string) string {
	return "recent_messages_gen:" + roomID
}

var errStaleRebuild = errors.New("recent buffer changed during rebuild")

// GetRecent returns the room's buffer. A miss or any cache failure rebuilds
// the buffer from the loader; only loader errors reach the caller.
func (mc *MessageCache) GetRecent(ctx context.Context, roomID string) ([]models.CachedMessage, error) {
	if mc == nil {
		return nil, nil
	}
	if mc.redis == nil {
		return mc.load(ctx, roomID)
	}

	raw, err := mc.redis.ListRange(ctx, recentKey(roomID), 0, models.RecentMessageLimit-1)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		mc.logger.Warn().Err(err).Str("room_id", roomID).Msg("recent cache read failed")
	} else if len(raw) > 0 {
		if cached, ok := decodeList(raw); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return cached, nil
		}
		mc.logger.Warn().Str("room_id", roomID).Msg("recent cache entry undecodable, rebuilding")
	} else {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	gen, genErr := mc.generation(ctx, roomID)
	cached, err := mc.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		return cached, nil
	}

	switch err := mc.rebuild(ctx, roomID, cached, gen); {
	case errors.Is(err, errStaleRebuild), errors.Is(err, redis.TxFailedErr):
		mc.logger.Debug().Str("room_id", roomID).Msg("recent cache rebuild skipped, buffer written concurrently")
	case err != nil:
		mc.logger.Warn().Err(err).Str("room_id", roomID).Msg("recent cache rebuild failed")
	}
	return cached, nil
}

func (mc *MessageCache) generation(ctx context.Context, roomID string) (int64, error) {
	raw, err := mc.redis.Get(ctx, generationKey(roomID))
	if err != nil || raw == nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// rebuild writes messages as the buffer only while the room's generation is
// still gen.
func (mc *MessageCache) rebuild(ctx context.Context, roomID string, messages []models.CachedMessage, gen int64) error {
	entries, err := encodeList(messages)
	if err != nil {
		return err
	}

	genKey := generationKey(roomID)
	return mc.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleRebuild
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeBuffer(ctx, pipe, recentKey(roomID), entries)
			return nil
		})
		return err
	}, genKey)
}

func (mc *MessageCache) load(ctx context.Context, roomID string) ([]models.CachedMessage, error) {
	messages, err := mc.loader(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return models.ToCachedList(messages), nil
}

// Replace swaps the whole buffer in one transaction. An empty list just
// drops the key.
func (mc *MessageCache) Replace(ctx context.Context, roomID string, messages []models.CachedMessage) error {
	if mc == nil || mc.redis == nil {
		return nil
	}
	entries, err := encodeList(messages)
	if err != nil {
		return err
	}

	_, err = mc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeBuffer(ctx, pipe, recentKey(roomID), entries)
		bumpGeneration(ctx, pipe, roomID)
		return nil
	})
	return err
}

func writeBuffer(ctx context.Context, pipe redis.Pipeliner, key string, entries []interface{}) {
	pipe.Del(ctx, key)
	if len(entries) > 0 {
		pipe.RPush(ctx, key, entries...)
		pipe.Expire(ctx, key, RecentMessagesTTL)
	}
}

func bumpGeneration(ctx context.Context, pipe redis.Pipeliner, roomID string) {
	key := generationKey(roomID)
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*RecentMessagesTTL)
}

func encodeList(messages []models.CachedMessage) ([]interface{}, error) {
	if len(messages) > models.RecentMessageLimit {
		messages = messages[:models.RecentMessageLimit]
	}
	entries := make([]interface{}, 0, len(messages))
	for i := range messages {
		data, err := msgpack.Marshal(&messages[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, data)
	}
	return entries, nil
}

// AppendOnWrite prepends message to an existing buffer, trims it to the
// limit and refreshes its TTL. Without a buffer it only bumps the
// generation, so a rebuild already in flight is discarded and the next read
// loads the new message.
func (mc *MessageCache) AppendOnWrite(ctx context.Context, roomID string, message models.CachedMessage) error {
	if mc == nil || mc.redis == nil {
		return nil
	}

	data, err := msgpack.Marshal(&message)
	if err != nil {
		return err
	}

	key := recentKey(roomID)
	_, err = mc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPushX(ctx, key, data)
		pipe.LTrim(ctx, key, 0, models.RecentMessageLimit-1)
		pipe.Expire(ctx, key, RecentMessagesTTL)
		bumpGeneration(ctx, pipe, roomID)
		return nil
	})
	return err
}

// Invalidate drops the buffer and discards any rebuild in flight.
func (mc *MessageCache) Invalidate(ctx context.Context, roomID string) error {
	if mc == nil || mc.redis == nil {
		return nil
	}
	_, err := mc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recentKey(roomID))
		bumpGeneration(ctx, pipe, roomID)
		return nil
	})
	return err
}

func decodeList(raw []string) ([]models.CachedMessage, bool) {
	out := make([]models.CachedMessage, 0, len(raw))
	for _, entry := range raw {
		var m models.CachedMessage
		if err := msgpack.Unmarshal([]byte(entry), &m); err != nil {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}
