package service

import (
	"context"
	"time"

	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/rs/zerolog"
)

// TypingService records typing indicators and broadcasts their changes on
// typing.<room>.
type TypingService struct {
	cache  *cache.TypingCache
	hub    Broadcaster
	now    clock
	logger zerolog.Logger
}

func NewTypingService(typing *cache.TypingCache, hub Broadcaster, logger zerolog.Logger) *TypingService {
	return &TypingService{cache: typing, hub: hub, now: utcNow, logger: logger}
}

func (s *TypingService) StartTyping(ctx context.Context, roomID, username string) error {
	now := s.now()
	if err := s.cache.Start(ctx, roomID, username, now); err != nil {
		return err
	}
	return s.broadcast(roomID, username, true, now)
}

// StopTyping clears the indicator. The stop is broadcast even when no
// indicator was recorded.
func (s *TypingService) StopTyping(ctx context.Context, roomID, username string) error {
	if _, err := s.cache.Stop(ctx, roomID, username); err != nil {
		return err
	}
	return s.broadcast(roomID, username, false, s.now())
}

// Typers returns the users typing in the room and when they started.
func (s *TypingService) Typers(ctx context.Context, roomID string) (map[string]time.Time, error) {
	return s.cache.Typers(ctx, roomID)
}

func (s *TypingService) broadcast(roomID, username string, typing bool, at time.Time) error {
	return s.hub.Send(models.TypingTopic(roomID), models.TypingEvent{
		Username:  username,
		RoomID:    roomID,
		Typing:    typing,
		Timestamp: at.UnixMilli(),
	})
}

// RunSweeper clears indicators older than timeout every interval until ctx
// is done.
func (s *TypingService) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 || timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Dur("timeout", timeout).Msg("typing sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx, timeout); err != nil {
				s.logger.Warn().Err(err).Msg("typing sweep failed")
			} else if n > 0 {
				s.logger.Debug().Int("expired", n).Msg("typing indicators expired")
			}
		}
	}
}

// Sweep removes indicators older than timeout and returns how many it
// removed. Only an entry this call actually deleted is broadcast, so a
// concurrent StopTyping and sweep never both announce the same stop, and an
// indicator refreshed after the scan is kept.
func (s *TypingService) Sweep(ctx context.Context, timeout time.Duration) (int, error) {
	rooms, err := s.cache.Rooms(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-timeout)
	expired := 0
	for _, roomID := range rooms {
		typers, err := s.cache.Typers(ctx, roomID)
		if err != nil {
			return expired, err
		}
		for username, at := range typers {
			if at.After(cutoff) {
				continue
			}
			removed, err := s.cache.StopIfStale(ctx, roomID, username, cutoff)
			if err != nil {
				return expired, err
			}
			if !removed {
				continue
			}
			expired++
			if err := s.broadcast(roomID, username, false, s.now()); err != nil {
				s.logger.Warn().Err(err).Str("room_id", roomID).Msg("typing expiry broadcast failed")
			}
		}
		if err := s.cache.ForgetRoomIfIdle(ctx, roomID); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// SetClock replaces the timestamp source.
func (s *TypingService) SetClock(now func() time.Time) {
	s.now = now
}
