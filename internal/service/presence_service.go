package service

import (
	"context"
	"time"

	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/metrics"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/rs/zerolog"
)

// PresenceService tracks which users have at least one live session and
// announces OFFLINE to ONLINE transitions and back.
type PresenceService struct {
	cache    *cache.PresenceCache
	hub      Broadcaster
	lastSeen LastSeenRecorder
	now      clock
	logger   zerolog.Logger
}

// NewPresenceService creates the presence tracker. lastSeen may be nil.
func NewPresenceService(presence *cache.PresenceCache, hub Broadcaster, lastSeen LastSeenRecorder, logger zerolog.Logger) *PresenceService {
	return &PresenceService{
		cache:    presence,
		hub:      hub,
		lastSeen: lastSeen,
		now:      utcNow,
		logger:   logger,
	}
}

// Connect records a new session. It reports whether the user went online.
func (s *PresenceService) Connect(ctx context.Context, username, sessionID string) (bool, error) {
	added, sessions, err := s.cache.AddSession(ctx, username, sessionID)
	if err != nil {
		return false, err
	}
	if !added || sessions != 1 {
		return false, nil
	}

	now := s.now()
	if err := s.cache.MarkOnline(ctx, username); err != nil {
		return true, err
	}
	if err := s.cache.SetLastSeen(ctx, username, now); err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("set last seen failed")
	}

	metrics.PresenceTransitions.WithLabelValues("online").Inc()
	s.logger.Debug().Str("username", username).Msg("user online")
	s.announce(ctx, models.PresenceUpdate{Username: username, Online: true, Timestamp: now})
	return true, nil
}

// Disconnect drops a session. It reports whether the user went offline.
func (s *PresenceService) Disconnect(ctx context.Context, username, sessionID string) (bool, error) {
	removed, remaining, err := s.cache.RemoveSession(ctx, username, sessionID)
	if err != nil {
		return false, err
	}
	if !removed || remaining != 0 {
		return false, nil
	}

	now := s.now()
	if err := s.cache.MarkOffline(ctx, username); err != nil {
		return true, err
	}
	if err := s.cache.SetLastSeen(ctx, username, now); err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("set last seen failed")
	}
	if s.lastSeen != nil {
		if err := s.lastSeen.UpdateLastSeen(ctx, username, now); err != nil {
			s.logger.Warn().Err(err).Str("username", username).Msg("persist last seen failed")
		}
	}

	metrics.PresenceTransitions.WithLabelValues("offline").Inc()
	s.logger.Debug().Str("username", username).Msg("user offline")
	s.announce(ctx, models.PresenceUpdate{Username: username, Online: false, LastSeen: &now, Timestamp: now})
	return true, nil
}

func (s *PresenceService) announce(ctx context.Context, update models.PresenceUpdate) {
	if err := s.hub.Send(models.TopicPresence, update); err != nil {
		s.logger.Warn().Err(err).Msg("presence broadcast failed")
	}

	online, err := s.cache.OnlineUsers(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read online users failed")
		return
	}
	metrics.OnlineUsers.Set(float64(len(online)))
	if err := s.hub.Send(models.TopicOnlineUsers, online); err != nil {
		s.logger.Warn().Err(err).Msg("online users broadcast failed")
	}
}

func (s *PresenceService) IsOnline(ctx context.Context, username string) (bool, error) {
	n, err := s.cache.SessionCount(ctx, username)
	return n > 0, err
}

// OnlineUsers returns every online username, sorted.
func (s *PresenceService) OnlineUsers(ctx context.Context) ([]string, error) {
	return s.cache.OnlineUsers(ctx)
}

// LastSeen returns nil when the user was never seen.
func (s *PresenceService) LastSeen(ctx context.Context, username string) (*time.Time, error) {
	return s.cache.LastSeen(ctx, username)
}

// Heartbeat keeps the user's sessions alive and records activity, in the
// room too when roomID is set.
func (s *PresenceService) Heartbeat(ctx context.Context, username, roomID string) error {
	now := s.now()
	if err := s.cache.RefreshSessions(ctx, username); err != nil {
		return err
	}
	if err := s.cache.RecordUserActivity(ctx, username, now); err != nil {
		return err
	}
	if roomID != "" {
		return s.cache.RecordRoomActivity(ctx, roomID, username, now)
	}
	return nil
}

// LastActivity returns the newest heartbeat stamp, or nil.
func (s *PresenceService) LastActivity(ctx context.Context, username string) (*time.Time, error) {
	return s.cache.LastActivity(ctx, username)
}

// SetClock replaces the timestamp source.
func (s *PresenceService) SetClock(now func() time.Time) {
	s.now = now
}
