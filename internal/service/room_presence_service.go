package service

import (
	"context"
	"time"

	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/rs/zerolog"
)

// RoomPresenceService tracks who is online in each room. Membership is per
// user, not per session: leaving from one connection removes the user even
// if another connection is still in the room.
type RoomPresenceService struct {
	cache  *cache.PresenceCache
	hub    Broadcaster
	now    clock
	logger zerolog.Logger
}

func NewRoomPresenceService(presence *cache.PresenceCache, hub Broadcaster, logger zerolog.Logger) *RoomPresenceService {
	return &RoomPresenceService{cache: presence, hub: hub, now: utcNow, logger: logger}
}

// Join adds the user to the room and broadcasts the room's online list.
func (s *RoomPresenceService) Join(ctx context.Context, roomID, username string) ([]string, error) {
	if _, err := s.cache.JoinRoom(ctx, roomID, username); err != nil {
		return nil, err
	}
	return s.broadcast(ctx, roomID)
}

// Leave removes the user, stamps their room last-seen and broadcasts the
// room's online list.
func (s *RoomPresenceService) Leave(ctx context.Context, roomID, username string) ([]string, error) {
	if _, err := s.cache.LeaveRoom(ctx, roomID, username, s.now()); err != nil {
		return nil, err
	}
	return s.broadcast(ctx, roomID)
}

func (s *RoomPresenceService) broadcast(ctx context.Context, roomID string) ([]string, error) {
	users, err := s.cache.RoomUsers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	update := models.RoomUsersUpdate{RoomID: roomID, OnlineUsers: users, Timestamp: s.now()}
	if err := s.hub.Send(models.RoomUsersTopic(roomID), update); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("room users broadcast failed")
	}
	return users, nil
}

// OnlineUsers returns the room's online usernames, sorted.
func (s *RoomPresenceService) OnlineUsers(ctx context.Context, roomID string) ([]string, error) {
	return s.cache.RoomUsers(ctx, roomID)
}

func (s *RoomPresenceService) Count(ctx context.Context, roomID string) (int64, error) {
	return s.cache.RoomCount(ctx, roomID)
}

func (s *RoomPresenceService) IsInRoom(ctx context.Context, roomID, username string) (bool, error) {
	return s.cache.IsInRoom(ctx, roomID, username)
}

func (s *RoomPresenceService) LastSeen(ctx context.Context, roomID, username string) (*time.Time, error) {
	return s.cache.RoomLastSeen(ctx, roomID, username)
}

// Clear forgets all presence state of a room.
func (s *RoomPresenceService) Clear(ctx context.Context, roomID string) error {
	return s.cache.ClearRoom(ctx, roomID)
}

// SetClock replaces the timestamp source.
func (s *RoomPresenceService) SetClock(now func() time.Time) {
	s.now = now
}
