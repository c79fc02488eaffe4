package service

import (
	"context"
	"time"
)

// Broadcaster delivers payloads to topic subscribers. ws.Hub implements it.
type Broadcaster interface {
	Send(topic string, payload interface{}) error
	SendToUser(username string, payload interface{}) error
}

// MembershipChecker answers whether a user belongs to a room.
type MembershipChecker interface {
	IsMember(ctx context.Context, roomID, username string) (bool, error)
}

// LastSeenRecorder persists a user's last-seen stamp outside the cache.
type LastSeenRecorder interface {
	UpdateLastSeen(ctx context.Context, username string, at time.Time) error
}

type clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }
