package ws

import (
	"context"
	"encoding/json"
	"time"
)

// Ping answers a client keepalive with a pong.
func Ping(ctx context.Context, s *Session, _ json.RawMessage) error {
	return s.Reply(map[string]interface{}{
		"type":      "pong",
		"timestamp": time.Now().UnixMilli(),
	})
}
