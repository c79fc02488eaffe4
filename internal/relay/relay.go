// Package relay is the topic-based transport between ingest, persistence and
// fan-out. Delivery is at-least-once and ordered per key; handlers must
// tolerate duplicates.
package relay

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("relay: closed")

type Message struct {
	Topic string
	Key   string
	Value []byte
	Time  time.Time
}

// Handler processes one delivered message. A returned error is logged; the
// message is not redelivered because of it.
type Handler func(ctx context.Context, msg Message) error

type Relay interface {
	// Publish returns only once the broker accepted the message, so a
	// failure can be acted on by the caller.
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Subscribe consumes topic as a member of group until ctx is done.
	// Every group sees every message; members of one group share them.
	Subscribe(ctx context.Context, topic, group string, h Handler, opts ...SubscribeOption) error
	Close() error
}

type subscribeConfig struct {
	fromLatest bool
}

type SubscribeOption func(*subscribeConfig)

// FromLatest starts a new group at the end of the topic instead of replaying
// retained messages.
func FromLatest() SubscribeOption {
	return func(c *subscribeConfig) { c.fromLatest = true }
}

func buildSubscribeConfig(opts []SubscribeOption) subscribeConfig {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
