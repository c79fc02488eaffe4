package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/relay"
	"github.com/noteduco342/whispr-backend/internal/repository"
	"github.com/noteduco342/whispr-backend/internal/testutil"
	"github.com/rs/zerolog"
)

type sentEvent struct {
	Topic   string
	Payload interface{}
}

// recordingBroadcaster keeps every send in order.
type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (b *recordingBroadcaster) Send(topic string, payload interface{}) error {
	b.mu.Lock()
	b.sent = append(b.sent, sentEvent{Topic: topic, Payload: payload})
	b.mu.Unlock()
	return nil
}

func (b *recordingBroadcaster) SendToUser(username string, payload interface{}) error {
	return b.Send(models.UserNotificationsTopic(username), payload)
}

func (b *recordingBroadcaster) onTopic(topic string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []interface{}
	for _, e := range b.sent {
		if e.Topic == topic {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

// waitFor polls until topic received n payloads.
func (b *recordingBroadcaster) waitFor(t *testing.T, topic string, n int) []interface{} {
	t.Helper()
	eventually(t, func() bool { return len(b.onTopic(topic)) >= n })
	return b.onTopic(topic)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// MockMembership answers IsMember from a fixed table.
type MockMembership struct {
	members map[string]map[string]bool
	err     error
}

func NewMockMembership() *MockMembership {
	return &MockMembership{members: make(map[string]map[string]bool)}
}

func (m *MockMembership) Add(roomID, username string) {
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]bool)
	}
	m.members[roomID][username] = true
}

func (m *MockMembership) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if roomID == models.GlobalRoomID {
		return true, nil
	}
	return m.members[roomID][username], nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const (
	inboundTopic   = "chat.inbound"
	deliveredTopic = "chat.delivered"
)

// chatFixture wires the chat pipeline over sqlite, miniredis and the
// in-memory relay.
type chatFixture struct {
	mr       *miniredis.Miniredis
	messages *repository.MessageRepository
	rooms    *repository.RoomRepository
	recent   *cache.MessageCache
	relay    *relay.MemoryRelay
	hub      *recordingBroadcaster
	ingest   *IngestService
	delivery *DeliveryService
	topics   DeliveryTopics
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	db := testutil.NewTestDB(t)
	mr, client := testutil.NewTestRedis(t)
	logger := zerolog.Nop()

	f := &chatFixture{
		mr:       mr,
		messages: repository.NewMessageRepository(db),
		rooms:    repository.NewRoomRepository(db),
		relay:    relay.NewMemoryRelay(logger),
		hub:      &recordingBroadcaster{},
		topics: DeliveryTopics{
			Inbound:      inboundTopic,
			Delivered:    deliveredTopic,
			PersistGroup: "persist",
			FanoutGroup:  "fanout-test",
		},
	}
	t.Cleanup(func() { _ = f.relay.Close() })

	f.recent = cache.NewMessageCache(cache.NewRedisCacheFromClient(client), f.messages.FindRecentTop50, logger)
	f.ingest = NewIngestService(f.relay, inboundTopic, f.rooms, f.messages, f.recent, f.hub, 4000, logger)
	f.delivery = NewDeliveryService(f.relay, f.topics, f.messages, f.recent, f.hub, logger)
	return f
}

// run starts the delivery pipeline and waits until both groups subscribed.
func (f *chatFixture) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.delivery.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	eventually(t, func() bool {
		return f.relay.HasGroup(inboundTopic, f.topics.PersistGroup) &&
			f.relay.HasGroup(deliveredTopic, f.topics.FanoutGroup)
	})
}
