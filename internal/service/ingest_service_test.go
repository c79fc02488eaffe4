package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/relay"
	"github.com/noteduco342/whispr-backend/internal/repository"
	"github.com/rs/zerolog"
)

func TestSendPersistsAndBroadcastsToRoom(t *testing.T) {
	f := newChatFixture(t)
	f.run(t)
	ctx := context.Background()

	ev, err := f.ingest.Send(ctx, "alice", models.ChatEvent{
		Type:    models.MessageChat,
		Content: "  hi  ",
		Sender:  "alice",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ev.RoomID != models.GlobalRoomID || ev.Content != "hi" || ev.EventID == "" {
		t.Errorf("normalized event = %+v", ev)
	}

	got := f.hub.waitFor(t, models.RoomTopic(models.GlobalRoomID), 1)
	delivered, ok := got[0].(*models.ChatEvent)
	if !ok {
		t.Fatalf("payload type %T", got[0])
	}
	if delivered.MessageID != 1 || delivered.Content != "hi" || delivered.Sender != "alice" {
		t.Errorf("delivered = %+v", delivered)
	}

	recent, err := f.recent.GetRecent(ctx, models.GlobalRoomID)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != 1 || recent[0].Content != "hi" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestSendStampsServerTime(t *testing.T) {
	f := newChatFixture(t)
	clock := newFixedClock()
	f.ingest.SetClock(clock.Now)

	ev, err := f.ingest.Send(context.Background(), "alice", models.ChatEvent{
		Type:      models.MessageChat,
		Content:   "hello",
		Sender:    "alice",
		RoomID:    "global",
		Timestamp: time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ev.Timestamp.Equal(clock.Now()) {
		t.Errorf("Timestamp = %v, want server time %v", ev.Timestamp, clock.Now())
	}

	published := f.relay.Published(inboundTopic)
	if len(published) != 1 || published[0].Key != models.GlobalRoomID {
		t.Fatalf("published = %+v", published)
	}
	var onWire models.ChatEvent
	if err := json.Unmarshal(published[0].Value, &onWire); err != nil {
		t.Fatalf("decode published: %v", err)
	}
	if onWire.EventID != ev.EventID || !onWire.Timestamp.Equal(clock.Now()) {
		t.Errorf("published event = %+v", onWire)
	}
}

func TestSendFallsBackWhenRelayDown(t *testing.T) {
	f := newChatFixture(t)
	f.run(t)
	ctx := context.Background()
	f.relay.FailPublish(errors.New("broker unreachable"))

	ev, err := f.ingest.Send(ctx, "alice", models.ChatEvent{
		Type:    models.MessageChat,
		Content: "still here",
		Sender:  "alice",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ev.MessageID == 0 {
		t.Errorf("fallback should persist and assign a message id")
	}

	stored, err := f.messages.FindByID(ctx, ev.MessageID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.Content != "still here" || stored.EventID != ev.EventID {
		t.Errorf("stored = %+v", stored)
	}

	time.Sleep(50 * time.Millisecond)
	if got := f.hub.onTopic(models.TopicPublic); len(got) != 1 {
		t.Errorf("public broadcasts = %d, want 1", len(got))
	}
	if got := f.hub.onTopic(models.RoomTopic(models.GlobalRoomID)); len(got) != 0 {
		t.Errorf("room broadcasts = %d, want 0", len(got))
	}
	page, _ := f.messages.FindPage(ctx, models.GlobalRoomID, 0, 10)
	if page.Total != 1 {
		t.Errorf("stored rows = %d, want 1", page.Total)
	}
}

func TestSendFallbackAppendsToExistingBuffer(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	if _, _, err := f.messages.Save(ctx, &models.Message{SenderUsername: "bob", RoomID: "global", Content: "first"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := f.recent.GetRecent(ctx, models.GlobalRoomID); err != nil {
		t.Fatalf("prime: %v", err)
	}

	f.relay.FailPublish(errors.New("down"))
	if _, err := f.ingest.Send(ctx, "alice", models.ChatEvent{Type: models.MessageChat, Content: "second", Sender: "alice"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recent, err := f.recent.GetRecent(ctx, models.GlobalRoomID)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "second" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestSendRejectsInvalidEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   models.ChatEvent
	}{
		{"Empty content", models.ChatEvent{Type: models.MessageChat, Content: "   "}},
		{"Too long", models.ChatEvent{Type: models.MessageChat, Content: strings.Repeat("x", 4001)}},
		{"Unknown type", models.ChatEvent{Type: "SHOUT", Content: "hi"}},
		{"Bad room", models.ChatEvent{Type: models.MessageChat, Content: "hi", RoomID: "no spaces allowed"}},
	}

	f := newChatFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ingest.Send(context.Background(), "alice", tt.ev)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
	if n := len(f.relay.Published(inboundTopic)); n != 0 {
		t.Errorf("invalid events published: %d", n)
	}
}

func TestSendRequiresRoomMembership(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	if err := f.rooms.Create(ctx, &models.Room{RoomID: "r1", Name: "r1", CreatedBy: "alice"}); err != nil {
		t.Fatalf("create room: %v", err)
	}

	_, err := f.ingest.Send(ctx, "mallory", models.ChatEvent{Type: models.MessageChat, Content: "hi", Sender: "mallory", RoomID: "r1"})
	if !errors.Is(err, apperr.ErrPermission) {
		t.Errorf("non-member: expected permission error, got %v", err)
	}

	if _, err := f.ingest.Send(ctx, "alice", models.ChatEvent{Type: models.MessageChat, Content: "hi", Sender: "alice", RoomID: "r1"}); err != nil {
		t.Errorf("member: %v", err)
	}
	if n := len(f.relay.Published(inboundTopic)); n != 1 {
		t.Errorf("published = %d, want 1", n)
	}
}

func TestSendSenderMismatchIsPermissive(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	ev, err := f.ingest.Send(ctx, "bob", models.ChatEvent{Type: models.MessageChat, Content: "hi", Sender: "alice"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ev.Sender != "alice" {
		t.Errorf("Sender = %q, want alice", ev.Sender)
	}

	ev, err = f.ingest.Send(ctx, "bob", models.ChatEvent{Type: models.MessageChat, Content: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ev.Sender != "bob" {
		t.Errorf("empty sender should default to identity, got %q", ev.Sender)
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	payload, _ := json.Marshal(models.ChatEvent{
		EventID:   "3f1c6a2e-0000-4000-8000-000000000001",
		Type:      models.MessageChat,
		Content:   "once",
		Sender:    "alice",
		RoomID:    "global",
		Timestamp: time.Now().UTC(),
	})
	msg := relay.Message{Topic: inboundTopic, Key: "global", Value: payload}

	for i := 0; i < 2; i++ {
		if err := f.delivery.Persist(ctx, msg); err != nil {
			t.Fatalf("Persist #%d: %v", i, err)
		}
	}

	page, err := f.messages.FindPage(ctx, "global", 0, 10)
	if err != nil {
		t.Fatalf("FindPage: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("rows = %d, want 1", page.Total)
	}

	delivered := f.relay.Published(deliveredTopic)
	if len(delivered) != 2 {
		t.Fatalf("delivered publishes = %d, want 2", len(delivered))
	}
	var a, b models.ChatEvent
	_ = json.Unmarshal(delivered[0].Value, &a)
	_ = json.Unmarshal(delivered[1].Value, &b)
	if a.MessageID == 0 || a.MessageID != b.MessageID {
		t.Errorf("redelivery ids = %d, %d", a.MessageID, b.MessageID)
	}
}

func TestPersistKeepsFiftyNewest(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	persist := func(i int) {
		t.Helper()
		payload, _ := json.Marshal(models.ChatEvent{
			Type:      models.MessageChat,
			Content:   "m" + strconv.Itoa(i),
			Sender:    "alice",
			RoomID:    "r1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err := f.delivery.Persist(ctx, relay.Message{Topic: inboundTopic, Key: "r1", Value: payload}); err != nil {
			t.Fatalf("Persist %d: %v", i, err)
		}
	}

	persist(0)
	if _, err := f.recent.GetRecent(ctx, "r1"); err != nil {
		t.Fatalf("prime: %v", err)
	}
	for i := 1; i <= 50; i++ {
		persist(i)
	}

	raw, err := f.mr.List("recent_messages:r1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(raw) != 50 {
		t.Errorf("buffer length = %d, want 50", len(raw))
	}

	recent, err := f.recent.GetRecent(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 50 {
		t.Fatalf("recent = %d entries", len(recent))
	}
	if recent[0].ID != 51 || recent[49].ID != 2 {
		t.Errorf("buffer spans ids %d..%d, want 51..2", recent[0].ID, recent[49].ID)
	}
}

func TestPersistForwardsJoinWithoutStoring(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	payload, _ := json.Marshal(models.ChatEvent{Type: models.MessageJoin, Sender: "alice", RoomID: "global"})
	if err := f.delivery.Persist(ctx, relay.Message{Topic: inboundTopic, Value: payload}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	page, _ := f.messages.FindPage(ctx, "global", 0, 10)
	if page.Total != 0 {
		t.Errorf("JOIN should not be stored, rows = %d", page.Total)
	}
	if n := len(f.relay.Published(deliveredTopic)); n != 1 {
		t.Errorf("delivered publishes = %d, want 1", n)
	}
}

func TestPersistDropsUndecodableEvents(t *testing.T) {
	f := newChatFixture(t)
	if err := f.delivery.Persist(context.Background(), relay.Message{Topic: inboundTopic, Value: []byte("{")}); err != nil {
		t.Errorf("Persist should swallow poison messages, got %v", err)
	}
	if n := len(f.relay.Published(deliveredTopic)); n != 0 {
		t.Errorf("poison message forwarded")
	}
}

func TestPersistBroadcastsLocallyWhenDeliveredPublishFails(t *testing.T) {
	f := newChatFixture(t)
	payload, _ := json.Marshal(models.ChatEvent{Type: models.MessageChat, Content: "hi", Sender: "alice", RoomID: "global"})
	f.relay.FailPublish(errors.New("down"))

	if err := f.delivery.Persist(context.Background(), relay.Message{Topic: inboundTopic, Value: payload}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if got := f.hub.onTopic(models.RoomTopic("global")); len(got) != 1 {
		t.Errorf("local broadcasts = %d, want 1", len(got))
	}
}

func TestFanoutBroadcastsToRoomTopic(t *testing.T) {
	f := newChatFixture(t)
	payload, _ := json.Marshal(models.ChatEvent{MessageID: 7, Type: models.MessageChat, Content: "hi", Sender: "alice", RoomID: "r1"})

	if err := f.delivery.Fanout(context.Background(), relay.Message{Topic: deliveredTopic, Value: payload}); err != nil {
		t.Fatalf("Fanout: %v", err)
	}
	got := f.hub.onTopic(models.RoomTopic("r1"))
	if len(got) != 1 || got[0].(*models.ChatEvent).MessageID != 7 {
		t.Errorf("room broadcasts = %+v", got)
	}
}

func TestClientEventIDIsScopedPerSender(t *testing.T) {
	f := newChatFixture(t)
	f.run(t)
	ctx := context.Background()

	fromAlice, err := f.ingest.Send(ctx, "alice", models.ChatEvent{EventID: "1", Type: models.MessageChat, Content: "from alice"})
	if err != nil {
		t.Fatalf("alice Send: %v", err)
	}
	fromBob, err := f.ingest.Send(ctx, "bob", models.ChatEvent{EventID: "1", Type: models.MessageChat, Content: "from bob"})
	if err != nil {
		t.Fatalf("bob Send: %v", err)
	}
	if fromAlice.EventID == fromBob.EventID {
		t.Fatalf("senders share event id %q", fromAlice.EventID)
	}
	if len(fromAlice.EventID) != 36 || fromAlice.EventID == "1" {
		t.Errorf("server event id = %q", fromAlice.EventID)
	}

	got := f.hub.waitFor(t, models.RoomTopic(models.GlobalRoomID), 2)
	seen := map[string]uint{}
	for _, p := range got {
		ev := p.(*models.ChatEvent)
		seen[ev.Sender+":"+ev.Content] = ev.MessageID
	}
	if seen["alice:from alice"] == 0 || seen["bob:from bob"] == 0 || seen["alice:from alice"] == seen["bob:from bob"] {
		t.Errorf("delivered = %v", seen)
	}

	page, _ := f.messages.FindPage(ctx, models.GlobalRoomID, 0, 10)
	if page.Total != 2 {
		t.Errorf("stored rows = %d, want 2", page.Total)
	}
}

func TestRetriedEventDeliversStoredContent(t *testing.T) {
	f := newChatFixture(t)
	f.run(t)
	ctx := context.Background()

	first, err := f.ingest.Send(ctx, "alice", models.ChatEvent{EventID: "retry-7", Type: models.MessageChat, Content: "original"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	second, err := f.ingest.Send(ctx, "alice", models.ChatEvent{EventID: "retry-7", Type: models.MessageChat, Content: "changed"})
	if err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if first.EventID != second.EventID {
		t.Errorf("retry event ids differ: %q vs %q", first.EventID, second.EventID)
	}

	got := f.hub.waitFor(t, models.RoomTopic(models.GlobalRoomID), 2)
	a, b := got[0].(*models.ChatEvent), got[1].(*models.ChatEvent)
	if a.MessageID == 0 || a.MessageID != b.MessageID {
		t.Errorf("message ids = %d, %d", a.MessageID, b.MessageID)
	}
	if b.Content != "original" {
		t.Errorf("redelivered content = %q, want stored content", b.Content)
	}
	page, _ := f.messages.FindPage(ctx, models.GlobalRoomID, 0, 10)
	if page.Total != 1 {
		t.Errorf("stored rows = %d, want 1", page.Total)
	}
}

func TestSendRejectsOversizedEventID(t *testing.T) {
	f := newChatFixture(t)
	_, err := f.ingest.Send(context.Background(), "alice", models.ChatEvent{
		EventID: strings.Repeat("e", 65),
		Type:    models.MessageChat,
		Content: "hi",
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestFallbackDuplicateReturnsStoredRow(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	f.relay.FailPublish(errors.New("down"))

	first, err := f.ingest.Send(ctx, "alice", models.ChatEvent{EventID: "x", Type: models.MessageChat, Content: "kept"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	again, err := f.ingest.Send(ctx, "alice", models.ChatEvent{EventID: "x", Type: models.MessageChat, Content: "ignored"})
	if err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if again.MessageID != first.MessageID || again.Content != "kept" {
		t.Errorf("retry = %+v, want stored row %d", again, first.MessageID)
	}
}

// flakyMessageRepository fails Save a fixed number of times.
type flakyMessageRepository struct {
	repository.MessageRepositoryInterface
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (r *flakyMessageRepository) Save(ctx context.Context, message *models.Message) (*models.Message, bool, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.failures
	r.mu.Unlock()
	if fail {
		return nil, false, r.err
	}
	return r.MessageRepositoryInterface.Save(ctx, message)
}

func (r *flakyMessageRepository) saveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func chatPayload(t *testing.T, content string) relay.Message {
	t.Helper()
	payload, err := json.Marshal(models.ChatEvent{
		EventID:   ServerEventID("alice", content),
		Type:      models.MessageChat,
		Content:   content,
		Sender:    "alice",
		RoomID:    "r1",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return relay.Message{Topic: inboundTopic, Key: "r1", Value: payload}
}

func TestPersistSaveFailures(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantSaved bool
	}{
		{"Recovers after transient errors", 2, apperr.Transient("db", errors.New("conn reset")), 3, true},
		{"Gives up after the budget", 100, apperr.Transient("db", errors.New("conn refused")), 3, false},
		{"Fatal errors are not retried", 100, apperr.Fatal("db", errors.New("bad column")), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChatFixture(t)
			flaky := &flakyMessageRepository{MessageRepositoryInterface: f.messages, failures: tt.failures, err: tt.err}
			svc := NewDeliveryService(f.relay, f.topics, flaky, f.recent, f.hub, zerolog.Nop())
			svc.SetSaveRetry(3, time.Millisecond)

			if err := svc.Persist(context.Background(), chatPayload(t, "hello")); err != nil {
				t.Fatalf("Persist: %v", err)
			}
			if got := flaky.saveCalls(); got != tt.wantCalls {
				t.Errorf("Save calls = %d, want %d", got, tt.wantCalls)
			}

			delivered := f.relay.Published(deliveredTopic)
			if len(delivered) != 1 {
				t.Fatalf("delivered publishes = %d, want 1", len(delivered))
			}
			var ev models.ChatEvent
			if err := json.Unmarshal(delivered[0].Value, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Content != "hello" || (ev.MessageID != 0) != tt.wantSaved {
				t.Errorf("forwarded = %+v, saved = %v", ev, tt.wantSaved)
			}
		})
	}
}

func TestPersistStopsRetryingOnShutdown(t *testing.T) {
	f := newChatFixture(t)
	flaky := &flakyMessageRepository{MessageRepositoryInterface: f.messages, failures: 100, err: apperr.Transient("db", errors.New("down"))}
	svc := NewDeliveryService(f.relay, f.topics, flaky, f.recent, f.hub, zerolog.Nop())
	svc.SetSaveRetry(10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Persist(ctx, chatPayload(t, "late")) }()
	eventually(t, func() bool { return flaky.saveCalls() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Persist = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Persist did not return after cancel")
	}
	if n := len(f.relay.Published(deliveredTopic)); n != 0 {
		t.Errorf("delivered publishes = %d, want 0", n)
	}
}
