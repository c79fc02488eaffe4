package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/testutil"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedMessages(t *testing.T, repo *MessageRepository, roomID, sender string, n int) []*models.Message {
	t.Helper()
	h := testutil.NewTestHelper(t)
	out := make([]*models.Message, 0, n)
	for i := 0; i < n; i++ {
		m := h.CreateTestMessage(roomID, sender, fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second))
		saved, created, err := repo.Save(context.Background(), m)
		if err != nil || !created {
			t.Fatalf("seed %d: created=%v err=%v", i, created, err)
		}
		out = append(out, saved)
	}
	return out
}

func TestSaveAssignsIDAndEventID(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))
	ctx := context.Background()

	saved, created, err := repo.Save(ctx, &models.Message{
		SenderUsername: "alice",
		RoomID:         "r1",
		Content:        "hi",
		Type:           models.MessageChat,
		CreatedAt:      base,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !created {
		t.Fatalf("expected a new row")
	}
	if saved.ID != 1 {
		t.Errorf("ID = %d, want 1", saved.ID)
	}
	if saved.EventID == "" {
		t.Errorf("EventID should be assigned")
	}
}

func TestSaveIsIdempotentOnEventID(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))
	ctx := context.Background()

	first, created, err := repo.Save(ctx, &models.Message{EventID: "evt-1", SenderUsername: "alice", RoomID: "r1", Content: "hi", CreatedAt: base})
	if err != nil || !created {
		t.Fatalf("first save: created=%v err=%v", created, err)
	}

	again, created, err := repo.Save(ctx, &models.Message{EventID: "evt-1", SenderUsername: "alice", RoomID: "r1", Content: "hi", CreatedAt: base})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if created {
		t.Errorf("duplicate event must not create a row")
	}
	if again.ID != first.ID {
		t.Errorf("duplicate returned id %d, want %d", again.ID, first.ID)
	}

	page, err := repo.FindPage(ctx, "r1", 0, 10)
	if err != nil {
		t.Fatalf("FindPage: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("Total = %d, want 1", page.Total)
	}
}

func TestFindRecentTop50(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))
	seedMessages(t, repo, "r1", "alice", 51)
	seedMessages(t, repo, "other", "alice", 3)

	messages, err := repo.FindRecentTop50(context.Background(), "r1")
	if err != nil {
		t.Fatalf("FindRecentTop50: %v", err)
	}
	if len(messages) != 50 {
		t.Fatalf("len = %d, want 50", len(messages))
	}
	if messages[0].Content != "msg 50" {
		t.Errorf("head = %q, want newest message", messages[0].Content)
	}
	if messages[49].Content != "msg 1" {
		t.Errorf("tail = %q, want msg 1 (msg 0 evicted)", messages[49].Content)
	}
	for i := 1; i < len(messages); i++ {
		if !messages[i-1].CreatedAt.After(messages[i].CreatedAt) {
			t.Fatalf("not strictly descending at %d", i)
		}
	}
}

func TestFindPage(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))
	seedMessages(t, repo, "r1", "alice", 5)

	page, err := repo.FindPage(context.Background(), "r1", 1, 2)
	if err != nil {
		t.Fatalf("FindPage: %v", err)
	}
	if page.Total != 5 || page.Page != 1 || page.Size != 2 {
		t.Errorf("page meta = %+v", page)
	}
	var got []string
	for _, m := range page.Messages {
		got = append(got, m.Content)
	}
	if want := []string{"msg 2", "msg 1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("page contents = %v, want %v", got, want)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))

	_, err := repo.FindByID(context.Background(), 42)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))
	ctx := context.Background()
	msgs := seedMessages(t, repo, "r1", "alice", 1)
	id := msgs[0].ID

	if err := repo.MarkRead(ctx, id, "bob"); err != nil {
		t.Fatalf("first MarkRead: %v", err)
	}
	once, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}

	if err := repo.MarkRead(ctx, id, "bob"); err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	twice, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}

	if !once.IsRead || !twice.IsRead {
		t.Errorf("IsRead should be true after marking")
	}
	if !reflect.DeepEqual(once.ReadBy, twice.ReadBy) || !reflect.DeepEqual(twice.ReadBy, []string{"bob"}) {
		t.Errorf("ReadBy once=%v twice=%v, want [bob]", once.ReadBy, twice.ReadBy)
	}
}

func TestMarkReadOwnMessageIsNoop(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))
	ctx := context.Background()
	msgs := seedMessages(t, repo, "r1", "alice", 1)

	if err := repo.MarkRead(ctx, msgs[0].ID, "alice"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	got, _ := repo.FindByID(ctx, msgs[0].ID)
	if got.IsRead || len(got.ReadBy) != 0 {
		t.Errorf("own message should stay unread, got %+v", got)
	}
}

func TestMarkReadMissingMessage(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))

	err := repo.MarkRead(context.Background(), 99, "bob")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCountUnreadAndBulkMarkRead(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))
	ctx := context.Background()
	seedMessages(t, repo, "r1", "alice", 3)
	own := seedMessages(t, repo, "r1", "bob", 2)

	count, err := repo.CountUnread(ctx, "r1", "bob")
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}
	if count != 3 {
		t.Errorf("unread for bob = %d, want 3", count)
	}

	n, err := repo.BulkMarkRead(ctx, "r1", "bob")
	if err != nil {
		t.Fatalf("BulkMarkRead: %v", err)
	}
	if n != 3 {
		t.Errorf("BulkMarkRead affected %d, want 3", n)
	}

	count, _ = repo.CountUnread(ctx, "r1", "bob")
	if count != 0 {
		t.Errorf("unread after bulk read = %d, want 0", count)
	}

	for _, m := range own {
		got, _ := repo.FindByID(ctx, m.ID)
		if got.IsRead {
			t.Errorf("bob's own message %d flipped to read", m.ID)
		}
	}

	n, err = repo.BulkMarkRead(ctx, "r1", "bob")
	if err != nil || n != 0 {
		t.Errorf("repeat BulkMarkRead = %d, %v; want 0, nil", n, err)
	}
}

func TestBulkMarkDelivered(t *testing.T) {
	repo := NewMessageRepository(testutil.NewTestDB(t))
	ctx := context.Background()
	fromAlice := seedMessages(t, repo, "r1", "alice", 2)
	fromBob := seedMessages(t, repo, "r1", "bob", 1)

	ids := []uint{fromAlice[0].ID, fromAlice[1].ID, fromBob[0].ID}
	n, err := repo.BulkMarkDelivered(ctx, ids, "bob")
	if err != nil {
		t.Fatalf("BulkMarkDelivered: %v", err)
	}
	if n != 2 {
		t.Errorf("affected = %d, want 2", n)
	}

	got, _ := repo.FindByID(ctx, fromBob[0].ID)
	if got.IsDelivered {
		t.Errorf("excluded user's own message was marked delivered")
	}

	n, err = repo.BulkMarkDelivered(ctx, nil, "bob")
	if err != nil || n != 0 {
		t.Errorf("empty ids = %d, %v; want 0, nil", n, err)
	}
}
