package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/testutil"
	"github.com/rs/zerolog"
)

func newReceiptFixture(t *testing.T) (*chatFixture, *ReceiptService) {
	t.Helper()
	f := newChatFixture(t)
	ctx := context.Background()

	if err := f.rooms.Create(ctx, &models.Room{RoomID: "r1", Name: "r1", CreatedBy: "bob"}); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.rooms.AddMember(ctx, "r1", "alice", models.RoleMember); err != nil {
		t.Fatalf("add member: %v", err)
	}
	return f, NewReceiptService(f.messages, f.rooms, f.recent, f.hub, zerolog.Nop())
}

func seedMessages(t *testing.T, f *chatFixture, roomID, sender string, n int) []uint {
	t.Helper()
	helper := testutil.NewTestHelper(t)
	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		saved, _, err := f.messages.Save(context.Background(), helper.CreateTestMessage(roomID, sender, "", base.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids = append(ids, saved.ID)
	}
	return ids
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	f, svc := newReceiptFixture(t)
	ctx := context.Background()
	ids := seedMessages(t, f, "r1", "bob", 1)

	for i := 0; i < 2; i++ {
		receipt, err := svc.MarkMessageRead(ctx, ids[0], "alice")
		if err != nil {
			t.Fatalf("MarkMessageRead #%d: %v", i, err)
		}
		if receipt.RoomID != "r1" || receipt.Username != "alice" {
			t.Errorf("receipt = %+v", receipt)
		}
	}

	stored, err := f.messages.FindByID(ctx, ids[0])
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !stored.IsRead || !reflect.DeepEqual(stored.ReadBy, []string{"alice"}) {
		t.Errorf("stored read state = %v, %v", stored.IsRead, stored.ReadBy)
	}
	if n := len(f.hub.onTopic(models.ReadReceiptTopic("r1"))); n != 2 {
		t.Errorf("receipt broadcasts = %d, want 2", n)
	}
}

func TestMarkMessageReadErrors(t *testing.T) {
	f, svc := newReceiptFixture(t)
	ctx := context.Background()
	ids := seedMessages(t, f, "r1", "bob", 1)

	if _, err := svc.MarkMessageRead(ctx, ids[0], "carol"); !errors.Is(err, apperr.ErrPermission) {
		t.Errorf("non-member: expected permission error, got %v", err)
	}
	if _, err := svc.MarkMessageRead(ctx, 9999, "alice"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing message: expected not found, got %v", err)
	}
}

func TestMarkMessageReadInvalidatesRecentBuffer(t *testing.T) {
	f, svc := newReceiptFixture(t)
	ctx := context.Background()
	ids := seedMessages(t, f, "r1", "bob", 2)

	if _, err := f.recent.GetRecent(ctx, "r1"); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if !f.mr.Exists("recent_messages:r1") {
		t.Fatalf("buffer not primed")
	}

	if _, err := svc.MarkMessageRead(ctx, ids[1], "alice"); err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}
	if f.mr.Exists("recent_messages:r1") {
		t.Errorf("buffer should be invalidated")
	}

	recent, _ := f.recent.GetRecent(ctx, "r1")
	if len(recent) != 2 || !recent[0].IsRead || recent[1].IsRead {
		t.Errorf("rebuilt buffer read flags = %+v", recent)
	}
}

func TestMarkRoomReadAndCountUnread(t *testing.T) {
	f, svc := newReceiptFixture(t)
	ctx := context.Background()
	seedMessages(t, f, "r1", "bob", 3)
	seedMessages(t, f, "r1", "alice", 2)

	unread, err := svc.CountUnread(ctx, "r1", "alice")
	if err != nil || unread != 3 {
		t.Fatalf("CountUnread = %d, %v; want 3", unread, err)
	}

	n, err := svc.MarkRoomRead(ctx, "r1", "alice")
	if err != nil || n != 3 {
		t.Fatalf("MarkRoomRead = %d, %v; want 3", n, err)
	}
	if n, _ := svc.MarkRoomRead(ctx, "r1", "alice"); n != 0 {
		t.Errorf("second MarkRoomRead = %d, want 0", n)
	}
	if unread, _ := svc.CountUnread(ctx, "r1", "alice"); unread != 0 {
		t.Errorf("CountUnread after = %d", unread)
	}
	// bob has not read alice's messages
	if unread, _ := svc.CountUnread(ctx, "r1", "bob"); unread != 2 {
		t.Errorf("bob unread = %d, want 2", unread)
	}

	if _, err := svc.MarkRoomRead(ctx, "r1", "carol"); !errors.Is(err, apperr.ErrPermission) {
		t.Errorf("non-member: expected permission error, got %v", err)
	}
}

func TestMarkDeliveredSkipsOwnMessages(t *testing.T) {
	f, svc := newReceiptFixture(t)
	ctx := context.Background()
	theirs := seedMessages(t, f, "r1", "bob", 2)
	mine := seedMessages(t, f, "r1", "alice", 1)

	n, err := svc.MarkDelivered(ctx, append(theirs, mine...), "alice")
	if err != nil || n != 2 {
		t.Fatalf("MarkDelivered = %d, %v; want 2", n, err)
	}
	own, _ := f.messages.FindByID(ctx, mine[0])
	if own.IsDelivered {
		t.Errorf("own message flagged delivered")
	}

	if n, err := svc.MarkDelivered(ctx, nil, "alice"); err != nil || n != 0 {
		t.Errorf("empty MarkDelivered = %d, %v", n, err)
	}
}
