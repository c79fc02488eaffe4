package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/models"
)

const (
	DefaultMaxMessageLength = 4000
	// MaxClientEventIDLength bounds the retry token a client may attach.
	MaxClientEventIDLength = 64
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)
	roomIDRe   = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

func NormalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

func ValidateUsername(username string) bool {
	username = NormalizeUsername(username)
	return usernameRe.MatchString(username)
}

// NormalizeRoomID applies the "global" default. It is called once where a
// room id enters the system; everything downstream sees a concrete id.
func NormalizeRoomID(roomID string) string {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return models.GlobalRoomID
	}
	return roomID
}

// ValidateRoomID rejects ids whose room topic would collide with another
// room's users topic.
func ValidateRoomID(roomID string) bool {
	return roomIDRe.MatchString(roomID) && !strings.HasSuffix(roomID, ".users")
}

func TrimAndLimit(s string, max int) string {
	s = strings.TrimSpace(s)
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

// ValidateChatEvent checks an inbound event in place: the room id is
// normalized and CHAT content is trimmed.
func ValidateChatEvent(ev *models.ChatEvent, maxLen int) error {
	const op = "validation.ValidateChatEvent"

	if ev == nil {
		return apperr.Validation(op, "event is required")
	}
	if maxLen < 1 {
		maxLen = DefaultMaxMessageLength
	}
	if !ev.Type.Valid() {
		return apperr.Validation(op, "unknown message type")
	}

	ev.EventID = strings.TrimSpace(ev.EventID)
	if len(ev.EventID) > MaxClientEventIDLength {
		return apperr.Validation(op, "event id too long")
	}

	ev.RoomID = NormalizeRoomID(ev.RoomID)
	if !ValidateRoomID(ev.RoomID) {
		return apperr.Validation(op, "invalid room id")
	}

	if ev.Type == models.MessageChat {
		ev.Content = strings.TrimSpace(ev.Content)
		if ev.Content == "" {
			return apperr.Validation(op, "message content is required")
		}
		if utf8.RuneCountInString(ev.Content) > maxLen {
			return apperr.Validation(op, "message too long")
		}
	}
	return nil
}
