package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/metrics"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/relay"
	"github.com/noteduco342/whispr-backend/internal/repository"
	"github.com/noteduco342/whispr-backend/internal/validation"
	"github.com/rs/zerolog"
)

// eventIDSpace scopes client retry tokens so two senders reusing the same
// token never share a stored row.
var eventIDSpace = uuid.MustParse("6f1c8e0a-3b7d-4d52-9a4e-2c5b7f9e1d30")

// ServerEventID derives the stored event id. A client token maps to the
// same id on every retry by the same sender; no token gets a random id.
func ServerEventID(sender, clientToken string) string {
	if clientToken == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(eventIDSpace, []byte(sender+"\x00"+clientToken)).String()
}

// IngestService accepts chat events from connections and hands them to the
// relay. When the relay refuses an event it is persisted and broadcast
// directly instead.
type IngestService struct {
	relay    relay.Relay
	topic    string
	members  MembershipChecker
	messages repository.MessageRepositoryInterface
	recent   *cache.MessageCache
	hub      Broadcaster
	maxLen   int
	now      clock
	logger   zerolog.Logger
}

func NewIngestService(
	rl relay.Relay,
	topic string,
	members MembershipChecker,
	messages repository.MessageRepositoryInterface,
	recent *cache.MessageCache,
	hub Broadcaster,
	maxLen int,
	logger zerolog.Logger,
) *IngestService {
	return &IngestService{
		relay:    rl,
		topic:    topic,
		members:  members,
		messages: messages,
		recent:   recent,
		hub:      hub,
		maxLen:   maxLen,
		now:      utcNow,
		logger:   logger,
	}
}

// Send validates ev on behalf of identity and publishes it keyed by room.
// A client event id is only a retry token; the returned event carries the
// server event id and timestamp, plus the message id when the fallback path
// stored it.
func (s *IngestService) Send(ctx context.Context, identity string, ev models.ChatEvent) (*models.ChatEvent, error) {
	const op = "service.IngestService.Send"

	if err := validation.ValidateChatEvent(&ev, s.maxLen); err != nil {
		metrics.IngestRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	if ev.RoomID != models.GlobalRoomID && s.members != nil {
		ok, err := s.members.IsMember(ctx, ev.RoomID, identity)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.IngestRejected.WithLabelValues("forbidden").Inc()
			return nil, apperr.Permission(op, "not a member of this room")
		}
	}

	ev.Timestamp = s.now()
	ev.EventID = ServerEventID(identity, ev.EventID)
	switch {
	case ev.Sender == "":
		ev.Sender = identity
	case ev.Sender != identity:
		s.logger.Warn().
			Str("event", "sender_mismatch").
			Str("identity", identity).
			Str("sender", ev.Sender).
			Str("room_id", ev.RoomID).
			Msg("event sender differs from connection identity")
	}

	payload, err := json.Marshal(&ev)
	if err != nil {
		return nil, apperr.Fatal(op, err)
	}

	err = s.relay.Publish(ctx, s.topic, ev.RoomID, payload)
	if err == nil {
		metrics.MessagesIngested.WithLabelValues(string(ev.Type)).Inc()
		return &ev, nil
	}

	metrics.IngestFallbacks.Inc()
	s.logger.Warn().Err(err).Str("event_id", ev.EventID).Str("room_id", ev.RoomID).Msg("relay publish failed, delivering directly")
	if err := s.deliverDirect(ctx, &ev); err != nil {
		return nil, err
	}
	metrics.MessagesIngested.WithLabelValues(string(ev.Type)).Inc()
	return &ev, nil
}

func (s *IngestService) deliverDirect(ctx context.Context, ev *models.ChatEvent) error {
	if ev.Type == models.MessageChat {
		saved, created, err := s.messages.Save(ctx, ev.ToMessage())
		if err != nil {
			if apperr.KindOf(err) == apperr.ErrTransient {
				return err
			}
			return apperr.Transient("service.IngestService.deliverDirect", err)
		}
		if created {
			metrics.MessagesPersisted.Inc()
			if err := s.recent.AppendOnWrite(ctx, ev.RoomID, saved.ToCached()); err != nil {
				s.logger.Warn().Err(err).Str("room_id", ev.RoomID).Msg("recent cache append failed")
			}
		} else {
			metrics.DuplicateDeliveries.Inc()
		}
		*ev = models.EventFromMessage(saved)
	}

	if err := s.hub.Send(models.TopicPublic, ev); err != nil {
		return fmt.Errorf("broadcast fallback event: %w", err)
	}
	return nil
}

// SetClock replaces the timestamp source.
func (s *IngestService) SetClock(now func() time.Time) {
	s.now = now
}
