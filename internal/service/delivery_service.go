package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/noteduco342/whispr-backend/internal/apperr"

	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/metrics"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/relay"
	"github.com/noteduco342/whispr-backend/internal/repository"
	"github.com/rs/zerolog"
)

// DeliveryTopics names the relay topics and groups of the delivery pipeline.
type DeliveryTopics struct {
	Inbound      string
	Delivered    string
	PersistGroup string
	// FanoutGroup must be unique per instance.
	FanoutGroup string
}

// DeliveryService drains the relay. Persist runs once per event across the
// cluster; Fanout runs on every instance.
type DeliveryService struct {
	relay    relay.Relay
	topics   DeliveryTopics
	messages repository.MessageRepositoryInterface
	recent   *cache.MessageCache
	hub      Broadcaster
	logger   zerolog.Logger

	saveAttempts int
	saveBackoff  time.Duration
}

const (
	defaultSaveAttempts = 4
	defaultSaveBackoff  = 100 * time.Millisecond
)

func NewDeliveryService(
	rl relay.Relay,
	topics DeliveryTopics,
	messages repository.MessageRepositoryInterface,
	recent *cache.MessageCache,
	hub Broadcaster,
	logger zerolog.Logger,
) *DeliveryService {
	return &DeliveryService{
		relay:    rl,
		topics:   topics,
		messages: messages,
		recent:   recent,
		hub:      hub,
		logger:   logger,

		saveAttempts: defaultSaveAttempts,
		saveBackoff:  defaultSaveBackoff,
	}
}

// SetSaveRetry bounds how often Persist retries a transient store error.
// The wait doubles after each failed attempt.
func (s *DeliveryService) SetSaveRetry(attempts int, backoff time.Duration) {
	if attempts < 1 {
		attempts = 1
	}
	s.saveAttempts = attempts
	s.saveBackoff = backoff
}

// Persist stores an inbound CHAT event and forwards it to the delivered
// topic. Redeliveries map onto the stored row and skip the cache append.
// When the store still fails after the retry budget the event is forwarded
// without a message id, so live subscribers see it even though history
// will not. Other event types are forwarded unchanged.
func (s *DeliveryService) Persist(ctx context.Context, msg relay.Message) error {
	var ev models.ChatEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		s.logger.Error().Err(err).Str("topic", msg.Topic).Msg("dropping undecodable event")
		return nil
	}

	if ev.Type == models.MessageChat {
		saved, created, err := s.save(ctx, &ev)
		switch {
		case err != nil && ctx.Err() != nil:
			// Shutting down; leave the offset for the next consumer.
			return err
		case err != nil:
			metrics.PersistFailures.Inc()
			s.logger.Error().Err(err).
				Str("event_id", ev.EventID).
				Str("room_id", ev.RoomID).
				Msg("store unavailable, forwarding unsaved event")
		case created:
			metrics.MessagesPersisted.Inc()
			if err := s.recent.AppendOnWrite(ctx, ev.RoomID, saved.ToCached()); err != nil {
				s.logger.Warn().Err(err).Str("room_id", ev.RoomID).Msg("recent cache append failed")
			}
		default:
			metrics.DuplicateDeliveries.Inc()
			s.logger.Debug().Str("event_id", ev.EventID).Uint("message_id", saved.ID).Msg("duplicate delivery")
		}
		if saved != nil {
			// A redelivery forwards what was stored, not what arrived.
			ev = models.EventFromMessage(saved)
		}
	}

	payload, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	if err := s.relay.Publish(ctx, s.topics.Delivered, ev.RoomID, payload); err != nil {
		// Other instances miss this one; local subscribers still get it.
		s.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("publish delivered event failed, broadcasting locally")
		return s.hub.Send(models.RoomTopic(ev.RoomID), &ev)
	}
	return nil
}

// save retries transient store errors with doubling waits.
func (s *DeliveryService) save(ctx context.Context, ev *models.ChatEvent) (*models.Message, bool, error) {
	wait := s.saveBackoff
	for attempt := 1; ; attempt++ {
		saved, created, err := s.messages.Save(ctx, ev.ToMessage())
		if err == nil {
			return saved, created, nil
		}
		if attempt >= s.saveAttempts || apperr.KindOf(err) != apperr.ErrTransient {
			return nil, false, err
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Str("event_id", ev.EventID).Msg("save failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
}

// Fanout broadcasts a delivered event to the room's subscribers on this
// instance.
func (s *DeliveryService) Fanout(ctx context.Context, msg relay.Message) error {
	var ev models.ChatEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		s.logger.Error().Err(err).Str("topic", msg.Topic).Msg("dropping undecodable event")
		return nil
	}
	return s.hub.Send(models.RoomTopic(ev.RoomID), &ev)
}

// Run consumes both topics until ctx is done and returns the first
// subscription error.
func (s *DeliveryService) Run(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	record := func(err error) {
		if err != nil {
			once.Do(func() { firstErr = err })
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		record(s.relay.Subscribe(ctx, s.topics.Inbound, s.topics.PersistGroup, s.Persist))
	}()
	go func() {
		defer wg.Done()
		record(s.relay.Subscribe(ctx, s.topics.Delivered, s.topics.FanoutGroup, s.Fanout, relay.FromLatest()))
	}()

	s.logger.Info().
		Str("inbound", s.topics.Inbound).
		Str("delivered", s.topics.Delivered).
		Str("fanout_group", s.topics.FanoutGroup).
		Msg("delivery pipeline started")
	wg.Wait()
	return firstErr
}
