package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaRelay publishes through one synchronous writer and consumes through a
// reader per subscription. The hash balancer keeps each key on a single
// partition.
type KafkaRelay struct {
	brokers []string
	writer  *kafka.Writer
	logger  zerolog.Logger
}

func NewKafkaRelay(brokers []string, logger zerolog.Logger) *KafkaRelay {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error().Msgf(msg, args...)
		}),
	}

	return &KafkaRelay{
		brokers: brokers,
		writer:  writer,
		logger:  logger,
	}
}

func (r *KafkaRelay) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := r.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		metrics.RelayPublishErrors.WithLabelValues(topic).Inc()
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return apperr.Transient("relay.KafkaRelay.Publish", err)
	}
	return nil
}

// Subscribe fetches, handles and only then commits each message.
func (r *KafkaRelay) Subscribe(ctx context.Context, topic, group string, h Handler, opts ...SubscribeOption) error {
	cfg := buildSubscribeConfig(opts)

	startOffset := kafka.FirstOffset
	if cfg.fromLatest {
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     r.brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: startOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			r.logger.Error().Str("topic", topic).Str("group", group).Msgf(msg, args...)
		}),
	})
	defer reader.Close()

	logger := r.logger.With().Str("topic", topic).Str("group", group).Logger()
	logger.Info().Msg("relay consumer started")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Info().Msg("relay consumer stopped")
				return nil
			}
			logger.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := h(ctx, fromKafka(m)); err != nil {
			if ctx.Err() != nil {
				// Uncommitted; the group redelivers it after the rebalance.
				logger.Info().Int64("offset", m.Offset).Msg("relay consumer stopped mid-message")
				return nil
			}
			logger.Error().Err(err).Str("key", string(m.Key)).Int64("offset", m.Offset).Msg("relay handler failed")
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Int64("offset", m.Offset).Msg("commit failed")
		}
	}
}

func (r *KafkaRelay) Close() error {
	return r.writer.Close()
}

func fromKafka(m kafka.Message) Message {
	return Message{
		Topic: m.Topic,
		Key:   string(m.Key),
		Value: m.Value,
		Time:  m.Time,
	}
}
