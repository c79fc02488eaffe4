// Package app builds the process's dependency graph once and hands it to
// the transport layer.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/config"
	"github.com/noteduco342/whispr-backend/internal/handlers"
	"github.com/noteduco342/whispr-backend/internal/handlers/ws"
	"github.com/noteduco342/whispr-backend/internal/logging"
	"github.com/noteduco342/whispr-backend/internal/relay"
	"github.com/noteduco342/whispr-backend/internal/repository"
	"github.com/noteduco342/whispr-backend/internal/service"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Deps struct {
	Config *config.Config
	Logger zerolog.Logger

	DB    *gorm.DB
	Redis *cache.RedisCache
	Relay relay.Relay
	Hub   *ws.Hub

	Messages *repository.MessageRepository
	Rooms    *repository.RoomRepository
	Users    *repository.UserRepository
	Recent   *cache.MessageCache

	Ingest        *service.IngestService
	Delivery      *service.DeliveryService
	MessageSvc    *service.MessageService
	Presence      *service.PresenceService
	RoomPresence  *service.RoomPresenceService
	Typing        *service.TypingService
	Receipts      *service.ReceiptService
	Notifications *service.NotificationService

	WebSocket       *handlers.WebSocketHandler
	MessageHandler  *handlers.MessageHandler
	PresenceHandler *handlers.PresenceHandler
	RoomHandler     *handlers.RoomHandler
}

// NewRelay returns the relay selected by cfg.Broker.
func NewRelay(cfg *config.Config, logger zerolog.Logger) relay.Relay {
	logger = logging.Component(logger, "relay")
	if cfg.Broker == "memory" {
		logger.Warn().Msg("using in-memory relay; events do not leave this process")
		return relay.NewMemoryRelay(logger)
	}
	return relay.NewKafkaRelay(cfg.Kafka.Brokers, logger)
}

// New wires every component over the given stores.
func New(cfg *config.Config, logger zerolog.Logger, db *gorm.DB, redisCache *cache.RedisCache, rl relay.Relay) *Deps {
	d := &Deps{
		Config: cfg,
		Logger: logger,
		DB:     db,
		Redis:  redisCache,
		Relay:  rl,
		Hub:    ws.NewHub(logging.Component(logger, "hub")),
	}

	d.Messages = repository.NewMessageRepository(db)
	d.Rooms = repository.NewRoomRepository(db)
	d.Users = repository.NewUserRepository(db)
	d.Recent = cache.NewMessageCache(redisCache, d.Messages.FindRecentTop50, logging.Component(logger, "message_cache"))

	presenceCache := cache.NewPresenceCache(redisCache)
	typingCache := cache.NewTypingCache(redisCache)

	d.Ingest = service.NewIngestService(rl, cfg.Kafka.InboundTopic, d.Rooms, d.Messages, d.Recent, d.Hub,
		cfg.MaxMessageLength, logging.Component(logger, "ingest"))
	d.Delivery = service.NewDeliveryService(rl, service.DeliveryTopics{
		Inbound:      cfg.Kafka.InboundTopic,
		Delivered:    cfg.Kafka.DeliveredTopic,
		PersistGroup: cfg.Kafka.PersistGroup,
		FanoutGroup:  cfg.DeliveryGroup(),
	}, d.Messages, d.Recent, d.Hub, logging.Component(logger, "delivery"))
	d.MessageSvc = service.NewMessageService(d.Messages, d.Recent, d.Rooms)
	d.Presence = service.NewPresenceService(presenceCache, d.Hub, d.Users, logging.Component(logger, "presence"))
	d.RoomPresence = service.NewRoomPresenceService(presenceCache, d.Hub, logging.Component(logger, "room_presence"))
	d.Typing = service.NewTypingService(typingCache, d.Hub, logging.Component(logger, "typing"))
	d.Receipts = service.NewReceiptService(d.Messages, d.Rooms, d.Recent, d.Hub, logging.Component(logger, "receipts"))
	d.Notifications = service.NewNotificationService(d.Hub, logging.Component(logger, "notifications"))

	d.WebSocket = handlers.NewWebSocketHandler(d.Hub, handlers.GatewayServices{
		Ingest:       d.Ingest,
		Presence:     d.Presence,
		RoomPresence: d.RoomPresence,
		Typing:       d.Typing,
		Receipts:     d.Receipts,
		Members:      d.Rooms,
	}, cfg.WSRatePerSec, cfg.WSBurst, logging.Component(logger, "gateway"))
	d.MessageHandler = handlers.NewMessageHandler(d.MessageSvc, d.Receipts)
	d.PresenceHandler = handlers.NewPresenceHandler(d.Presence, d.RoomPresence, d.Users)
	d.RoomHandler = handlers.NewRoomHandler(d.Rooms, d.RoomPresence, d.Notifications, d.Hub, logging.Component(logger, "rooms"))
	return d
}

// Run drives the background workers until ctx is done.
func (d *Deps) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if d.Config.TypingTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Typing.RunSweeper(ctx, d.Config.TypingSweepInterval, d.Config.TypingTimeout)
		}()
	}

	err := d.Delivery.Run(ctx)
	wg.Wait()
	return err
}

// sessionDrainTimeout bounds how long Close waits for connection cleanup.
const sessionDrainTimeout = 15 * time.Second

// Close drops every connection, waits for their cleanup to clear presence
// and room state, then releases the relay and stores.
func (d *Deps) Close() {
	d.Hub.Close()
	if !d.WebSocket.Wait(sessionDrainTimeout) {
		d.Logger.Warn().Dur("timeout", sessionDrainTimeout).Msg("sessions still cleaning up at shutdown")
	}
	if err := d.Relay.Close(); err != nil {
		d.Logger.Warn().Err(err).Msg("relay close failed")
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Warn().Err(err).Msg("redis close failed")
		}
	}
	if sqlDB, err := d.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
