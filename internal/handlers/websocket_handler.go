package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/handlers/ws"
	"github.com/noteduco342/whispr-backend/internal/middleware"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const cleanupTimeout = 10 * time.Second

// GatewayServices are the collaborators of the websocket gateway.
type GatewayServices struct {
	Ingest       *service.IngestService
	Presence     *service.PresenceService
	RoomPresence *service.RoomPresenceService
	Typing       *service.TypingService
	Receipts     *service.ReceiptService
	Members      service.MembershipChecker
}

type WebSocketHandler struct {
	hub        *ws.Hub
	svc        GatewayServices
	dispatcher *ws.Dispatcher
	ratePerSec float64
	burst      int
	logger     zerolog.Logger

	// sessions counts connections whose cleanup has not finished.
	sessions sync.WaitGroup
}

// wsConn is the part of a websocket connection the read loop needs.
type wsConn interface {
	ws.Conn
	ReadMessage() (messageType int, p []byte, err error)
}

func NewWebSocketHandler(hub *ws.Hub, svc GatewayServices, ratePerSec float64, burst int, logger zerolog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:        hub,
		svc:        svc,
		ratePerSec: ratePerSec,
		burst:      burst,
		logger:     logger,
	}
	h.dispatcher = ws.NewDispatcher(h.routes())
	logger.Debug().Strs("commands", h.dispatcher.Types()).Msg("websocket commands registered")
	return h
}

// Upgrade admits authenticated websocket upgrade requests.
func (h *WebSocketHandler) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if middleware.Username(c) == "" {
			return fiber.ErrUnauthorized
		}
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *websocket.Conn) {
	username, _ := c.Locals("username").(string)
	if username == "" {
		_ = c.Close()
		return
	}
	supportsGzip := c.Query("gzip") == "1" || c.Headers("X-Supports-Gzip") == "1"
	h.serve(c, username, supportsGzip)
}

// Wait blocks until every session's cleanup finished or timeout passed. It
// reports whether all sessions drained.
func (h *WebSocketHandler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// serve runs one connection until its read side fails, then releases the
// session.
func (h *WebSocketHandler) serve(conn wsConn, username string, supportsGzip bool) {
	h.sessions.Add(1)
	defer h.sessions.Done()

	sessionID := uuid.NewString()
	h.hub.Register(sessionID, username, conn, supportsGzip)
	session := ws.NewSession(sessionID, username, h.hub)
	logger := h.logger.With().Str("session_id", sessionID).Str("username", username).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer h.cleanup(session)

	h.open(ctx, session)

	limiter := rate.NewLimiter(rate.Limit(h.ratePerSec), h.burst)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("read loop ended")
			return
		}

		if messageType == websocket.BinaryMessage {
			data, err = ws.DecompressMessage(data)
			if err != nil {
				h.replyError(session, apperr.Validation("ws.read", "failed to decompress frame"), "")
				continue
			}
		}

		if !limiter.Allow() {
			_ = session.Reply(ws.ErrorResponse{Type: "error", Error: "rate limit exceeded", Code: "rate_limited"})
			continue
		}

		h.handleFrame(ctx, session, data)
	}
}

// open subscribes a new session to its default topics and marks the user
// online.
func (h *WebSocketHandler) open(ctx context.Context, s *ws.Session) {
	for _, topic := range []string{
		models.TopicPresence,
		models.TopicOnlineUsers,
		models.TopicPublic,
		models.UserNotificationsTopic(s.Username),
	} {
		s.Subscribe(topic)
	}

	if _, err := h.svc.Presence.Connect(ctx, s.Username, s.ID); err != nil {
		h.logger.Error().Err(err).Str("username", s.Username).Msg("presence connect failed")
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, s *ws.Session, data []byte) {
	env, err := ws.Decode(data)
	if err != nil {
		h.replyError(s, err, "")
		return
	}
	if err := h.dispatcher.Dispatch(ctx, s, env); err != nil {
		h.replyError(s, err, env.Type)
	}
}

func (h *WebSocketHandler) replyError(s *ws.Session, err error, command string) {
	event := h.logger.Debug()
	if kind := apperr.KindOf(err); errors.Is(kind, apperr.ErrFatal) || errors.Is(kind, apperr.ErrTransient) {
		event = h.logger.Error()
	}
	event.Err(err).Str("session_id", s.ID).Str("command", command).Msg("command failed")

	resp := ws.NewErrorResponse(err)
	resp.Details = command
	_ = s.Reply(resp)
}

// cleanup releases everything the session holds and announces LEAVE for
// each joined room, the same as room.leave. It runs on a fresh context so
// it completes after the connection is gone.
func (h *WebSocketHandler) cleanup(s *ws.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, roomID := range s.TypingRooms() {
		if err := h.svc.Typing.StopTyping(ctx, roomID, s.Username); err != nil {
			h.logger.Warn().Err(err).Str("room_id", roomID).Msg("cleanup: stop typing failed")
		}
		s.StoppedTyping(roomID)
	}
	for _, roomID := range s.Rooms() {
		if _, err := h.svc.RoomPresence.Leave(ctx, roomID, s.Username); err != nil {
			h.logger.Warn().Err(err).Str("room_id", roomID).Msg("cleanup: leave room failed")
		}
		s.Left(roomID)
		h.announce(ctx, s, roomID, models.MessageLeave)
	}
	if _, err := h.svc.Presence.Disconnect(ctx, s.Username, s.ID); err != nil {
		h.logger.Error().Err(err).Str("username", s.Username).Msg("cleanup: presence disconnect failed")
	}
	h.hub.Unregister(s.ID)
}
