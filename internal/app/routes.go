package app

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/noteduco342/whispr-backend/internal/logging"
	"github.com/noteduco342/whispr-backend/internal/middleware"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes registers every HTTP and websocket route on app.
func (d *Deps) Routes(app *fiber.App) {
	cfg := d.Config

	app.Use(requestid.New())
	app.Use(logging.RequestLogger(logging.Component(d.Logger, "http")))
	app.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins(cfg.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	app.Get("/health", d.health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api",
		middleware.OriginAllowed(cfg.AllowedOrigins),
		middleware.AuthRequired(cfg.JWTSecret),
		limiter.New(limiter.Config{
			Max:        120,
			Expiration: time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				if user := middleware.Username(c); user != "" {
					return "user:" + user
				}
				return c.IP()
			},
		}),
	)

	api.Get("/messages/recent/:roomId", d.MessageHandler.GetRecent)
	api.Get("/messages/history/:roomId", d.MessageHandler.GetHistory)
	api.Get("/messages/unread/:roomId", d.MessageHandler.CountUnread)
	api.Post("/messages/mark-read/:roomId", d.MessageHandler.MarkRoomRead)

	api.Get("/presence/online", d.PresenceHandler.OnlineUsers)
	api.Get("/presence/rooms/:roomId", middleware.RequireRoomRole(d.Rooms), d.PresenceHandler.RoomUsers)
	api.Get("/presence/rooms/:roomId/users/:username", middleware.RequireRoomRole(d.Rooms), d.PresenceHandler.RoomUser)
	api.Get("/presence/users/:username", d.PresenceHandler.GetUser)

	api.Post("/rooms", d.RoomHandler.CreateRoom)
	api.Get("/rooms/:roomId", middleware.RequireRoomRole(d.Rooms), d.RoomHandler.GetRoom)
	api.Get("/rooms/:roomId/members", middleware.RequireRoomRole(d.Rooms), d.RoomHandler.GetMembers)
	api.Post("/rooms/:roomId/members", middleware.RequireRoomRole(d.Rooms, models.RoleOwner, models.RoleAdmin), d.RoomHandler.AddMember)
	api.Delete("/rooms/:roomId/members/:username", d.RoomHandler.RemoveMember)

	app.Use("/ws",
		middleware.OriginAllowed(cfg.AllowedOrigins),
		middleware.AuthRequired(cfg.JWTSecret),
		d.WebSocket.Upgrade(),
	)
	app.Get("/ws", websocket.New(d.WebSocket.HandleWebSocket))
}

func (d *Deps) health(c *fiber.Ctx) error {
	status, state := fiber.StatusOK, "ok"
	checks := fiber.Map{"database": "ok", "redis": "ok"}

	if sqlDB, err := d.DB.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
		checks["database"] = "unavailable"
		status, state = fiber.StatusServiceUnavailable, "degraded"
	}
	if d.Redis == nil || d.Redis.Ping(c.UserContext()) != nil {
		checks["redis"] = "unavailable"
		status, state = fiber.StatusServiceUnavailable, "degraded"
	}

	return c.Status(status).JSON(fiber.Map{
		"status":      state,
		"instance":    d.Config.InstanceID,
		"connections": d.Hub.Count(),
		"checks":      checks,
	})
}

func corsOrigins(allowed string) string {
	if allowed == "" {
		return "*"
	}
	return allowed
}
