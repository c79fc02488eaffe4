package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/noteduco342/whispr-backend/internal/app"
	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/config"
	"github.com/noteduco342/whispr-backend/internal/httpx"
	"github.com/noteduco342/whispr-backend/internal/logging"
	"github.com/noteduco342/whispr-backend/internal/repository"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Console: cfg.IsDevelopment(),
		File:    cfg.LogFile,
	}).With().Str("instance", cfg.InstanceID).Logger()

	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT_SECRET is required")
	}

	db, err := repository.InitDB(cfg.DB)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := repository.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisCache := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisCache.Ping(pingCtx)
	cancelPing()
	if err != nil {
		// Presence and typing live only in redis.
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis connection failed")
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")

	deps := app.New(cfg, logger, db, redisCache, app.NewRelay(cfg, logger))

	server := fiber.New(fiber.Config{
		AppName:      "whispr",
		BodyLimit:    1 << 20,
		ErrorHandler: httpx.ErrorHandler,
	})
	deps.Routes(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- deps.Run(ctx)
	}()

	go func() {
		logger.Info().Str("port", cfg.Port).Str("broker", cfg.Broker).Msg("server starting")
		if err := server.Listen(":" + cfg.Port); err != nil {
			logger.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := <-workersDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("background workers failed")
	}
	deps.Close()
	logger.Info().Msg("shutdown complete")
}
