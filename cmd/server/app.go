package main

import (
	"context"
	"fmt"

	"go-wisp/internal/billing"
	"go-wisp/internal/config"
	"go-wisp/internal/database"
	"go-wisp/internal/device"
	"go-wisp/internal/device/airos"
	"go-wisp/internal/logger"
	"go-wisp/internal/mikrotik"
	"go-wisp/internal/models"
	"go-wisp/internal/monitor"
	"go-wisp/internal/notification"
	"go-wisp/internal/notification/email"
	"go-wisp/internal/notification/fcm"
	"go-wisp/internal/notification/telegram"
	"go-wisp/internal/security"
	"go-wisp/internal/timeseries"
)

// app holds the wired core shared by every command
type app struct {
	db       *database.DB
	stats    *timeseries.Store
	settings *config.Settings
	monitor  *monitor.Monitor
	billing  *billing.Engine
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.WithComponent("app")

	cipher := security.NewCipher(cfg.Security.EncryptionKey)
	if !cipher.Enabled() {
		log.Warn().Msg("security.encryption_key is empty, device passwords are stored unencrypted")
	}

	db, err := database.InitDB(cfg.Database.Path, cipher, logger.WithComponent("database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	stats, err := timeseries.New(cfg.Database.StatsDir, logger.WithComponent("timeseries"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open stats store: %w", err)
	}

	settings := config.NewSettings(db, logger.WithComponent("settings"))

	routers := mikrotik.New(logger.WithComponent("mikrotik"), mikrotik.WithDialTimeout(cfg.Monitor.PollTimeout))
	adapters := map[models.DeviceKind]device.Adapter{
		models.KindAP:     airos.New(airos.WithTimeout(cfg.Monitor.PollTimeout)),
		models.KindRouter: routers,
	}

	// Telegram credentials are read per alert so they can be edited at runtime.
	sinks := notification.Multi{telegram.New(settings.TelegramCredentials)}
	if push := fcm.New(ctx, cfg.Firebase.CredentialsFile, cfg.Firebase.Topic, logger.WithComponent("fcm")); push.Enabled() {
		sinks = append(sinks, push)
	}
	if mail := email.New(cfg.Email); mail.Enabled() {
		sinks = append(sinks, mail)
	}

	mon := monitor.New(db, stats, sinks, adapters, monitor.Options{
		Workers:       cfg.Monitor.Workers,
		PollTimeout:   cfg.Monitor.PollTimeout,
		RetryAttempts: cfg.Monitor.RetryAttempts,
		RetryBackoff:  cfg.Monitor.RetryBackoff,
	}, logger.WithComponent("monitor"))

	engine := billing.New(db, db, routers, settings, billing.Options{
		EnforceTimeout: 2 * cfg.Monitor.PollTimeout,
	}, logger.WithComponent("billing"))

	return &app{
		db:       db,
		stats:    stats,
		settings: settings,
		monitor:  mon,
		billing:  engine,
	}, nil
}

func (a *app) Close() {
	if err := a.stats.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close stats store")
	}
	if err := a.db.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close database")
	}
}
