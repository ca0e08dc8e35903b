package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/channel"
	"github.com/hackgods/salon-conversation-engine/internal/config"
	"github.com/hackgods/salon-conversation-engine/internal/db"
	"github.com/hackgods/salon-conversation-engine/internal/reminder"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", slog.Any("error", err))
		os.Exit(1)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("reminder-worker starting up",
		slog.String("env", cfg.Env),
		slog.Duration("interval", cfg.WorkerInterval),
		slog.Duration("sending_lease", cfg.SendingLease),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, 4)
	cancelPg()
	if err != nil {
		logger.Error("postgres connection error", slog.Any("error", err))
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	var sender channel.Sender
	if cfg.WhatsAppToken == "" {
		logger.Warn("WHATSAPP_ACCESS_TOKEN not set, reminders are only logged")
		sender = channel.NewLogSender(logger)
	} else {
		sender, err = channel.NewWhatsAppSender(cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAPIVersion)
		if err != nil {
			logger.Error("whatsapp sender error", slog.Any("error", err))
			os.Exit(1)
		}
	}

	sweeper := reminder.NewSweeper(store.NewPgRepository(pgPool), sender, cfg.SendingLease, logger)

	// Run once at startup
	runOnce(rootCtx, logger, sweeper)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, logger, sweeper)
		}
	}
}

func runOnce(ctx context.Context, logger *slog.Logger, sweeper *reminder.Sweeper) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	res, err := sweeper.RunOnce(runCtx)
	if err != nil {
		logger.Error("reminder run error", slog.Any("error", err))
		return
	}
	logger.Info("reminder run complete",
		slog.Int("sent", res.Sent),
		slog.Int("failed", res.Failed),
		slog.Duration("took", time.Since(start)),
	)
}
