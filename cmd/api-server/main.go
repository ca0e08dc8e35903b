package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/salon-conversation-engine/internal/api"
	"github.com/hackgods/salon-conversation-engine/internal/channel"
	"github.com/hackgods/salon-conversation-engine/internal/config"
	"github.com/hackgods/salon-conversation-engine/internal/db"
	"github.com/hackgods/salon-conversation-engine/internal/decision"
	"github.com/hackgods/salon-conversation-engine/internal/events"
	"github.com/hackgods/salon-conversation-engine/internal/notify"
	"github.com/hackgods/salon-conversation-engine/internal/pipeline"
	redisclient "github.com/hackgods/salon-conversation-engine/internal/redis"
	"github.com/hackgods/salon-conversation-engine/internal/store"
)

var version = "dev"

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", slog.Any("error", err))
		os.Exit(1)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("api-server starting up",
		slog.String("env", cfg.Env),
		slog.String("http_port", cfg.HTTPPort),
		slog.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err == nil {
		err = db.EnsureSchema(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		fatal(logger, "postgres connection error", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		fatal(logger, "redis connection error", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("error closing redis", slog.Any("error", err))
		}
	}()
	logger.Info("connected to Redis")

	decider, err := decision.NewGeminiDecider(rootCtx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.BusinessName)
	if err != nil {
		fatal(logger, "decision client error", err)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.AMQPURL != "" {
		n, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			fatal(logger, "amqp connection error", err)
		}
		notifier = n
		logger.Info("connected to RabbitMQ", slog.String("exchange", cfg.AMQPExchange))
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Error("error closing notifier", slog.Any("error", err))
		}
	}()

	sender := newSender(cfg, logger)

	settings := events.DefaultSettings()
	settings.PauseDuration = cfg.PauseDuration

	ctrl := pipeline.NewController(pipeline.Deps{
		Repo:       store.NewPgRepository(pgPool),
		Decider:    decider,
		Dispatcher: events.NewDefaultDispatcher(logger, settings),
		Sender:     sender,
		Notifier:   notifier,
		Locker:     redisclient.NewContactLocker(rdb, cfg.LockTTL, cfg.LockWait),
		Logger:     logger,
	}, pipeline.Options{
		BusinessName:    cfg.BusinessName,
		Location:        cfg.BusinessTZ,
		HistoryLimit:    cfg.HistoryLimit,
		DecisionTimeout: cfg.DecisionTimeout,
		StaleAfter:      cfg.StaleAfter,
		DisableDelay:    cfg.ReplyDelayDisabled,
	})

	router := api.NewRouter(api.RouterConfig{
		Conversations: ctrl,
		Dependencies: []api.Dependency{
			{Name: "postgres", Critical: true, Check: pgPool.Ping},
			{Name: "redis", Critical: true, Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		Logger:  logger,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server error", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.Any("error", err))
	}

	// Turns already accepted finish before the pools close.
	done := make(chan struct{})
	go func() {
		ctrl.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout with turns still in flight")
	}
}

func newSender(cfg config.Config, logger *slog.Logger) channel.Sender {
	if cfg.WhatsAppToken == "" {
		logger.Warn("WHATSAPP_ACCESS_TOKEN not set, replies are only logged")
		return channel.NewLogSender(logger)
	}
	s, err := channel.NewWhatsAppSender(cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAPIVersion)
	if err != nil {
		fatal(logger, "whatsapp sender error", err)
	}
	return s
}
