package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/LionelRostand/neorent-sub005/internal/config"
	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/fanout"
	"github.com/LionelRostand/neorent-sub005/internal/httpserver"
	"github.com/LionelRostand/neorent-sub005/internal/logging"
	"github.com/LionelRostand/neorent-sub005/internal/metrics"
	"github.com/LionelRostand/neorent-sub005/internal/presence"
	"github.com/LionelRostand/neorent-sub005/internal/security"
	"github.com/LionelRostand/neorent-sub005/internal/service"
	"github.com/LionelRostand/neorent-sub005/internal/session"
	"github.com/LionelRostand/neorent-sub005/internal/store/postgres"
	"github.com/LionelRostand/neorent-sub005/internal/store/redis"
	"github.com/LionelRostand/neorent-sub005/internal/store/sqlite"
	"github.com/LionelRostand/neorent-sub005/internal/ws"
)

type repositories struct {
	presence      domain.PresenceRepository
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout).With("app", cfg.AppName, "node", cfg.NodeID)

	if err := run(cfg, log); err != nil {
		log.Error("server_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, repos, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.RedisURL != "" {
		client, err := redis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		repos.presence = redis.NewPresenceRepo(client, cfg.PresenceTTL)
		log.Info("presence_store", "backend", "redis")
	}

	m := metrics.New()
	clock := clockwork.NewRealClock()
	bus := fanout.NewBus(fanout.Options{Logger: log, Metrics: m, Clock: clock})

	if len(cfg.KafkaBrokers) > 0 {
		relay := fanout.NewKafkaRelay(bus, fanout.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			NodeID:  cfg.NodeID,
		}, log, m)
		defer relay.Close()
		bus.SetForwarder(relay)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("relay_stopped", "error", err)
			}
		}()
		log.Info("relay_enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var encryptor *security.Encryptor
	if cfg.EncryptKey != "" {
		if encryptor, err = security.NewEncryptor([]byte(cfg.EncryptKey)); err != nil {
			return err
		}
	}

	dir := service.NewConversationService(repos.conversations, bus, encryptor, clock)
	core := session.Deps{
		Presence: presence.NewService(presence.ServiceConfig{
			Repo:         repos.presence,
			Notifier:     bus,
			Clock:        clock,
			Logger:       log,
			Metrics:      m,
			Interval:     cfg.HeartbeatInterval,
			StaleFactor:  cfg.StaleFactor,
			WriteTimeout: cfg.PresenceWriteTimeout,
		}),
		Conversations: dir,
		Messages: service.NewMessageService(dir, repos.messages, bus, encryptor, clock, log, m, service.MessageLimits{
			MaxContentLength: cfg.MaxContentLength,
			PreviewLength:    cfg.PreviewLength,
			DefaultPageSize:  cfg.ThreadWindow,
			MaxPageSize:      cfg.HistoryPageMax,
		}),
		Bus:     bus,
		Limiter: security.NewLimiterPool(cfg.SendRPS, cfg.SendBurst),
		Logger:  log,
		Metrics: m,
	}

	hub := ws.NewHub()
	router := httpserver.NewRouter(cfg, httpserver.App{
		Tokens: security.NewTokenService(cfg.JWTSecret, time.Hour),
		Core:   core,
		Hub:    hub,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server_starting", "addr", cfg.HTTPAddr(), "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown. Closing
	// them ends their sessions, which writes the offline presence records;
	// the store must stay open until those writes are done.
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful_shutdown_failed", "error", err)
	}
	if err := hub.Wait(shutdownCtx); err != nil {
		log.Warn("websocket_drain_incomplete", "connections", hub.Count(), "error", err)
	}
	return nil
}

func openStore(cfg *config.Config) (*sql.DB, repositories, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, repositories{}, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, repositories{}, err
		}
		s := postgres.NewStores(db)
		return db, repositories{s.Presence, s.Conversations, s.Messages}, nil
	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, repositories{}, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, repositories{}, err
		}
		s := sqlite.NewStores(db)
		return db, repositories{s.Presence, s.Conversations, s.Messages}, nil
	}
}
