package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"studychat/api/internal/app"
	"studychat/api/internal/auth"
	"studychat/api/internal/chat"
	"studychat/api/internal/config"
	"studychat/api/internal/gateway"
	"studychat/api/internal/logger"
	"studychat/api/internal/metrics"
	"studychat/api/internal/notify"
	"studychat/api/internal/presence"
	"studychat/api/internal/realtime"
	"studychat/api/internal/search"
	"studychat/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("studychat api stopped", "error", err)
		os.Exit(1)
	}
}

// backend is what the chat service, the bridge and the gateway need from
// whichever store driver is configured.
type backend interface {
	chat.Store
	chat.MembershipOracle
	notify.Ledger
}

type memoryBackend struct {
	*chat.MemoryStore
	*notify.MemoryLedger
}

func run(cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var (
		data     backend
		ready    func(context.Context) error
		searcher search.Searcher
		pgfts    *search.PgFTS
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn("using in-memory store; chat history is lost on restart")
		data = memoryBackend{MemoryStore: chat.NewMemoryStore(), MemoryLedger: notify.NewMemoryLedger()}
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		log.Info("migrations up to date", "applied", len(applied))
		pg := store.NewPostgresStore(db)
		data = pg
		ready = pg.Ping
		pgfts = search.NewPgFTS(db)
		searcher = pgfts
	}

	var tracker chat.Presence
	switch cfg.PresenceBackend {
	case config.PresenceRedis:
		redisPresence, err := presence.NewRedis(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer func() { _ = redisPresence.Shutdown() }()
		tracker = redisPresence
		if ready != nil {
			dbReady := ready
			ready = func(ctx context.Context) error {
				if err := dbReady(ctx); err != nil {
					return err
				}
				return redisPresence.Ping(ctx)
			}
		}
		log.Info("using redis for presence", "ttl", cfg.PresenceTTL)
	default:
		tracker = presence.NewMemory(cfg.PresenceTTL, cfg.PresenceMaxEntries)
	}

	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		primary = meiliClient
	}
	searchService := search.NewService(primary, searcher, log)
	if pgfts != nil {
		go func() {
			if n, err := searchService.Reindex(ctx, pgfts); err != nil {
				log.Warn("search reindex failed", "indexed", n, "error", err)
			} else if n > 0 {
				log.Info("search reindex complete", "indexed", n)
			}
		}()
	}

	hub := realtime.NewHub(m, log)
	gw := gateway.New(auth.NewGate(cfg.JWTSecret), data, hub, log)
	service := chat.NewService(chat.Config{
		MaxBodyLength: cfg.MaxBodyLength,
		PageSize:      cfg.PageSize,
		MaxPageSize:   cfg.MaxPageSize,
	}, chat.Deps{
		Store:     data,
		Members:   data,
		Presence:  tracker,
		Publisher: gw,
		Indexer:   searchService,
		Metrics:   m,
		Logger:    log,
	})

	bridge := notify.NewBridge(notify.Config{
		QueueSize:     cfg.NotifyQueue,
		MaxBodyLength: cfg.MaxBodyLength,
	}, service, data, m, log)
	bridge.Start(context.WithoutCancel(ctx))

	httpServer := app.NewHTTPServer(app.Deps{
		Chat:    service,
		Gateway: gw,
		Feed:    notify.NewFeed(data, bridge),
		Search:  searchService,
		Metrics: m,
		Ready:   ready,
		Logger:  log,
	}, app.Options{
		CORSOrigin: cfg.CORSOrigin,
		SyncToken:  cfg.SyncToken,
		SendBuffer: cfg.SendBuffer,
		FrameRate:  cfg.FrameRate,
		FrameBurst: cfg.FrameBurst,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("studychat api listening", "addr", cfg.Addr, "store", cfg.StoreDriver, "presence", cfg.PresenceBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	hub.Shutdown()
	bridge.Stop()
	return nil
}
