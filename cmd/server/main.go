package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kitesync/internal/config"
	apphttp "kitesync/internal/http"
	"kitesync/internal/integrations/kite"
	"kitesync/internal/integrations/telegram"
	"kitesync/internal/integrations/webhook"
	"kitesync/internal/security/secretbox"
	"kitesync/internal/service/pricefeed"
	"kitesync/internal/service/session"
	"kitesync/internal/service/syncer"
	storepkg "kitesync/internal/store"
	"kitesync/internal/store/memory"
	"kitesync/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	var box *secretbox.Box
	if cfg.SecretsKey != "" {
		var err error
		box, err = secretbox.New(cfg.SecretsKey)
		if err != nil {
			log.Fatalf("invalid secrets key: %v", err)
		}
	} else {
		log.Printf("SECRETS_KEY not set, storing account credentials unencrypted")
	}

	var st storepkg.Store
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(cfg.DatabaseURL, box)
		if err != nil {
			log.Printf("postgres store unavailable, falling back to memory store: %v", err)
			st = memory.NewStore()
		} else {
			st = pgStore
		}
	} else {
		st = memory.NewStore()
	}

	sessions := session.NewManager(func(apiKey string) session.Client {
		opts := []kite.Option{
			kite.WithRateLimit(cfg.KiteRatePerSec, cfg.KiteRateBurst),
		}
		if cfg.KiteBaseURL != "" {
			opts = append(opts, kite.WithBaseURL(cfg.KiteBaseURL))
		}
		return kite.NewClient(apiKey, opts...)
	}, session.WithTTL(cfg.SessionTTL))
	runner := session.NewRunner(sessions, session.WithAttempts(cfg.SyncRetryAttempts))

	syncOpts := []syncer.Option{
		syncer.WithMarginTimeout(cfg.MarginTimeout),
	}
	if cfg.TelegramBotToken != "" {
		syncOpts = append(syncOpts, syncer.WithNotifier(telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)))
	}
	if cfg.WebhookURL != "" {
		syncOpts = append(syncOpts, syncer.WithPublisher(webhook.NewClient(
			cfg.WebhookURL,
			cfg.WebhookTimeout,
			cfg.WebhookMaxRetries,
			cfg.WebhookRetryBase,
			cfg.WebhookRetryMax,
		)))
	}
	var feed *pricefeed.Feed
	if cfg.TickerEnabled {
		feedOpts := []pricefeed.Option{}
		if cfg.TickerURL != "" {
			feedOpts = append(feedOpts, pricefeed.WithURL(cfg.TickerURL))
		}
		feed = pricefeed.NewFeed(st, feedOpts...)
		syncOpts = append(syncOpts, syncer.WithFeed(feed))
	}
	sync := syncer.NewSyncer(st, sessions, runner, syncOpts...)

	srv := apphttp.NewServer(cfg, st, sessions, sync)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("kitesync API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if feed != nil {
		feed.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
