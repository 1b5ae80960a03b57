// cmd/worker/main.go
//
// The worker runs the two periodic loops of the relay: the sweep that pushes
// eligible messages to the broker, and the drain that applies delivery status
// events reported back by the transfer agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/mailrelay-backend/internal/bounce"
	"github.com/unclebandit/mailrelay-backend/internal/config"
	"github.com/unclebandit/mailrelay-backend/internal/db"
	"github.com/unclebandit/mailrelay-backend/internal/logger"
	"github.com/unclebandit/mailrelay-backend/internal/queue"
	"github.com/unclebandit/mailrelay-backend/internal/registry"
	"github.com/unclebandit/mailrelay-backend/internal/repository"
	"github.com/unclebandit/mailrelay-backend/internal/service"
	"github.com/unclebandit/mailrelay-backend/internal/spamd"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("failed to load config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	database, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	pool := queue.NewPool(cfg.AMQPUrl, cfg.BrokerPoolSize)
	defer pool.Close()

	var domains registry.Registry = registry.NewStatic(nil)
	if cfg.RegistryURL != "" {
		domains = registry.NewClient(cfg.RegistryURL, cfg.RegistryAPIKey)
	}

	svc := &service.MailService{
		Messages: &repository.OutboundMessageRepository{DB: database},
		Bounces: &bounce.Ledger{
			Store:    &repository.BounceRecordRepository{DB: database},
			Cache:    rdb,
			CacheTTL: cfg.BlocklistCacheTTL(),
			Log:      log,
		},
		Registry: domains,
		Spam:     spamd.NewClient(cfg.SpamdURL, cfg.SpamdAPIKey),
		Pool:     pool,
		Webhook:  service.NewNotifier(log),
		Cfg:      cfg,
		Log:      log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker started",
		"sweep_interval", cfg.SweepInterval(), "drain_interval", cfg.DrainInterval())

	go runSweep(ctx, svc, cfg.SweepInterval())
	go runDrain(ctx, svc, cfg.DrainInterval(), log)

	<-ctx.Done()
	log.Info("worker shutting down")
}

func runSweep(ctx context.Context, svc *service.MailService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	svc.PushEmailsToQueue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.PushEmailsToQueue(ctx)
		}
	}
}

func runDrain(ctx context.Context, svc *service.MailService, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drainOnce(ctx, svc, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drainOnce(ctx, svc, log)
		}
	}
}

func drainOnce(ctx context.Context, svc *service.MailService, log *slog.Logger) {
	if err := svc.FetchAndUpdateDeliveryStatuses(ctx); err != nil {
		log.Error("status drain failed", "error", err)
	}
}
