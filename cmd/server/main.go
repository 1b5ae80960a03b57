// cmd/server/main.go
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/mailrelay-backend/internal/bounce"
	"github.com/unclebandit/mailrelay-backend/internal/config"
	"github.com/unclebandit/mailrelay-backend/internal/controller"
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

	messageRepo := &repository.OutboundMessageRepository{DB: database}
	bounceRepo := &repository.BounceRecordRepository{DB: database}

	var domains registry.Registry = registry.NewStatic(nil)
	if cfg.RegistryURL != "" {
		domains = registry.NewClient(cfg.RegistryURL, cfg.RegistryAPIKey)
	}

	svc := &service.MailService{
		Messages: messageRepo,
		Bounces: &bounce.Ledger{
			Store:    bounceRepo,
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

	ctrl := &controller.MessageController{
		Pipeline:    svc,
		AdminAPIKey: cfg.AdminAPIKey,
		Log:         log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/api/outbound/send", ctrl.Send)
	r.Get("/api/outbound/{id}/status", ctrl.GetStatus)
	r.Post("/api/outbound/statuses", ctrl.BatchStatuses)

	r.Group(func(r chi.Router) {
		r.Use(ctrl.RequireAdmin)
		r.Post("/api/outbound/{id}/force-accept", ctrl.ForceAccept)
		r.Post("/api/outbound/{id}/retry-failed", ctrl.RetryFailed)
		r.Post("/api/outbound/{id}/retry-bounced", ctrl.RetryBounced)
		r.Post("/api/outbound/{id}/force-push", ctrl.ForcePush)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info("server listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
