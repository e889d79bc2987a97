package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	goredis "github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-checkout/internal/api"
	"ms-checkout/internal/auth"
	"ms-checkout/internal/config"
	"ms-checkout/internal/database/migrations"
	"ms-checkout/internal/kafka"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/order"
	"ms-checkout/internal/order/db"
	"ms-checkout/internal/reconcile"
	rediswrap "ms-checkout/internal/redis"
	"ms-checkout/internal/tickets"
	"ms-checkout/internal/tickets/token"
	"ms-checkout/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Close()

	if cfg.Stripe.WebhookSecret == "" {
		log.Fatal("CONFIG", "STRIPE_WEBHOOK_SECRET is not set")
	}
	if cfg.Ticket.SigningSecret == "" {
		log.Fatal("CONFIG", "TICKET_SIGNING_SECRET is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- PostgreSQL Setup ---
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()

	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to Postgres: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{
			MigrationsDir: cfg.Database.MigrationsDir,
			AutoMigrate:   true,
		})
		if err := runner.MigrateUp(); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
	}

	// --- Redis Setup ---
	redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("REDIS", fmt.Sprintf("Failed to connect to Redis: %v", err))
	}
	locks := rediswrap.NewRedis(redisClient)

	// --- Kafka Setup ---
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		topics := []string{kafka.TopicOrderIssued, kafka.TopicIssuanceRetry, kafka.TopicOpsAlerts}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Failed to ensure topics: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()
	}

	// --- Initialize Services ---
	dbLayer := &db.DB{Bun: bunDB}
	signer := token.NewSigner(cfg.Ticket.SigningSecret, cfg.Ticket.TokenTTL)
	ticketService := tickets.NewTicketService(dbLayer, signer, log)

	var orderPublisher order.KafkaPublisher
	var webhookPublisher webhook.KafkaPublisher
	if producer != nil {
		orderPublisher = producer
		webhookPublisher = producer
	}
	orderService := order.NewOrderService(dbLayer, ticketService, orderPublisher, log)

	webhookHandler := webhook.NewHandler(orderService, webhookPublisher, locks, log, cfg.Stripe.WebhookSecret)
	apiHandler := api.NewHandler(orderService, ticketService, orderService, log)

	// --- Reconciliation Worker ---
	if producer != nil {
		reconciler := reconcile.NewReconciler(orderService, dbLayer, producer, locks, log)
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, kafka.TopicIssuanceRetry, cfg.Kafka.GroupID)
		defer consumer.Close()

		go consumer.Start(ctx, func(event models.IssuanceEvent) {
			reconciler.HandleRetryEvent(ctx, event)
		})
		go reconciler.RunSweeper(ctx)
	}

	// --- Setup Router ---
	r := chi.NewRouter()
	r.Post("/api/v1/webhooks/stripe", webhookHandler.HandleStripeWebhook)
	r.Get("/api/v1/orders/by-session", apiHandler.GetOrderBySession)
	r.Post("/api/v1/tickets/redeem", apiHandler.RedeemTicket)

	if cfg.Auth.OIDCIssuer != "" {
		authMiddleware, err := auth.Middleware(ctx, cfg.Auth.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("Failed to set up OIDC middleware: %v", err))
		}
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/api/v1/admin/orders/{sessionID}/reprocess", apiHandler.ReprocessOrder)
		})
	} else {
		log.Warn("AUTH", "OIDC_ISSUER not set, admin routes disabled")
	}

	// --- Start HTTP Server ---
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("SERVER", fmt.Sprintf("Checkout service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("SERVER", fmt.Sprintf("HTTP server error: %v", err))
			os.Exit(1)
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	log.Info("SERVER", "Shutdown signal received, cleaning up...")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("SERVER", fmt.Sprintf("Server forced to shutdown: %v", err))
		return
	}

	log.Info("SERVER", "Server exited gracefully")
}
