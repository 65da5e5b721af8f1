package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/bookstore-checkout/internal/config"
	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/bookstore-checkout/internal/kafka"
	"github.com/ariefcatur/bookstore-checkout/internal/logging"
	"github.com/ariefcatur/bookstore-checkout/internal/mailer"
	"github.com/ariefcatur/bookstore-checkout/internal/notify"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/ariefcatur/bookstore-checkout/internal/payment"
	"github.com/ariefcatur/bookstore-checkout/internal/postgres"
	"github.com/ariefcatur/bookstore-checkout/internal/redisx"
	"github.com/ariefcatur/bookstore-checkout/internal/webhook"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// The worker applies webhooks queued by the API when WEBHOOK_ASYNC is on.
// Paid events reach only this process's broker, so open order streams on the
// API learn about them by their next status read.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.Env, cfg.ServiceName+"-webhook-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	var dedup webhook.Deduper
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Warn("redis unavailable, running without dedup", zap.Error(err))
	} else {
		dedup = &redisx.Dedup{RDB: rdb, Service: cfg.ServiceName, TTL: cfg.WebhookDedupTTL}
	}

	// E-mail producer
	mailProd := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderEmail, 1024, log)
	mailProd.Start(context.Background())
	mail := &mailer.KafkaNotifier{Producer: mailProd, ServiceName: cfg.ServiceName, AuthorEmail: cfg.AuthorEmail}

	// Service
	repo := &orders.Repo{DB: db}
	rec := payment.NewReconciler(repo, &inventory.PGLedger{DB: db}, notify.NewBroker(), mail, log)
	svc := webhook.NewService(&webhook.PGAudit{DB: db}, dedup, rec, log)

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WebhookGroup, orders.TopicPaymentWebhook, cfg.WebhookWorkers, log)
	log.Info("webhook consumer started", zap.String("group", cfg.WebhookGroup),
		zap.String("topic", orders.TopicPaymentWebhook), zap.Int("workers", cfg.WebhookWorkers))
	if err := cons.Start(ctx, svc.Handler()); err != nil {
		log.Error("consumer exit", zap.Error(err))
	}

	log.Info("shutting down consumer...")
	mailProd.Close()
	mailProd.WaitClosed()
}
