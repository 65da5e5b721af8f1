package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/checkout"
	"github.com/ariefcatur/bookstore-checkout/internal/config"
	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/gateway/efi"
	"github.com/ariefcatur/bookstore-checkout/internal/gateway/sandbox"
	"github.com/ariefcatur/bookstore-checkout/internal/httpx"
	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/bookstore-checkout/internal/kafka"
	"github.com/ariefcatur/bookstore-checkout/internal/logging"
	"github.com/ariefcatur/bookstore-checkout/internal/mailer"
	"github.com/ariefcatur/bookstore-checkout/internal/memstore"
	"github.com/ariefcatur/bookstore-checkout/internal/notify"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/ariefcatur/bookstore-checkout/internal/payment"
	"github.com/ariefcatur/bookstore-checkout/internal/postgres"
	"github.com/ariefcatur/bookstore-checkout/internal/reaper"
	"github.com/ariefcatur/bookstore-checkout/internal/redisx"
	"github.com/ariefcatur/bookstore-checkout/internal/watcher"
	"github.com/ariefcatur/bookstore-checkout/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type storage struct {
	orders orders.Store
	ledger inventory.Ledger
	books  httpx.BookLister
	audit  webhook.Auditor
	close  func()
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.Env, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("storage", zap.Error(err))
	}
	defer st.close()

	// Redis: webhook dedup + status cache, optional
	var (
		dedup webhook.Deduper
		cache httpx.StatusCache
	)
	if cfg.Store != "memory" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb); err != nil {
			log.Warn("redis unavailable, running without dedup and status cache", zap.Error(err))
		} else {
			dedup = &redisx.Dedup{RDB: rdb, Service: cfg.ServiceName, TTL: cfg.WebhookDedupTTL}
			cache = &redisx.StatusCache{RDB: rdb}
		}
	}

	// Kafka producers outlive the HTTP server; they are closed after it stops.
	var producers []*kafkax.Producer
	var mail mailer.Notifier = &mailer.LogNotifier{Logger: log}
	var relay httpx.WebhookEnqueuer
	if cfg.Store != "memory" && len(cfg.KafkaBrokers) > 0 {
		mailProd := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderEmail, 1024, log)
		mailProd.Start(context.Background())
		producers = append(producers, mailProd)
		mail = &mailer.KafkaNotifier{Producer: mailProd, ServiceName: cfg.ServiceName, AuthorEmail: cfg.AuthorEmail}

		if cfg.WebhookAsync {
			hookProd := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentWebhook, 1024, log)
			hookProd.Start(context.Background())
			producers = append(producers, hookProd)
			relay = &webhook.Relay{Producer: hookProd, ServiceName: cfg.ServiceName}
		}
	}

	// Core
	// Token fetches outlive any single request.
	gw, err := newGateway(context.Background(), cfg)
	if err != nil {
		log.Fatal("gateway", zap.Error(err))
	}
	broker := notify.NewBroker()
	rec := payment.NewReconciler(st.orders, st.ledger, broker, mail, log)
	watchers := watcher.NewRegistry(gw, rec, cfg.WatcherInterval, log)
	co := checkout.NewOrchestrator(st.orders, st.ledger, gw, rec, watchers, cfg.ReservationTTL, log)
	rp := reaper.New(st.orders, st.ledger, gw, cfg.ReaperInterval, log)
	hooks := webhook.NewService(st.audit, dedup, rec, log)

	// HTTP
	router := httpx.NewRouter(log)
	router.Group(func(r chi.Router) {
		r.Use(httpx.WithTimeout(30 * time.Second))
		(&httpx.CheckoutHandler{Service: co, Log: log}).Register(r)
		(&httpx.OrdersHandler{Orders: st.orders, Books: st.books, Cache: cache, Log: log}).Register(r)
		(&httpx.WebhookHandler{
			Service: hooks,
			Relay:   relay,
			Limiter: httpx.NewIPRateLimiter(rate.Limit(cfg.WebhookRate), cfg.WebhookBurst),
			Log:     log,
		}).Register(r)
		(&httpx.AdminHandler{
			Expirer:  rp,
			Payments: gw,
			Applier:  rec,
			Secret:   []byte(cfg.AdminJWTSecret),
			Log:      log,
		}).Register(r)
	})
	(&httpx.StreamHandler{Orders: st.orders, Events: broker, Timeout: cfg.SubscribeTimeout, Log: log}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.Store), zap.String("gateway", cfg.Gateway))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rp.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		watchers.Close()
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
	}

	for _, p := range producers {
		p.Close()
	}
	for _, p := range producers {
		p.WaitClosed()
	}
}

func openStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (*storage, error) {
	if cfg.Store == "memory" {
		ledger := memstore.NewLedger(demoBooks()...)
		log.Info("using in-memory storage")
		return &storage{
			orders: memstore.NewOrders(),
			ledger: ledger,
			books:  ledger,
			audit:  memstore.NewAudit(),
			close:  func() {},
		}, nil
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	repo := &orders.Repo{DB: db}
	return &storage{
		orders: repo,
		ledger: &inventory.PGLedger{DB: db},
		books:  repo,
		audit:  &webhook.PGAudit{DB: db},
		close:  db.Close,
	}, nil
}

func newGateway(ctx context.Context, cfg config.Config) (*gateway.Router, error) {
	gw := gateway.NewRouter()
	if cfg.Gateway == "efi" {
		pixHTTP, err := efi.NewHTTPClient(ctx, efi.Auth{
			BaseURL:      cfg.EfiPixBaseURL,
			ClientID:     cfg.EfiClientID,
			ClientSecret: cfg.EfiClientSecret,
			CertFile:     cfg.EfiCertFile,
			KeyFile:      cfg.EfiCertKeyFile,
		})
		if err != nil {
			return nil, err
		}
		cardHTTP, err := efi.NewHTTPClient(ctx, efi.Auth{
			BaseURL:      cfg.EfiCardBaseURL,
			ClientID:     cfg.EfiCardClientID,
			ClientSecret: cfg.EfiCardClientSecret,
		})
		if err != nil {
			return nil, err
		}
		gw.Register(orders.MethodPix, efi.NewPixClient(pixHTTP, cfg.EfiPixBaseURL, cfg.EfiPixKey, cfg.ReservationTTL))
		gw.Register(orders.MethodCard, efi.NewCardClient(cardHTTP, cfg.EfiCardBaseURL))
		return gw, nil
	}
	gw.Register(orders.MethodPix, sandbox.NewPix(3))
	gw.Register(orders.MethodCard, sandbox.NewCard())
	return gw, nil
}

func demoBooks() []orders.Book {
	return []orders.Book{
		{ID: "dom-casmurro", Title: "Dom Casmurro", Author: "Machado de Assis", Stock: 20, PriceCents: 3000},
		{ID: "memorias-postumas", Title: "Memorias Postumas de Bras Cubas", Author: "Machado de Assis", Stock: 15, PriceCents: 3490},
		{ID: "grande-sertao", Title: "Grande Sertao: Veredas", Author: "Joao Guimaraes Rosa", Stock: 8, PriceCents: 7990},
	}
}
