package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"NFTBookCommerce/internal/config"
	"NFTBookCommerce/internal/db"
	"NFTBookCommerce/internal/metrics"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/settlement"
	"NFTBookCommerce/internal/store"
	"NFTBookCommerce/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		log.Fatalf("kafka.brokers is required")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.Server.ServiceName+"-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "worker")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		if err := http.ListenAndServe(":9091", mux); err != nil {
			logger.Error("metrics listener stopped", "err", err)
		}
	}()

	outbox := &notify.Outbox{Pool: pool}
	publisher := notify.NewPublisher(cfg.Kafka.Brokers)
	defer publisher.Close()

	settle := &settlement.Service{
		Store:           store.New(pool),
		Processor:       payments.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, cfg.Stripe.RatePerSecond),
		Dispatcher:      &notify.OutboxDispatcher{Outbox: outbox, Logger: logger},
		Metrics:         m,
		Logger:          logger,
		ArtFeeWallet:    cfg.Settlement.ArtFeeWallet,
		PlatformChannel: cfg.Pricing.PlatformChannel,
		WaivedChannel:   cfg.Pricing.WaivedChannel,
		Now:             time.Now,
	}

	w := &worker.Worker{
		Source:       outbox,
		Publisher:    publisher,
		Handlers:     map[string]worker.Handler{notify.TopicSettlement: worker.SettlementHandler(settle)},
		Metrics:      m,
		Logger:       logger,
		Interval:     time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		BatchSize:    cfg.Worker.BatchSize,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RetryInitial: time.Duration(cfg.Worker.RetryInitialSec) * time.Second,
		RetryMax:     time.Duration(cfg.Worker.RetryMaxSec) * time.Second,
	}

	logger.Info("worker started", "brokers", cfg.Kafka.Brokers, "batch", w.BatchSize)
	w.Run(ctx)
}
