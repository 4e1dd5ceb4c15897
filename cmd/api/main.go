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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"NFTBookCommerce/internal/chain"
	"NFTBookCommerce/internal/config"
	"NFTBookCommerce/internal/db"
	internalhttp "NFTBookCommerce/internal/http"
	"NFTBookCommerce/internal/idempotency"
	"NFTBookCommerce/internal/metrics"
	"NFTBookCommerce/internal/minting"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/payments"
	"NFTBookCommerce/internal/purchase"
	"NFTBookCommerce/internal/services"
	"NFTBookCommerce/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.Server.ServiceName+"-api")

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	rpc, err := chain.NewMultiRPCClient(cfg.Chain.RPCEndpoints, cfg.Chain.RPCFailoverThreshold)
	if err != nil {
		log.Fatalf("rpc client failed: %v", err)
	}
	pricingSvc, err := cfg.PricingService()
	if err != nil {
		log.Fatalf("pricing config failed: %v", err)
	}

	idem := idempotency.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := idem.Ping(ctx); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}
	defer idem.Client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "api")

	st := store.New(pool)
	stripe := payments.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, cfg.Stripe.RatePerSecond)
	dispatcher := &notify.OutboxDispatcher{Outbox: &notify.Outbox{Pool: pool}, Logger: logger}

	h := &internalhttp.Handler{
		Checkout: &services.CheckoutService{
			Store:              st,
			Processor:          stripe,
			Pricing:            pricingSvc,
			Metrics:            m,
			Logger:             logger,
			Currency:           cfg.Stripe.Currency,
			SuccessURL:         cfg.Stripe.SuccessURL,
			CancelURL:          cfg.Stripe.CancelURL,
			MaxCustomPriceDiff: cfg.Pricing.MaxCustomPriceDiff,
		},
		Purchases: &services.PurchaseService{
			Store:        st,
			Core:         purchase.New(st),
			Processor:    stripe,
			Minter:       minting.NewClient(cfg.Minter.Endpoint, cfg.Minter.Token),
			Chain:        rpc,
			Dispatcher:   dispatcher,
			Metrics:      m,
			Logger:       logger,
			Bech32Prefix: cfg.Chain.Bech32Prefix,
		},
		Webhooks:    stripe,
		Idempotency: idem,
		Chain:       rpc,
		Logger:      logger,
	}
	srv := internalhttp.NewServer(h, m, reg)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
