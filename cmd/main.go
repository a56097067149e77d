package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/ticket_checkout/internal/backend"
	"github.com/fjod/ticket_checkout/internal/cart"
	"github.com/fjod/ticket_checkout/internal/checkout"
	"github.com/fjod/ticket_checkout/internal/config"
	"github.com/fjod/ticket_checkout/internal/coupon"
	h "github.com/fjod/ticket_checkout/internal/http"
	"github.com/fjod/ticket_checkout/internal/order"
	"github.com/fjod/ticket_checkout/internal/pricing"
	"github.com/fjod/ticket_checkout/internal/publisher"
	"github.com/fjod/ticket_checkout/internal/repository"
	"github.com/fjod/ticket_checkout/internal/settings"
	"github.com/fjod/ticket_checkout/internal/settlement"
	"github.com/fjod/ticket_checkout/internal/state"
	"github.com/fjod/ticket_checkout/pkg/circuitbreaker"
	"github.com/fjod/ticket_checkout/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	zl.Info("checkout starting", zap.String("port", cfg.HTTP.Port))

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		zl.Fatal("failed to connect to redis", zap.Error(err))
	}
	pingCancel()

	st := state.NewRedisState(rdb, state.Options{
		GuestCartTTL: cfg.Checkout.GuestCartTTL,
		PendingTTL:   cfg.Checkout.PendingTTL,
		ClaimTTL:     cfg.Checkout.ClaimTTL,
	})

	// Settlement ledger
	creds := &repository.Credentials{
		Host:              cfg.DB.Host,
		Port:              cfg.DB.Port,
		User:              cfg.DB.User,
		Password:          cfg.DB.Password,
		DBName:            cfg.DB.Name,
		MigrationsDirPath: cfg.DB.MigrationsPath,
	}
	repo, err := repository.NewRepository(creds)
	if err != nil {
		zl.Fatal("failed to connect to database", zap.Error(err))
	}
	defer repo.Close()

	if err := repo.RunMigrations(creds); err != nil {
		zl.Fatal("failed to run migrations", zap.Error(err))
	}
	zl.Info("database migrations completed")

	// Upstream HTTP clients share one breaker per host
	breakerSettings := circuitbreaker.DefaultSettings()
	breakerSettings.ConsecutiveFailures = cfg.Backend.BreakerFailures
	breakerSettings.OpenTimeout = cfg.Backend.BreakerOpenTimeout
	breakerSettings.OnStateChange = func(name string, from, to gobreaker.State) {
		zl.Warn("circuit breaker state changed",
			zap.String("host", name), zap.Stringer("from", from), zap.Stringer("to", to))
	}
	httpClient := &http.Client{
		Transport: circuitbreaker.NewTransport(otelhttp.NewTransport(http.DefaultTransport), breakerSettings),
	}

	timeout := cfg.Backend.Timeout
	cartClient := backend.NewCartClient(cfg.Backend.CartURL, httpClient, timeout)
	couponClient := backend.NewCouponClient(cfg.Backend.CouponURL, httpClient, timeout)
	orderClient := backend.NewOrderClient(cfg.Backend.OrderURL, httpClient, timeout)
	settingsClient := backend.NewSettingsClient(cfg.Backend.SettingsURL, httpClient, timeout)
	gatewayClient := backend.NewGatewayClient(cfg.Backend.GatewayURL, cfg.Backend.GatewayRedirectTemplate, httpClient, timeout)

	// Services
	carts := cart.NewStore(st, cartClient, st, zl)
	coupons := coupon.NewService(couponClient, st, zl)
	deposits := settings.NewDepositProvider(settingsClient, st, cfg.Checkout.CODDepositFallback, cfg.Checkout.StrictDeposit, zl)
	placer := order.NewPlacer(st, repo, orderClient, coupons, carts, zl)
	orchestrator := checkout.NewOrchestrator(checkout.Deps{
		Carts:    carts,
		Coupons:  coupons,
		Deposits: deposits,
		Gateway:  gatewayClient,
		Pending:  st,
		Ledger:   repo,
		Placer:   placer,
		Engine:   pricing.NewEngine(cfg.Checkout.GatewayMinimumAmount),
		Currency: cfg.Checkout.Currency,
	}, zl)
	resolver := settlement.NewResolver(st, repo, gatewayClient, placer, cfg.Checkout.MaxVerifyAttempts, zl)

	// Outbox
	pollerCtx, stopPoller := context.WithCancel(context.Background())
	defer stopPoller()
	poller := publisher.NewOutboxPoller(repo, publisher.Options{
		Topic:       cfg.Kafka.Topic,
		EventTick:   cfg.Checkout.OutboxInterval,
		OrphanTick:  cfg.Checkout.OrphanCheckInterval,
		OrphanAfter: cfg.Checkout.OrphanAfter,
	}, zl, cfg.Kafka.Brokers...)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(pollerCtx)
	}()

	// HTTP
	reqTimeout := cfg.HTTP.RequestTimeout
	router := h.NewRouter(h.Handlers{
		Cart:     h.NewCartHandler(carts, reqTimeout, zl),
		Coupon:   h.NewCouponHandler(coupons, carts, reqTimeout, zl),
		Checkout: h.NewCheckoutHandler(orchestrator, resolver, reqTimeout, zl),
		Orders:   h.NewOrdersHandler(orderClient, reqTimeout, zl),
	}, h.RouterOptions{
		RequestTimeout:     reqTimeout,
		MaxRequestBodySize: cfg.HTTP.MaxRequestBodySize,
	}, zl)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      otelhttp.NewHandler(router, "checkout"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: reqTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}

	stopPoller()
	<-pollerDone
	if err := poller.Close(); err != nil {
		zl.Warn("failed to close kafka writer", zap.Error(err))
	}

	zl.Info("checkout stopped")
}
