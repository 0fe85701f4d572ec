package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paycall/internal/audit"
	"paycall/internal/auth"
	"paycall/internal/calls"
	"paycall/internal/config"
	"paycall/internal/connection"
	"paycall/internal/httpapi"
	"paycall/internal/metrics"
	"paycall/internal/pricing"
	"paycall/internal/reporting"
	"paycall/internal/session"
	"paycall/internal/wallet"
	"paycall/pkg/logger"
	"paycall/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	wallets := wallet.NewService(db)
	prices := pricing.NewPostgresRepo(db)
	records := calls.NewPostgresStore(db)
	presence := connection.NewRedisBus(rdb, log)

	registry := session.NewRegistry(session.Options{
		Calls: calls.Dependencies{
			Wallet:       wallets,
			Records:      records,
			Pricing:      pricing.NewService(prices, prices, pricingDefaults(cfg.Billing)),
			Transactions: wallets,
		},
		Reachability: presence,
		Redis:        rdb,
		Audit:        audit.NewService(audit.NewPostgresRepo(db)),
		Metrics:      metrics.Billing{},
		Logger:       log,
		SyncInterval: cfg.Billing.SyncInterval,
	})

	handlers := httpapi.Handlers{
		Auth:           authManager,
		Calls:          registry,
		Reports:        reporting.NewService(records, reporting.TransactionsFunc(wallets.Transactions)),
		Publisher:      presence,
		AllowedOrigins: cfg.App.AllowedOrigins,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerPublicRoutes(r, db, rdb)
	handlers.Register(r, auth.RequireAccessToken(authManager), wallets, !cfg.IsProduction())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "active_calls", registry.Active())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Running calls are settled before the stores close.
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Error("call shutdown failed", "err", err)
	}
}

func pricingDefaults(b config.BillingConfig) pricing.PricingConfig {
	return pricing.PricingConfig{
		AudioCostPerMinute:         b.AudioCostPerMinute,
		VideoCostPerMinute:         b.VideoCostPerMinute,
		MinimumDurationSeconds:     b.MinimumDurationSeconds,
		WarningThresholdSeconds:    b.WarningThresholdSeconds,
		ReconnectionTimeoutSeconds: b.ReconnectionTimeoutSeconds,
	}
}
