package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/api"
	"github.com/perpx/perp-engine/internal/config"
	"github.com/perpx/perp-engine/internal/engine"
	"github.com/perpx/perp-engine/internal/funding"
	"github.com/perpx/perp-engine/internal/insurance"
	"github.com/perpx/perp-engine/internal/ledger"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/oracle"
	"github.com/perpx/perp-engine/internal/pool"
	"github.com/perpx/perp-engine/internal/referral"
	"github.com/perpx/perp-engine/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Oracle feed ---
	signers := make(oracle.StaticSigners)
	for _, s := range cfg.Oracle.Signers {
		signers[s] = true
	}
	var primary oracle.PrimarySource
	if cfg.Oracle.PrimaryURL != "" {
		primary = oracle.NewHTTPPrimary(cfg.Oracle.PrimaryURL, cfg.Oracle.PrimaryTimeout)
		slog.Info("primary price source enabled", "url", cfg.Oracle.PrimaryURL)
	}
	feed := oracle.NewFeed(oracle.Config{
		MinAuthorizations:     cfg.Oracle.MinAuthorizations,
		MaxDeviationBps:       decimal.NewFromInt(cfg.Oracle.MaxDeviationBps),
		MaxTimeDeviation:      cfg.Oracle.MaxTimeDeviation,
		MaxPriceUpdateDelay:   cfg.Oracle.MaxPriceUpdateDelay,
		PriceDuration:         cfg.Oracle.PriceDuration,
		SpreadBpsIfInactive:   decimal.NewFromInt(cfg.Oracle.SpreadBpsInactive),
		SpreadBpsIfChainError: decimal.NewFromInt(cfg.Oracle.SpreadBpsChainError),
	}, signers, primary)

	// --- Pool ---
	pl := pool.New(pool.Config{
		RatePerHour:          mustDecimal(cfg.Pool.RatePerHour, "pool.rate_per_hour"),
		OpenRate:             mustDecimal(cfg.Pool.OpenRate, "pool.open_rate"),
		OpenLimit:            mustDecimal(cfg.Pool.OpenLimit, "pool.open_limit"),
		UtilizationThreshold: mustDecimal(cfg.Pool.UtilizationThreshold, "pool.utilization_threshold"),
		RemoveFeeRate:        mustDecimal(cfg.Pool.RemoveFeeRate, "pool.remove_fee_rate"),
	}, time.Now())

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Optional archive and cache ---
	var cleanup []func()
	opts := engine.Options{
		ExecuteFee: mustDecimal(cfg.Engine.ExecuteFee, "engine.execute_fee"),
		FeeAccount: cfg.Engine.FeeAccount,
		FundingParams: funding.Params{
			BaseRatePer8h: mustDecimal(cfg.Engine.FundingRate8h, "engine.funding_rate_8h"),
		},
		FillHook: func(o model.Order) {
			wsHub.Broadcast(api.WSMessage{
				Type:       "fill",
				Market:     o.Market,
				Price:      o.ExecPrice.String(),
				OrderID:    o.ID,
				PositionID: o.PositionID,
				Status:     o.Status.String(),
			})
		},
		Logger: logger,
	}

	if cfg.Storage.PostgresURL != "" {
		pgPool, err := pgxpool.New(context.Background(), cfg.Storage.PostgresURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		opts.Archive = ledger.NewPostgresArchive(pgPool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("storage.postgres_url not set, order history will not persist")
	}

	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		opts.Cache = ledger.NewSnapshotCache(rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis snapshot cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine ---
	book := ledger.New()
	vlt := vault.New()
	ref := referral.NewBook(
		mustDecimal(cfg.Engine.InviterFeeRate, "engine.inviter_fee_rate"),
		mustDecimal(cfg.Engine.DiscountFeeRate, "engine.discount_fee_rate"),
	)
	ins := insurance.New()
	eng := engine.New(feed, pl, book, vlt, ref, ins, opts)

	for _, m := range cfg.Markets {
		eng.AddMarket(marketFromConfig(m))
		slog.Info("market configured", "symbol", m.Symbol)
	}

	// --- API service ---
	var readCache api.ReadCache
	if opts.Cache != nil {
		readCache = opts.Cache
	}
	svc := api.NewService(eng, vlt, wsHub, readCache)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("perp-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}

func mustDecimal(s, field string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		slog.Error("invalid decimal in config", "field", field, "value", s)
		os.Exit(1)
	}
	return d
}

// optDecimal parses an optional decimal field; empty means zero.
func optDecimal(s, field string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return mustDecimal(s, field)
}

func marketFromConfig(m config.MarketConfig) model.MarketConfig {
	return model.MarketConfig{
		Symbol:               m.Symbol,
		MM:                   mustDecimal(m.MM, "mm"),
		LiquidateRate:        mustDecimal(m.LiquidateRate, "liquidate_rate"),
		TradeFeeRate:         mustDecimal(m.TradeFeeRate, "trade_fee_rate"),
		MakerFeeRate:         mustDecimal(m.MakerFeeRate, "maker_fee_rate"),
		TakerLeverageMin:     mustDecimal(m.TakerLeverageMin, "taker_leverage_min"),
		TakerLeverageMax:     mustDecimal(m.TakerLeverageMax, "taker_leverage_max"),
		TakerMarginMin:       mustDecimal(m.TakerMarginMin, "taker_margin_min"),
		TakerMarginMax:       mustDecimal(m.TakerMarginMax, "taker_margin_max"),
		TakerValueMin:        mustDecimal(m.TakerValueMin, "taker_value_min"),
		TakerValueMax:        mustDecimal(m.TakerValueMax, "taker_value_max"),
		TakerValueLimit:      optDecimal(m.TakerValueLimit, "taker_value_limit"),
		Dust:                 mustDecimal(m.Dust, "dust"),
		DMMultiplier:         mustDecimal(m.DMMultiplier, "dm_multiplier"),
		CancelElapse:         m.CancelElapse,
		TriggerOrderDuration: m.TriggerOrderDuration,
	}
}
