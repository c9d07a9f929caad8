package main

import (
	"context"
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

	"github.com/atmx/lending-engine/internal/assets"
	"github.com/atmx/lending-engine/internal/eventlog"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/pool"
	"github.com/atmx/lending-engine/internal/settle"
	"github.com/atmx/lending-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbpool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, dbpool.Close)
		st = store.NewPostgresStore(dbpool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- External ledger ---
	poolAddress := os.Getenv("POOL_ADDRESS")
	if poolAddress == "" {
		poolAddress = "rLendingPoolDevAccount"
	}

	var chain ledger.Client
	if ledgerURL := os.Getenv("LEDGER_URL"); ledgerURL != "" {
		chain = ledger.NewRPCClient(ledgerURL, poolAddress)
		slog.Info("ledger client configured", "url", ledgerURL)
	} else {
		slog.Warn("LEDGER_URL not set, using simulated ledger")
		chain = ledger.NewSimClient()
	}

	// --- Price oracle ---
	// A static quote pair; a live feed plugs in behind the same interface.
	collateralUSD := envDecimal("ORACLE_COLLATERAL_USD", "1")
	debtUSD := envDecimal("ORACLE_DEBT_USD", "1")
	oracle := ledger.NewStaticOracle(collateralUSD, debtUSD)

	// --- WebSocket hub ---
	wsHub := settle.NewWSHub()
	go wsHub.Run()

	// --- Settlement service ---
	svc := settle.NewService(settle.Config{
		Store:       st,
		Pool:        pool.NewAccountant(st),
		Events:      eventlog.New(st),
		Chain:       chain,
		Oracle:      oracle,
		Assets:      assets.DefaultRegistry(),
		PoolAddress: poolAddress,
		Hub:         wsHub,
	})
	handler := settle.NewHandler(svc, st)

	// --- Liquidation scanner ---
	schedule := os.Getenv("SCAN_SCHEDULE")
	if schedule == "" {
		schedule = "@every 1m"
	}
	scanner, err := settle.NewScanner(svc, st, schedule)
	if err != nil {
		slog.Error("scanner setup failed", "err", err)
		os.Exit(1)
	}
	scanner.Start()
	defer scanner.Stop()
	slog.Info("liquidation scanner scheduled", "schedule", schedule)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lending-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time settlement notifications.
		r.Get("/ws", wsHub.HandleWS)

		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("lending-engine listening", "port", port)
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

	slog.Info("shutting down lending-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("lending-engine stopped")
}

func envDecimal(name, fallback string) decimal.Decimal {
	v := os.Getenv(name)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Error("invalid decimal env var", "name", name, "value", v)
		os.Exit(1)
	}
	return d
}
