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

	"github.com/casinohouse/accounting-engine/internal/accounting"
	"github.com/casinohouse/accounting-engine/internal/api"
	"github.com/casinohouse/accounting-engine/internal/config"
	"github.com/casinohouse/accounting-engine/internal/events"
	"github.com/casinohouse/accounting-engine/internal/house"
	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/metrics"
	"github.com/casinohouse/accounting-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cache *store.CachedStore
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Redis read-through cache for introspection reads, if configured.
		// The engine itself only ever writes and reads through st.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			cache = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Ledger ---
	var lc ledger.Client
	if cfg.LedgerURL != "" {
		lc = ledger.NewHTTPClient(cfg.LedgerURL, cfg.Account, cfg.LedgerTimeout)
		slog.Info("using ledger gateway", "url", cfg.LedgerURL, "account", cfg.Account)
	} else {
		slog.Warn("LEDGER_URL not set, using in-process ledger (development only)")
		lc = ledger.NewMemoryLedger(cfg.Account, cfg.TransferFee)
	}

	// --- Event fan-out ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	sinks := []accounting.EventSink{wsHub}
	if cache != nil {
		go cache.Run(ctx)
		sinks = append(sinks, cache)
	}

	if cfg.NATSURL != "" {
		nc, js, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		if err := events.EnsureStream(ctx, js); err != nil {
			slog.Error("nats stream setup failed", "err", err)
			os.Exit(1)
		}
		publisher := events.NewNATSPublisher(js, 4096)
		go publisher.Run(ctx)
		sinks = append(sinks, publisher)
		slog.Info("publishing audit events to NATS", "stream", events.StreamName)
	}

	// --- Engine ---
	limiter := house.NewLimiter(cfg.MinOperatingReserve, cfg.MaxPayoutBps)
	engine := accounting.NewEngine(cfg.EngineConfig(), st, lc, limiter, sinks...)
	if cache != nil {
		engine.UseReader(cache)
	}

	stopRetries := accounting.NewRetryWorker(engine, cfg.RetryInterval, cfg.AuditOnRetry).Start(ctx)

	svc := api.NewService(engine, cfg.OperatorToken)
	if cfg.OperatorToken == "" {
		slog.Warn("OPERATOR_TOKEN not set, admin routes disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.LedgerTimeout + 15*time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Operator")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"house-accounting"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live audit events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.LedgerTimeout + 20*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("house-accounting listening", "port", cfg.Port, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LedgerTimeout+5*time.Second)
	defer cancel()

	slog.Info("shutting down house-accounting...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stopRetries()
	fmt.Println("house-accounting stopped")
}
