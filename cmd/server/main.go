// Command server runs marketd, the binary prediction-market engine, behind
// an HTTP and WebSocket API.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/marketd/internal/api"
	"github.com/atmx/marketd/internal/auth"
	"github.com/atmx/marketd/internal/config"
	"github.com/atmx/marketd/internal/engine"
	"github.com/atmx/marketd/internal/keys"
	"github.com/atmx/marketd/internal/metrics"
	"github.com/atmx/marketd/internal/model"
	"github.com/atmx/marketd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	program, _ := cfg.ProgramID()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, program)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	svc, err := engine.NewService(st, keys.NewDeriver(program), engine.Config{
		DefaultPolicy: cfg.Pricing.Policy,
		Events:        wsHub,
	})
	if err != nil {
		slog.Error("engine initialization failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(api.CORS(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"marketd"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
		authn := auth.New(cfg.Auth.Mode, cfg.Auth.MaxSkew.Duration)
		api.NewHandler(svc, wsHub, cfg.Server.AllowFunding).Routes(r, authn.Middleware)
	})

	if cfg.Auth.Mode == config.AuthTrusted {
		slog.Warn("auth mode is trusted: X-Caller is not verified, run behind an authenticating gateway")
	}
	if cfg.Server.AllowFunding {
		slog.Warn("development faucet enabled at POST /api/v1/accounts/{account}/fund")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		slog.Info("marketd listening",
			"addr", srv.Addr,
			"program", program.Short(),
			"policy", svc.DefaultPolicy(),
			"auth", cfg.Auth.Mode,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down marketd...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("marketd stopped")
}

// openStore selects Postgres (optionally behind the Redis cache) when a DSN
// is configured and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, program model.Identity) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, closeAll, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.PoolMaxConns)
	poolCfg.MinConns = int32(cfg.Postgres.PoolMinConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, closeAll, fmt.Errorf("connect postgres: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	if cfg.Postgres.RunMigrations {
		if err := store.RunMigrations(ctx, pool); err != nil {
			closeAll()
			return nil, func() {}, err
		}
	}

	var st store.Store = store.NewPostgresStore(pool)

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL.Duration, program)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL.Duration)
	}

	return st, closeAll, nil
}
