package main

import (
	"context"
	"errors"
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

	"github.com/nepsesim/trading-engine/internal/api"
	"github.com/nepsesim/trading-engine/internal/competition"
	"github.com/nepsesim/trading-engine/internal/config"
	"github.com/nepsesim/trading-engine/internal/engine"
	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/leaderboard"
	"github.com/nepsesim/trading-engine/internal/metrics"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/portfolio"
	"github.com/nepsesim/trading-engine/internal/price"
	"github.com/nepsesim/trading-engine/internal/scheduler"
	"github.com/nepsesim/trading-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
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

	// --- Event fan-out ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	pub := events.Multi{wsHub}

	if cfg.NATS.URL != "" {
		np, err := events.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, np.Close)
		pub = append(pub, np)
		slog.Info("publishing events to NATS")
	}

	// --- Services ---
	prices := price.NewEngine(st, pub)
	if err := prices.Load(ctx); err != nil {
		slog.Error("price load failed", "err", err)
		os.Exit(1)
	}
	for _, s := range cfg.Seed.Symbols {
		if err := prices.List(ctx, s.Symbol, s.Price); err != nil {
			slog.Error("symbol listing failed", "symbol", s.Symbol, "err", err)
			os.Exit(1)
		}
	}

	portfolios := portfolio.NewService(st, portfolio.Options{AllowShortSelling: cfg.Trading.AllowShortSelling})
	comps := competition.NewService(st, portfolios, prices, pub, competition.Defaults{
		StartingCash:    cfg.Seed.StartingCash,
		CommissionRate:  cfg.Trading.CommissionRate,
		MaxPositionSize: cfg.Trading.MaxPositionSize,
		TradingHours:    cfg.Trading.TradingHours,
	})
	eng := engine.New(st, comps, portfolios, prices, pub, engine.Options{
		MaxOrderQuantity: cfg.Trading.MaxOrderQuantity,
		MaxDailyTrades:   cfg.Trading.MaxDailyTrades,
	})

	if err := seedDefault(ctx, comps, cfg.Seed); err != nil {
		slog.Error("default competition seed failed", "err", err)
		os.Exit(1)
	}
	if err := restoreBooks(ctx, comps, eng); err != nil {
		slog.Error("order book restore failed", "err", err)
		os.Exit(1)
	}

	var mirror leaderboard.Mirror
	if rdb != nil {
		mirror = leaderboard.NewRedisBoard(rdb, time.Hour)
	}
	boards := leaderboard.NewService(st, comps, prices, pub, mirror)

	sched := scheduler.New(st, prices, eng, comps, boards, scheduler.Options{
		PollInterval: cfg.Scheduler.PollInterval,
		Session:      cfg.Trading.TradingHours,
	})
	go sched.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Role")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api.New(api.Deps{
		Engine:       eng,
		Competitions: comps,
		Portfolios:   portfolios,
		Prices:       prices,
		Boards:       boards,
		History:      st,
		Hub:          wsHub,
	}).Mount(r)

	// --- Server ---
	// No write timeout: /api/v1/ws connections are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}

// seedDefault creates the default competition on first start.
func seedDefault(ctx context.Context, comps *competition.Service, seed config.Seed) error {
	_, err := comps.Default(ctx)
	if err == nil || !errors.Is(err, model.ErrCompetitionNotFound) {
		return err
	}
	c, err := comps.Create(ctx, competition.CreateParams{
		Name:         seed.CompetitionName,
		StartingCash: seed.StartingCash,
		IsDefault:    true,
	})
	if err != nil {
		return err
	}
	slog.Info("default competition seeded", "competition_id", c.ID)
	return nil
}

// restoreBooks rebuilds the in-memory books and reservations from the
// resting orders of every competition.
func restoreBooks(ctx context.Context, comps *competition.Service, eng *engine.Engine) error {
	list, err := comps.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range list {
		n, err := eng.Restore(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("restore %s: %w", c.ID, err)
		}
		if n > 0 {
			slog.Info("order book restored", "competition_id", c.ID, "orders", n)
		}
	}
	return nil
}
