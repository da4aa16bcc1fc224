package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/txn"
	"github.com/atmx/settlement-engine/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
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
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb = redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL.Duration)
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

	exec := txn.NewExecutor()
	accounts := bank.NewMemory()
	for _, b := range cfg.Balances {
		if err := accounts.Deposit(ctx, model.Address(b.Account), model.CurrencyCode(b.Currency), b.Amount); err != nil {
			slog.Error("seed balance failed", "account", b.Account, "currency", b.Currency, "err", err)
			os.Exit(1)
		}
	}

	// --- Event hub ---
	hub := events.NewHub(512)
	go hub.Run(ctx)

	// --- Price registry ---
	registry := pricing.NewRegistry(exec, st, pricing.WithPublisher(hub))
	feeds, err := bindPrices(ctx, cfg, registry, rdb)
	if err != nil {
		slog.Error("price registry setup failed", "err", err)
		os.Exit(1)
	}
	go refreshFeeds(ctx, feeds, cfg.Vault.MaxPriceAge.Duration/2)

	// --- Conversion venue ---
	venue, err := buildVenue(ctx, cfg, exec, accounts)
	if err != nil {
		slog.Error("venue setup failed", "err", err)
		os.Exit(1)
	}

	// --- Ledger and vault ---
	fundLedger, err := ledger.New(ledger.Config{
		Custody:            model.Address(cfg.Ledger.Custody),
		WorkingCurrency:    model.CurrencyCode(cfg.Ledger.WorkingCurrency),
		SwapSpender:        venue.Account(),
		DefaultSlippageBps: cfg.Ledger.DefaultSlippageBps,
	}, st, venue, accounts, exec, hub)
	if err != nil {
		slog.Error("ledger setup failed", "err", err)
		os.Exit(1)
	}

	settlement, _ := cfg.Currency(cfg.Vault.Settlement)
	var accepted []model.Currency
	for _, code := range cfg.Vault.Accepted {
		c, _ := cfg.Currency(code)
		accepted = append(accepted, c)
	}
	purchaseVault, err := vault.New(vault.Config{
		Treasury:             model.Address(cfg.Vault.Treasury),
		PaymentSink:          model.Address(cfg.Vault.PaymentSink),
		SwapSpender:          venue.Account(),
		Settlement:           settlement,
		Accepted:             accepted,
		MaxPriceAge:          cfg.Vault.MaxPriceAge.Duration,
		DeviationBps:         cfg.Vault.DeviationBps,
		ExecutionSlippageBps: cfg.Vault.ExecutionSlippageBps,
	}, st, registry, venue, accounts, exec, hub)
	if err != nil {
		slog.Error("vault setup failed", "err", err)
		os.Exit(1)
	}

	// --- Auth ---
	secret := cfg.Auth.Secret
	if secret == "" {
		secret = randomHex(32)
		slog.Warn("AUTH_SECRET not set, using an ephemeral secret")
	}
	issuer, err := auth.NewIssuer(secret, cfg.Auth.Issuer)
	if err != nil {
		slog.Error("auth setup failed", "err", err)
		os.Exit(1)
	}
	if cfg.Auth.Secret == "" {
		if tok, err := issuer.Sign(auth.System(), 24*time.Hour); err == nil {
			slog.Info("development token issued", "subject", "system", "token", tok)
		}
	}
	verifier := auth.NewVerifier(secret, cfg.Auth.Issuer)
	limiter := api.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.Burst)

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	server := api.NewServer(registry, venue, fundLedger, purchaseVault, hub)
	r.Route("/api/v1", func(r chi.Router) {
		server.Routes(r, verifier, limiter)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
