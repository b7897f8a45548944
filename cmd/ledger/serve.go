package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/wealthdesk/ledger/internal/api"
	"github.com/wealthdesk/ledger/internal/config"
	"github.com/wealthdesk/ledger/internal/fixture"
	"github.com/wealthdesk/ledger/internal/ledger"
	"github.com/wealthdesk/ledger/internal/logging"
	"github.com/wealthdesk/ledger/internal/order"
	"github.com/wealthdesk/ledger/internal/store"
	"github.com/wealthdesk/ledger/internal/suitability"
	"github.com/wealthdesk/ledger/internal/valuation"
)

func newServeCmd() *cobra.Command {
	var fixtures string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Setup(os.Stdout, cfg.LogLevel)
			if fixtures != "" {
				cfg.FixturesPath = fixtures
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&fixtures, "fixtures", "", "seed the in-memory store from this YAML file")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		mem.SetLockTimeout(cfg.LockTimeout)
		if cfg.FixturesPath != "" {
			sum, err := fixture.LoadFile(cfg.FixturesPath, mem)
			if err != nil {
				return nil, closeAll, fmt.Errorf("load fixtures: %w", err)
			}
			slog.Info("fixtures loaded",
				"path", cfg.FixturesPath,
				"advisors", sum.Advisors,
				"clients", sum.Clients,
				"products", sum.Products,
				"prices", sum.Prices,
				"positions", sum.Positions,
				"groups", sum.Groups,
			)
		}
		return mem, closeAll, nil
	}
	if cfg.FixturesPath != "" {
		slog.Warn("fixtures only seed the in-memory store, ignoring", "path", cfg.FixturesPath)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, closeAll, fmt.Errorf("connect database: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return nil, closeAll, fmt.Errorf("ping database: %w", err)
	}
	var st store.Store = store.NewPostgresStore(pool, cfg.LockTimeout)
	slog.Info("connected to PostgreSQL")

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, closeAll, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	defer closeStore()
	if err != nil {
		return err
	}

	hub := api.NewHub()
	go hub.Run(ctx)

	srv := api.NewServer(api.Services{
		Store: st,
		Orders: order.NewEngine(st,
			order.WithPriceTolerance(cfg.PriceTolerance),
			order.WithCommitTimeout(cfg.OrderTimeout),
		),
		Cash:        ledger.NewService(st, cfg.OrderTimeout),
		Suitability: suitability.NewService(st),
		Valuation:   valuation.NewService(st),
	}, hub, api.Options{
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ledger listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("ledger stopped")
	return nil
}
