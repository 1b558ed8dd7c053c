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
	"golang.org/x/sync/errgroup"

	"tabsync/internal/config"
	"tabsync/internal/logging"
	"tabsync/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Bus.Backend == config.BackendServer {
		return fmt.Errorf("bus.backend %q is for agents, the server needs a real backend", cfg.Bus.Backend)
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to Redis ---
	var rdb redis.UniversalClient
	if cfg.Bus.Backend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("connected to redis", "addr", cfg.Redis.Addr)
		rdb = client
	}

	// --- Connect to PostgreSQL ---
	var dbpool *pgxpool.Pool
	if cfg.Database.URL != "" {
		dbpool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer dbpool.Close()
		if err := dbpool.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		log.Info("connected to postgres")
	}

	srv := server.New(ctx, cfg, log, rdb, dbpool)
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("tabsync server starting", "addr", cfg.Server.Addr, "backend", cfg.Bus.Backend, "version", cfg.App.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stop()
	srv.Close()
	return err
}
