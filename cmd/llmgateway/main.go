// Package main is the entry point for the llmgateway server.
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

	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/chat"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/realtime"
	"github.com/howard-nolan/llmgateway/internal/registry"
	"github.com/howard-nolan/llmgateway/internal/server"
	"github.com/howard-nolan/llmgateway/internal/store/sqlite"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath); err != nil {
		slog.Error("llmgateway exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cache, closeCache, err := newCache(ctx, cfg.Catalog)
	if err != nil {
		return err
	}
	defer closeCache()

	reg := registry.New()
	models := catalog.New(reg, catalog.WithCache(cache), catalog.WithTTL(cfg.Catalog.TTL), catalog.WithFetchTimeout(cfg.Catalog.FetchTimeout))

	// Model lists of replaced adapters are stale the moment the registry
	// swaps.
	reg.Subscribe(func() { models.Clear(context.Background()) })

	n := reg.Reinitialize(cfg.ProviderConfigs())
	slog.Info("providers initialized", "count", n, "ids", reg.IDs())

	store, err := sqlite.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	turns := chat.New(store, reg, chat.Config{
		HistoryLimit:     cfg.Chat.HistoryLimit,
		MemoryLimit:      cfg.Chat.MemoryLimit,
		FollowUps:        cfg.Chat.FollowUps,
		MemoryExtraction: cfg.Chat.MemoryExtraction,
		FollowUpTimeout:  cfg.Chat.FollowUpTimeout,
	}, chat.WithMemory(store), chat.WithReferences(sqlite.NewResolver(store)))

	hub := realtime.NewHub(realtime.DefaultSubscriberBuffer)
	bridge := realtime.NewBridge(hub, turns, realtime.BridgeConfig{
		MaxConcurrentTurns: cfg.Chat.MaxConcurrentTurns,
		FinalFlushTimeout:  cfg.Chat.FinalFlushTimeout,
	})

	reload := func(context.Context) (int, error) {
		fresh, err := config.Load(configPath)
		if err != nil {
			return 0, err
		}
		return reg.Reinitialize(fresh.ProviderConfigs()), nil
	}

	unwatch, err := config.WatchProviders(configPath, func(pcs []provider.Config) {
		n := reg.Reinitialize(pcs)
		slog.Info("providers reloaded", "count", n, "ids", reg.IDs())
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		defer unwatch()
	}

	srv := server.New(server.Deps{
		Registry:      reg,
		Catalog:       models,
		Conversations: store,
		Turns:         turns,
		Hub:           hub,
		Bridge:        bridge,
		Reload:        reload,
	})

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     srv,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Zero keeps SSE responses open as long as the client stays.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("llmgateway listening", "port", cfg.Server.Port)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	// Let running turns persist their replies before the store closes.
	done := make(chan struct{})
	go func() {
		bridge.Wait()
		turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("turns still running at shutdown")
	}
	return nil
}

// newCache builds the catalog cache for the configured backend.
func newCache(ctx context.Context, cfg config.CatalogConfig) (catalog.Cache, func(), error) {
	if cfg.Backend != "redis" {
		return catalog.NewMemoryCache(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	slog.Info("catalog cache backed by redis", "addr", cfg.Redis.Addr)
	return catalog.NewRedisCache(client, cfg.Redis.Prefix, cfg.TTL), func() { client.Close() }, nil
}
