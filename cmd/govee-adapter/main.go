package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/adapter"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/config"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/httpapi"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/observability"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/realtime"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/store"
)

const serviceName = "govee-adapter"

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)
	slog.Info("govee-adapter config loaded", "config", cfg)

	telemetry, err := observability.Setup(context.Background(), serviceName)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}

	var opts []adapter.Option
	if cfg.Catalog.Driver != "" && cfg.Catalog.Driver != "none" {
		db, err := store.Open(cfg.Catalog.Driver, cfg.Catalog.DSN)
		if err != nil {
			slog.Error("catalog connect failed", "driver", cfg.Catalog.Driver, "error", err)
			os.Exit(1)
		}
		catalog, err := store.NewCatalog(db)
		if err != nil {
			slog.Error("catalog migrate failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, adapter.WithCatalog(catalog))
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Warn("redis unavailable; state mirror disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			opts = append(opts, adapter.WithStateCache(store.NewStateCache(rdb)))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gov := adapter.New(cfg, opts...)
	if err := gov.Start(ctx); err != nil {
		slog.Error("govee start incomplete; polling resumes on rediscover", "error", err)
	}

	hub := realtime.NewHub(gov.CurrentState)
	events, unsubscribe := gov.Subscribe()
	go hub.Run(ctx, events)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(telemetry.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Handle("/metrics", telemetry.Metrics)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpapi.NewServer(gov, hub).Register(r)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
	go func() {
		slog.Info("govee-adapter listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	unsubscribe()
	hub.Close()
	gov.Close()
	cancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
