package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inkwell/sync/internal/app"
	"inkwell/sync/internal/config"
	"inkwell/sync/internal/hub"
	"inkwell/sync/internal/presence"
	"inkwell/sync/internal/registry"
	"inkwell/sync/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	reg := registry.New(dataStore, cfg.FlushInterval)
	go reg.Run(ctx)

	h := hub.NewHub()
	service := app.New(cfg, dataStore, reg, h)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		presenceStore, err := presence.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer presenceStore.Close()
		service.UsePresence(presenceStore)
		slog.Info("presence enabled")
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err := store.NewMinioBlobStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		service.UseBlobStore(blobs)
		slog.Info("blob storage on minio", "bucket", cfg.MinioBucket)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("sync server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// Shutdown does not close hijacked websockets; tear the sessions
	// down, then write whatever is still dirty before the process exits.
	h.CloseAll()
	cancel()
	reg.FlushAll(shutdownCtx)
}
