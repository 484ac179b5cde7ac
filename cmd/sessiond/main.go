package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"e2ee-sessions/internal/config"
	"e2ee-sessions/internal/files"
	"e2ee-sessions/internal/observability/logging"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/relay"
	"e2ee-sessions/internal/session"
	"e2ee-sessions/internal/store"
	"e2ee-sessions/internal/tokens"
	httpx "e2ee-sessions/internal/transport/http"
	"e2ee-sessions/internal/transport/ws"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "sessiond",
		Environment: cfg.Environment,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	logger.Info("starting service")

	metrics.MustRegister("sessiond")

	// 1) Room store: postgres when a DSN is configured, in-memory otherwise.
	var st store.RoomStore
	if cfg.DatabaseURL != "" {
		gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			logger.Error("gorm open", "error", err)
			os.Exit(1)
		}
		gs := store.NewGormStore(gdb)
		if err := gs.AutoMigrate(context.Background()); err != nil {
			logger.Error("store migrate", "error", err)
			os.Exit(1)
		}
		st = gs
		logger.Info("using postgres room store")
	} else {
		st = store.NewMemoryStore()
		logger.Info("using in-memory room store")
	}
	st = store.WithRetry(st, 3)

	// 2) Object store collaborator.
	var objects files.ObjectStore
	if cfg.ObjectStoreURL != "" {
		objects = files.NewHTTPObjectStore(cfg.ObjectStoreURL, 10*time.Second)
		logger.Info("using external object store", "url", cfg.ObjectStoreURL)
	} else {
		objects = files.NewMemoryObjectStore()
	}

	// 3) File token signer.
	signer, err := tokens.NewFromBase64(cfg.TokenSigningKey, cfg.TokenKeyID, cfg.TokenIssuer)
	if err != nil {
		logger.Error("token signer init", "error", err)
		os.Exit(1)
	}

	// 4) Core services.
	hub := relay.NewHub(cfg.SendQueueDepth, logger)
	manager := session.NewManager(st, hub, objects, session.Config{
		RoomLifetime:  cfg.RoomLifetime,
		CleanupGrace:  cfg.CleanupGrace,
		SweepInterval: cfg.SweepInterval,
	}, logger)
	hub.NotifyDrop(func(clientID string, roomIDs []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.HandleDisconnect(ctx, clientID, roomIDs)
	})
	authorizer := files.NewAuthorizer(st, signer, objects, files.Config{
		MaxFileSize:  cfg.MaxFileSize,
		AllowedTypes: cfg.AllowedFileTypes,
		TokenTTL:     cfg.FileTokenTTL,
	}, logger)

	// 5) Transports.
	wsHandler := ws.NewHandler(hub, manager, authorizer, ws.Options{
		AllowedOrigins:  cfg.CORSOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}, logger)
	handler := httpx.NewRouter(manager, authorizer, st, objects, wsHandler, httpx.Options{
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go manager.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	manager.Close()
	logger.Info("stopped")
}
