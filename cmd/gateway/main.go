package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sentra-mdr/collab-gateway/internal/api"
	"github.com/sentra-mdr/collab-gateway/internal/config"
	"github.com/sentra-mdr/collab-gateway/internal/events"
	"github.com/sentra-mdr/collab-gateway/internal/gateway"
	"github.com/sentra-mdr/collab-gateway/internal/hub"
	"github.com/sentra-mdr/collab-gateway/internal/middleware"
	"github.com/sentra-mdr/collab-gateway/internal/observ"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ---------------------------------------------------------------
	// 3. Build the realtime core: registry + dispatcher.
	//
	// The registry evicts any connection whose transport write fails
	// mid-fan-out; Close() feeds the failure back through the normal
	// teardown path, so presence and typing state clean themselves up.
	// ---------------------------------------------------------------
	registry := hub.NewRegistry(hub.Config{
		TypingTTL:           cfg.TypingTTL,
		TypingSweepInterval: cfg.TypingSweep,
	}, func(s hub.Sender) { s.Close() }, logger)

	dispatcher := gateway.NewDispatcher(registry, cfg, logger)

	// ---------------------------------------------------------------
	// 4. Start the Redis notification bridge.
	//
	// The case/alert REST layer publishes on notify.tenant.<id> and
	// notify.case.<id>; the bridge feeds those into the registry. It
	// runs until the root context is cancelled at shutdown.
	// ---------------------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge, err := events.NewBridge(cfg.RedisURL, registry, logger)
	if err != nil {
		return fmt.Errorf("create notification bridge: %w", err)
	}
	bridgeDone := make(chan error, 1)
	go func() {
		bridgeDone <- bridge.Run(ctx)
	}()

	// ---------------------------------------------------------------
	// 5. Set up HTTP server
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gin.New()
	srv.Use(gin.Recovery())

	// Health check is PUBLIC — load balancers hit this unauthenticated.
	srv.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Websocket handshake: identity validation happens inside the
	// dispatcher (token or proxy-injected params), not in middleware,
	// because browsers can't set headers on websocket upgrades.
	srv.GET("/v1/ws", dispatcher.HandleWS)

	// Producer API: the REST layer pushes events here with a service
	// token. Internal only; the frontend never calls these.
	publishHandler := api.NewPublishHandler(registry, registry, logger)
	internal := srv.Group("/v1/internal")
	internal.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	internal.POST("/tenants/:tenantID/notifications", publishHandler.PublishToTenant)
	internal.POST("/cases/:caseID/events", publishHandler.PublishToCase)
	internal.GET("/stats", publishHandler.Stats)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv,
	}

	logger.Info("starting collab gateway",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		zap.Duration("typing_ttl", cfg.TypingTTL),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ---------------------------------------------------------------
	// 6. Wait for shutdown, then drain.
	//
	// All gateway state is ephemeral: closing the connections is the
	// whole drain. Clients reconnect and re-handshake against the next
	// process.
	// ---------------------------------------------------------------
	select {
	case err := <-serveErr:
		stop()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	dispatcher.Shutdown()

	if err := <-bridgeDone; err != nil {
		logger.Warn("notification bridge exited", zap.Error(err))
	}
	if err := bridge.Close(); err != nil {
		logger.Warn("close notification bridge", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
