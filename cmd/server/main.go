package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nas-chat/internal/auth"
	"nas-chat/internal/config"
	"nas-chat/internal/database"
	"nas-chat/internal/handlers"
	"nas-chat/internal/metrics"
	"nas-chat/internal/resolver"
	"nas-chat/internal/services"
	"nas-chat/internal/websocket"
	"nas-chat/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logger.Fatal("Failed to build logger: %v", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// Initialize database
	db, err := database.NewPostgresDB(ctx, cfg.Database.URL, cfg.Database.MaxConns, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	cache, err := newResolverCache(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer cache.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize services
	res := resolver.New(db, cache, cfg.Resolver.CacheTTL, log.Named("resolver"), m)
	verifier := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	registry := websocket.NewRegistry(db, log.Named("registry"), m)
	chatService := services.NewChatService(db, res, verifier, auth.NewCapabilities(db), registry, cfg.Chat, log.Named("chat"), m)
	tenantService := services.NewTenantService(db, res)

	// Initialize handlers
	router := handlers.NewRouter(handlers.RouterConfig{
		Tenants:        handlers.NewTenantHandlers(tenantService, cfg.Resolver.TrustForwardedFor),
		Messages:       handlers.NewMessageHandlers(chatService),
		WebSocket:      handlers.NewWebSocketHandlers(chatService, cfg.Server.AllowedOrigins, cfg.Resolver.TrustForwardedFor, cfg.Chat.SendBuffer, cfg.Chat.MaxMessageLen, log.Named("ws")),
		Store:          db,
		Metrics:        m,
		Gatherer:       prometheus.DefaultGatherer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log.Named("http"),
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server started",
			zap.String("addr", cfg.Server.Port),
			zap.Bool("redis_cache", cfg.Redis.Addr != ""),
			zap.Duration("resolver_ttl", cfg.Resolver.CacheTTL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		// Hijacked sockets are not tracked by Shutdown.
		chatService.Shutdown()
		waitForDrain(shutdownCtx, registry)
		return err
	})

	return g.Wait()
}

func newResolverCache(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (resolver.Cache, error) {
	if cfg.Addr == "" {
		return resolver.NewMemoryCache(time.Minute), nil
	}
	cache, err := resolver.DialRedis(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	log.Info("using redis resolver cache", zap.String("addr", cfg.Addr))
	return cache, nil
}

func waitForDrain(ctx context.Context, registry *websocket.Registry) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for registry.Count() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
