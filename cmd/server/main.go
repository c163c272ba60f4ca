package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/analytics"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/auth"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/bridge"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/config"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/logging"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/redis"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/server"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/session"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/webhook"
)

func setupConfig() *config.Config {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := redis.Ping(ctx, client); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func bridgeFactory(cfg *config.Config, clock clockwork.Clock) func(userID string) domain.MediaBridge {
	if !cfg.BridgeEnabled() {
		slog.Info("Media bridge disabled, no LiveKit deployment configured")
		return func(string) domain.MediaBridge { return bridge.Disabled{} }
	}

	bridgeCfg := bridge.Config{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		TokenTTL:  cfg.BridgeTokenTTL,
	}
	return func(userID string) domain.MediaBridge {
		return bridge.NewManager(bridgeCfg, userID, clock)
	}
}

func runGracefulShutdown(srv *server.Server, sessions *session.Manager, emitter *analytics.Emitter) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sessions.DisposeAll()
		emitter.Close()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	appStore := redis.NewAppStore(redisClient)
	sink := redis.NewAnalyticsSink(redisClient, cfg.AnalyticsStream)
	emitter := analytics.NewEmitter(sink, cfg.AnalyticsCapacity, clock)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	launcher := webhook.NewLauncher(cfg.AppWebhookTemplate)

	sessions := session.NewManager(
		session.Config{
			Env:               cfg.AppEnv,
			GracePeriod:       cfg.GracePeriod,
			AppGracePeriod:    cfg.AppGracePeriod,
			DashboardPackage:  cfg.DashboardPackage,
			TransportEndpoint: cfg.LiveKitURL,
		},
		session.NewRegistry(),
		clock,
		appStore,
		launcher,
		emitter,
		bridgeFactory(cfg, clock),
	)

	srv := server.NewServer(cfg, verifier, sessions, redisClient, clock)

	done := runGracefulShutdown(srv, sessions, emitter)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
