package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultGracePeriod       = 60 * time.Second
	defaultBridgeTokenTTL    = 15 * time.Minute
	defaultDashboardPackage  = "system.dashboard"
	defaultWebhookTemplate   = "https://%s/webhook"
	defaultAnalyticsStream   = "analytics:events"
	defaultAnalyticsCapacity = 256
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	// Device and app credential verification.
	JWTSecret string

	// Backing store for the previously-running-app sets and analytics stream.
	RedisURL string

	// How long a disconnected device session is kept alive before disposal,
	// and the equivalent window for a dormant app session.
	GracePeriod    time.Duration
	AppGracePeriod time.Duration

	DashboardPackage   string
	AppWebhookTemplate string

	// LiveKit media bridge. All three must be set together; when absent the
	// bridge is disabled and devices proceed without media transport.
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	BridgeTokenTTL   time.Duration

	AnalyticsStream   string
	AnalyticsCapacity int

	// WebSocket upgrade flood protection: a process-wide concurrent
	// connection cap and a per-IP upgrade rate. Zero values fall back to the
	// server defaults.
	MaxConnections int64
	UpgradeRate    float64
	UpgradeBurst   int
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		GracePeriod:        defaultGracePeriod,
		DashboardPackage:   getEnv("DASHBOARD_PACKAGE", defaultDashboardPackage),
		AppWebhookTemplate: getEnv("APP_WEBHOOK_TEMPLATE", defaultWebhookTemplate),
		LiveKitURL:         getEnv("LIVEKIT_URL", ""),
		LiveKitAPIKey:      getEnv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret:   getEnv("LIVEKIT_API_SECRET", ""),
		BridgeTokenTTL:     defaultBridgeTokenTTL,
		AnalyticsStream:    getEnv("ANALYTICS_STREAM", defaultAnalyticsStream),
		AnalyticsCapacity:  defaultAnalyticsCapacity,
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < 16 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	if v := getEnv("GRACE_PERIOD", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("GRACE_PERIOD must be a valid duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("GRACE_PERIOD must be positive, got %s", d)
		}
		cfg.GracePeriod = d
	}

	// One tunable default applies to both session and app grace windows;
	// APP_GRACE_PERIOD overrides the app side per deployment.
	cfg.AppGracePeriod = cfg.GracePeriod
	if v := getEnv("APP_GRACE_PERIOD", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("APP_GRACE_PERIOD must be a valid duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("APP_GRACE_PERIOD must be positive, got %s", d)
		}
		cfg.AppGracePeriod = d
	}

	if v := getEnv("BRIDGE_TOKEN_TTL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("BRIDGE_TOKEN_TTL must be a valid duration: %w", err)
		}
		cfg.BridgeTokenTTL = d
	}

	// LiveKit config: all three must be set together.
	livekitSet := 0
	for _, v := range []string{cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret} {
		if v != "" {
			livekitSet++
		}
	}
	if livekitSet != 0 && livekitSet != 3 {
		return nil, fmt.Errorf("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set together")
	}

	if v := getEnv("MAX_CONNECTIONS", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("MAX_CONNECTIONS must be a positive integer, got %q", v)
		}
		cfg.MaxConnections = n
	}
	if v := getEnv("UPGRADE_RATE", ""); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("UPGRADE_RATE must be a positive number, got %q", v)
		}
		cfg.UpgradeRate = n
	}
	if v := getEnv("UPGRADE_BURST", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("UPGRADE_BURST must be a positive integer, got %q", v)
		}
		cfg.UpgradeBurst = n
	}

	if !strings.Contains(cfg.AppWebhookTemplate, "%s") {
		return nil, fmt.Errorf("APP_WEBHOOK_TEMPLATE must contain a %%s placeholder for the package name")
	}

	return cfg, nil
}

// BridgeEnabled reports whether the LiveKit media bridge is configured.
func (c *Config) BridgeEnabled() bool {
	return c.LiveKitURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
