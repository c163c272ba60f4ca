package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/config"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/session"
)

// initTimeout bounds how long an app connection without a signed credential
// may wait before sending its init message. After the init the read deadline
// falls back to the regular pong-driven window.
const (
	initTimeout       = 10 * time.Second
	pongDeadlineSlack = 60 * time.Second
)

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	verifier  domain.TokenVerifier
	sessions  *session.Manager
	clock     clockwork.Clock
	redis     redisPinger
	upgrader  websocket.Upgrader
	guard     *upgradeGuard
	startTime time.Time
}

// redisPinger is the minimal interface for the readiness probe.
type redisPinger interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

func NewServer(cfg *config.Config, verifier domain.TokenVerifier, sessions *session.Manager, redis redisPinger, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:     e,
		config:   cfg,
		verifier: verifier,
		sessions: sessions,
		clock:    clock,
		redis:    redis,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices and app backends connect from anywhere; auth happens
			// before the upgrade completes.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		guard:     newUpgradeGuard(cfg.MaxConnections, cfg.UpgradeRate, cfg.UpgradeBurst),
		startTime: clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
