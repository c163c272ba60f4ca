package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Connection upgrade endpoints
	s.echo.GET("/ws/device", s.handleDeviceWebSocket)
	s.echo.GET("/ws/app", s.handleAppWebSocket)

	// Operator debug surface
	s.echo.GET("/debug/sessions/:userId/room", s.handleRoomStatus)
	s.echo.GET("/debug/sessions/:userId/apps", s.handleAppStatus)
}
