package server

import (
	"github.com/labstack/echo/v4"
)

// handleRoomStatus surfaces media room participation for one user's session:
// room name, device/bridge participant presence and the full participant
// list.
func (s *Server) handleRoomStatus(c echo.Context) error {
	userID := c.Param("userId")
	sess, ok := s.sessions.Lookup(userID)
	if !ok {
		return c.JSON(404, map[string]string{"error": "no active session for user"})
	}

	status, err := sess.Bridge().RoomStatus(c.Request().Context())
	if err != nil {
		return c.JSON(502, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, status)
}

// handleAppStatus lists the app sessions and their lifecycle states for one
// user's session.
func (s *Server) handleAppStatus(c echo.Context) error {
	userID := c.Param("userId")
	sess, ok := s.sessions.Lookup(userID)
	if !ok {
		return c.JSON(404, map[string]string{"error": "no active session for user"})
	}

	return c.JSON(200, map[string]any{
		"sessionId": sess.ID.String(),
		"state":     sess.State().String(),
		"apps":      sess.Apps().Snapshot(),
	})
}
