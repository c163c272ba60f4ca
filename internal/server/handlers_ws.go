package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/logging"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/metrics"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/session"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/wsconn"
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func rejectLimited(c echo.Context, endpoint string, reason limitReason) error {
	metrics.UpgradeRequests.WithLabelValues(endpoint, "limited").Inc()
	return c.JSON(http.StatusTooManyRequests, errorBody{
		Error:   "rate_limited",
		Code:    string(reason),
		Message: "connection limit exceeded, retry later",
	})
}

func rejectUpgrade(c echo.Context, endpoint string, err *apperrors.Error) error {
	metrics.UpgradeRequests.WithLabelValues(endpoint, "rejected").Inc()
	return c.JSON(err.HTTPStatus(), errorBody{
		Error:   string(err.Kind),
		Code:    err.Code,
		Message: err.Message,
	})
}

// bearerToken extracts the device credential from the Authorization header or
// the token query parameter.
func bearerToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.QueryParam("token")
}

// handleDeviceWebSocket authenticates and upgrades a device connection, then
// hands it to the session manager and runs the read loop until disconnect. No
// upgrade ever completes into an unauthenticated state.
func (s *Server) handleDeviceWebSocket(c echo.Context) error {
	ok, reason := s.guard.allow(c.RealIP())
	if !ok {
		return rejectLimited(c, "device", reason)
	}
	defer s.guard.release()

	token := bearerToken(c)
	if token == "" {
		return rejectUpgrade(c, "device", apperrors.Auth("missing_token", "no bearer credential in header or query"))
	}

	identity, err := s.verifier.VerifyDeviceToken(token)
	if err != nil {
		if appErr, ok := err.(*apperrors.Error); ok {
			return rejectUpgrade(c, "device", appErr)
		}
		return rejectUpgrade(c, "device", apperrors.Auth("invalid_token", "credential verification failed"))
	}

	bridgeRequested := c.QueryParam("media_bridge") == "true"

	raw, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.UpgradeRequests.WithLabelValues("device", "upgrade_failed").Inc()
		return nil
	}
	metrics.UpgradeRequests.WithLabelValues("device", "accepted").Inc()

	conn := wsconn.New(raw, s.clock)
	ctx := c.Request().Context()
	sess, reconnected := s.sessions.CreateOrReconnect(ctx, conn, identity, bridgeRequested)
	log := logging.WithSession(sess.ID.String()).With("user_id", identity.UserID)
	log.Info("Device connected", "reconnected", reconnected, "bridge_requested", bridgeRequested)

	for {
		msgType, data, err := raw.ReadMessage()
		if err != nil {
			break
		}
		if err := sess.HandleMessage(ctx, msgType, data); err != nil {
			// HandleMessage already sent the typed error and closed on
			// anything fatal; the next read observes the closed socket.
			log.Debug("Device message rejected", "error", err)
		}
	}

	sess.HandleDisconnect(conn)
	return nil
}

// handleAppWebSocket upgrades an app backend connection. With a signed
// credential present the pairing headers are mandatory and the init runs
// before the first read; without one the init is deferred to an explicit
// post-upgrade message.
func (s *Server) handleAppWebSocket(c echo.Context) error {
	ok, reason := s.guard.allow(c.RealIP())
	if !ok {
		return rejectLimited(c, "app", reason)
	}
	defer s.guard.release()

	appJWT := c.Request().Header.Get("x-app-jwt")

	var init *protocol.AppConnectionInit
	if appJWT != "" {
		claims, err := s.verifier.VerifyAppToken(appJWT)
		if err != nil {
			if appErr, ok := err.(*apperrors.Error); ok {
				return rejectUpgrade(c, "app", appErr)
			}
			return rejectUpgrade(c, "app", apperrors.Auth("invalid_app_token", "credential verification failed"))
		}

		userID := c.Request().Header.Get("x-user-id")
		sessionID := c.Request().Header.Get("x-session-id")
		if userID == "" || sessionID == "" {
			return rejectUpgrade(c, "app", apperrors.Protocol("missing_pairing_headers", "x-user-id and x-session-id are required with a signed credential"))
		}
		init = &protocol.AppConnectionInit{
			PackageName: claims.PackageName,
			APIKey:      claims.APIKey,
			SessionID:   sessionID,
			UserID:      userID,
		}
	}

	raw, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.UpgradeRequests.WithLabelValues("app", "upgrade_failed").Inc()
		return nil
	}
	metrics.UpgradeRequests.WithLabelValues("app", "accepted").Inc()

	conn := wsconn.New(raw, s.clock)
	ctx := c.Request().Context()

	if init == nil {
		// Legacy flow: the app identifies itself with an explicit init
		// message after the upgrade.
		_ = raw.SetReadDeadline(s.clock.Now().Add(initTimeout))
		init, err = s.readAppInit(raw)
		if err != nil {
			appErr, ok := err.(*apperrors.Error)
			if !ok {
				appErr = apperrors.Protocol("missing_init", "expected app_connection_init")
			}
			conn.Send(protocol.MarshalError(protocol.TypeAppConnectionError, appErr.Code, appErr.Message, "", s.clock.Now()))
			conn.Close(websocket.ClosePolicyViolation, appErr.Code)
			return nil
		}
		_ = raw.SetReadDeadline(s.clock.Now().Add(pongDeadlineSlack))
	}

	sess, ok := s.sessions.LookupBySessionID(init.SessionID)
	if !ok {
		err := apperrors.SessionNotFound("session " + init.SessionID + " is not active")
		conn.Send(protocol.MarshalError(protocol.TypeAppConnectionError, err.Code, err.Message, "", s.clock.Now()))
		conn.Close(websocket.ClosePolicyViolation, err.Code)
		return nil
	}

	if err := sess.Apps().HandleAppInit(ctx, conn, init); err != nil {
		// HandleAppInit already responded and closed.
		return nil
	}

	log := logging.WithApp(init.PackageName).With("session_id", sess.ID.String())
	log.Info("App connected")
	s.runAppReadLoop(c, sess, conn, raw, init.PackageName)
	return nil
}

func (s *Server) readAppInit(raw *websocket.Conn) (*protocol.AppConnectionInit, error) {
	msgType, data, err := raw.ReadMessage()
	if err != nil {
		return nil, apperrors.Protocol("missing_init", "connection closed before init message")
	}
	if msgType != websocket.TextMessage {
		return nil, apperrors.Protocol("missing_init", "expected a text init frame")
	}

	env, err := protocol.Parse(data)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeAppConnectionInit {
		return nil, apperrors.Protocol("missing_init", "first message must be app_connection_init, got "+string(env.Type))
	}

	var init protocol.AppConnectionInit
	if err := env.DecodePayload(&init); err != nil {
		return nil, err
	}
	if init.PackageName == "" || init.SessionID == "" {
		return nil, apperrors.Protocol("incomplete_init", "app_connection_init requires packageName and sessionId")
	}
	return &init, nil
}

func (s *Server) runAppReadLoop(c echo.Context, sess *session.Session, conn wsconn.Conn, raw *websocket.Conn, pkg string) {
	ctx := c.Request().Context()
	closeCode := websocket.CloseNormalClosure
	closeReason := ""

	for {
		msgType, data, err := raw.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
				closeReason = ce.Text
			} else {
				closeCode = websocket.CloseAbnormalClosure
				closeReason = err.Error()
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := protocol.Parse(data)
		if err != nil {
			metrics.ProtocolErrors.Inc()
			s.closeAppOnError(sess, conn, err)
			break
		}
		if env.Type == protocol.TypeAppConnectionInit {
			// Re-sent init on an open connection; re-validate the pairing.
			var init protocol.AppConnectionInit
			if err := env.DecodePayload(&init); err == nil {
				_ = sess.Apps().HandleAppInit(ctx, conn, &init)
			}
			continue
		}
		if err := sess.Router().DispatchFromApp(ctx, pkg, env); err != nil {
			if apperrors.KindOf(err) == apperrors.KindProtocol {
				metrics.ProtocolErrors.Inc()
			}
			s.closeAppOnError(sess, conn, err)
			break
		}
	}

	sess.Apps().HandleAppConnectionClosed(pkg, closeCode, closeReason)
}

func (s *Server) closeAppOnError(sess *session.Session, conn wsconn.Conn, err error) {
	code := websocket.CloseInternalServerErr
	if e, ok := err.(*apperrors.Error); ok {
		if c := e.CloseCode(); c != 0 {
			code = c
		} else {
			return
		}
	}
	conn.Send(protocol.MarshalError(protocol.TypeAppConnectionError, apperrors.CodeOf(err), err.Error(), sess.ID.String(), s.clock.Now()))
	conn.Close(code, apperrors.CodeOf(err))
}
