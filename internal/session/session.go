// Package session implements the per-user orchestration core: the session
// lifecycle state machine with its reconnection grace period, the app
// lifecycle manager, the message router and the process-wide registry.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/metrics"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/wsconn"
)

// State is the session lifecycle state.
type State int32

const (
	StateNew State = iota
	StateActive
	StateGracePeriod
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateGracePeriod:
		return "grace_period"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Session is the server-side record of one user's live device relationship
// with the cloud. It owns exactly one app lifecycle manager and one media
// bridge manager.
//
// Locking rule: s.mu protects lifecycle state only. Methods holding s.mu never
// call into the app manager or the bridge; handshake sequences run after the
// state transition is committed.
type Session struct {
	ID     uuid.UUID
	UserID string

	mgr   *Manager
	clock clockwork.Clock
	log   *slog.Logger

	apps   *AppManager
	bridge domain.MediaBridge
	router *Router

	mu              sync.Mutex
	state           State
	device          wsconn.Conn
	disconnectedAt  time.Time
	cleanupTimer    clockwork.Timer
	bridgeRequested bool
	bridgeGrant     *protocol.BridgeGrant
}

func newSession(m *Manager, identity domain.Identity) *Session {
	id := uuid.New()
	s := &Session{
		ID:     id,
		UserID: identity.UserID,
		mgr:    m,
		clock:  m.clock,
		log:    slog.Default().With("session_id", id.String(), "user_id", identity.UserID),
		state:  StateNew,
	}
	s.apps = newAppManager(s)
	s.bridge = m.newBridge(identity.UserID)
	s.router = newRouter(s)
	return s
}

func parseSessionID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Apps returns the app lifecycle manager owned by this session.
func (s *Session) Apps() *AppManager { return s.apps }

// Bridge returns the media bridge manager owned by this session.
func (s *Session) Bridge() domain.MediaBridge { return s.bridge }

// Router returns the message router bound to this session.
func (s *Session) Router() *Router { return s.router }

// attachDevice installs conn as the authoritative device connection and
// commits the transition to Active. Returns false if the session is already
// disposed, in which case the caller must start over with a fresh session.
func (s *Session) attachDevice(conn wsconn.Conn, bridgeRequested bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisposed {
		return false
	}

	// A second concurrent device connection replaces, never duplicates.
	if s.device != nil && s.device != conn {
		old := s.device
		go old.Close(websocket.CloseNormalClosure, "replaced by newer connection")
	}
	s.device = conn

	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
		metrics.GraceTimerCancellations.Inc()
	}
	s.disconnectedAt = time.Time{}
	s.state = StateActive
	s.bridgeRequested = s.bridgeRequested || bridgeRequested
	return true
}

// completeFreshConnect acknowledges the handshake and runs the startup
// sequence for a never-seen session: start the built-in dashboard and
// re-launch the user's previously-running apps.
func (s *Session) completeFreshConnect(ctx context.Context) {
	if s.bridgeAccessRequested() {
		s.mintBridgeGrant(ctx)
	}

	// The ack is the first frame the device observes: it carries the session
	// id the client does not yet know. App startup pushes app_state_change
	// frames and runs strictly after it.
	s.sendAck()
	s.runStartupSequence(ctx)

	s.mgr.analytics.Emit("connected", s.UserID, map[string]any{
		"session_id": s.ID.String(),
		"reconnect":  false,
	})
}

func (s *Session) runStartupSequence(ctx context.Context) {
	if err := s.apps.StartApp(ctx, s.mgr.cfg.DashboardPackage); err != nil {
		s.log.Warn("Failed to start dashboard app", "package_name", s.mgr.cfg.DashboardPackage, "error", err)
	}
	s.apps.StartPreviouslyRunningApps(ctx)
}

// completeReconnect runs the recovery sequence after the device connection
// was replaced. Order matters: the ack must reflect final, post-recovery
// state, so bridge recovery and app resurrection come first.
func (s *Session) completeReconnect(ctx context.Context) {
	s.recoverBridge(ctx)

	resurrected := s.apps.ResurrectDormantApps(ctx)
	if len(resurrected) > 0 {
		s.log.Info("Resurrected dormant apps", "packages", resurrected)
	}

	s.mgr.analytics.Emit("connected", s.UserID, map[string]any{
		"session_id":  s.ID.String(),
		"reconnect":   true,
		"resurrected": len(resurrected),
	})
	s.sendAck()
}

// recoverBridge rejoins the media room only when participation went stale
// while the device was away. A healthy room session is left untouched: the
// bridge is an independent failure domain and may have survived the
// control-channel drop.
func (s *Session) recoverBridge(ctx context.Context) {
	if !s.bridgeAccessRequested() {
		return
	}

	status := s.bridge.Status()
	if status == nil {
		// Newly requested on this connection, never joined before.
		s.mintBridgeGrant(ctx)
		return
	}

	if !status.Connected {
		grant, err := s.bridge.Rejoin(ctx)
		if err != nil {
			s.log.Warn("Failed to rejoin media room", "error", err)
		} else if grant != nil {
			// The rejoin minted a fresh device credential along with the room
			// re-entry, so no separate credential refresh is needed.
			s.setBridgeGrant(grant)
			return
		}
	}

	// The device needs a fresh credential once its previous one lapsed.
	if grant := s.currentBridgeGrant(); grant == nil || s.clock.Now().After(grant.ExpiresAt) {
		s.mintBridgeGrant(ctx)
	}
}

// mintBridgeGrant mints and installs a fresh join credential. Concurrent
// minters for one user collapse onto a single room join: a connection init
// frame racing down the old connection's read loop can overlap the new
// connection's recovery sequence.
func (s *Session) mintBridgeGrant(ctx context.Context) {
	v, _, _ := s.mgr.bridgeGroup.Do(s.UserID, func() (any, error) {
		return s.bridge.HandleBridgeInit(ctx), nil
	})
	grant, _ := v.(*protocol.BridgeGrant)
	s.setBridgeGrant(grant)
}

func (s *Session) bridgeAccessRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeRequested
}

func (s *Session) currentBridgeGrant() *protocol.BridgeGrant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeGrant
}

func (s *Session) setBridgeGrant(grant *protocol.BridgeGrant) {
	if grant == nil {
		return
	}
	s.mu.Lock()
	s.bridgeGrant = grant
	s.mu.Unlock()
}

// sendAck composes the handshake acknowledgement. It always carries the
// session id and environment tag; bridge credentials only when access was
// requested and a grant is held.
func (s *Session) sendAck() {
	ack := &protocol.ConnectionAck{
		SessionID: s.ID.String(),
		Timestamp: s.clock.Now(),
		Env:       s.mgr.cfg.Env,
	}
	if s.mgr.cfg.TransportEndpoint != "" {
		ack.Transport = &protocol.TransportInfo{Endpoint: s.mgr.cfg.TransportEndpoint, Protocol: "websocket"}
	}
	if s.bridgeAccessRequested() {
		ack.Bridge = s.currentBridgeGrant()
	}
	s.sendToDevice(protocol.MarshalConnectionAck(ack))
}

// HandleDisconnect transitions to the grace period when the authoritative
// device connection closes. Idempotent: a duplicate close, or the close of a
// connection that was already replaced, is a no-op.
func (s *Session) HandleDisconnect(from wsconn.Conn) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	if from != nil && s.device != from {
		// A replaced connection's read loop winding down; the session moved
		// on to a newer connection.
		s.mu.Unlock()
		return
	}
	if s.cleanupTimer != nil {
		s.mu.Unlock()
		return
	}

	s.device = nil
	s.disconnectedAt = s.clock.Now()
	s.state = StateGracePeriod
	s.cleanupTimer = s.clock.AfterFunc(s.mgr.cfg.GracePeriod, s.onGraceExpired)
	s.mu.Unlock()

	s.log.Info("Device disconnected, grace period started", "grace_period", s.mgr.cfg.GracePeriod)
}

// onGraceExpired is the race-resolution point between cleanup and reconnect.
// The disconnect marker is re-checked here, inside the callback, not merely
// at schedule time: a reconnect that cleared it a microsecond before this
// runs always wins.
func (s *Session) onGraceExpired() {
	s.mu.Lock()
	s.cleanupTimer = nil
	if s.disconnectedAt.IsZero() {
		s.mu.Unlock()
		return
	}
	if s.device != nil && s.device.Alive() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Info("Grace period expired, disposing session")
	s.dispose("grace_expired")
}

// Dispose explicitly tears the session down from any state.
func (s *Session) Dispose(reason string) {
	s.dispose(reason)
}

func (s *Session) dispose(reason string) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
	device := s.device
	s.device = nil
	s.mu.Unlock()

	metrics.SessionsDisposed.WithLabelValues(reason).Inc()
	s.apps.StopAll(reason)
	s.bridge.Close()
	if device != nil {
		device.Close(websocket.CloseNormalClosure, "session disposed")
	}
	s.mgr.store.Remove(s)

	s.mgr.analytics.Emit("disconnected", s.UserID, map[string]any{
		"session_id": s.ID.String(),
		"reason":     reason,
	})
	s.log.Info("Session disposed", "reason", reason)
}

// HandleMessage processes one inbound device frame. Binary frames are
// forwarded unopened to the media bridge; text frames are parsed into the
// closed envelope set and dispatched.
func (s *Session) HandleMessage(ctx context.Context, messageType int, data []byte) error {
	if messageType == websocket.BinaryMessage {
		metrics.AudioFramesForwarded.Inc()
		if err := s.bridge.PublishAudio(data); err != nil {
			// Bridge faults never affect the control channel.
			s.log.Debug("Dropped audio frame", "error", err)
		}
		return nil
	}

	env, err := protocol.Parse(data)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		s.closeDeviceOnError(err)
		return err
	}

	// A connection init on an already-open connection is a logical
	// reconnection handshake: clients resend it after local state resets.
	if env.Type == protocol.TypeConnectionInit {
		s.logicalReconnect(ctx, env)
		return nil
	}

	if err := s.router.DispatchFromDevice(ctx, env); err != nil {
		if apperrors.KindOf(err) == apperrors.KindProtocol {
			metrics.ProtocolErrors.Inc()
		}
		s.closeDeviceOnError(err)
		return err
	}
	return nil
}

func (s *Session) logicalReconnect(ctx context.Context, env *protocol.Envelope) {
	var init protocol.ConnectionInit
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&init); err != nil {
			s.log.Warn("Ignoring malformed connection init payload", "error", err)
		}
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		// Disposed is terminal: an init frame racing teardown must not revive
		// a session whose apps, bridge and registry entry are already gone.
		device := s.device
		s.mu.Unlock()
		s.log.Debug("Ignoring connection init on disposed session")
		if device != nil {
			device.Close(websocket.ClosePolicyViolation, "session_not_found")
		}
		return
	}
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
		metrics.GraceTimerCancellations.Inc()
	}
	s.disconnectedAt = time.Time{}
	s.state = StateActive
	s.bridgeRequested = s.bridgeRequested || init.BridgeRequested
	s.mu.Unlock()

	s.log.Info("Connection init on open connection, treating as logical reconnect")
	metrics.SessionReconnections.Inc()
	s.completeReconnect(ctx)
}

// closeDeviceOnError sends a typed error message if the channel is still open
// and closes it with the mapped close code. Bridge errors never close.
func (s *Session) closeDeviceOnError(err error) {
	code := 0
	if e, ok := err.(*apperrors.Error); ok {
		code = e.CloseCode()
	} else {
		code = websocket.CloseInternalServerErr
	}
	if code == 0 {
		return
	}

	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	if device == nil {
		return
	}

	msg := protocol.MarshalError(protocol.TypeConnectionError, apperrors.CodeOf(err), err.Error(), s.ID.String(), s.clock.Now())
	if sendErr := device.Send(msg); sendErr != nil {
		s.log.Debug("Failed to deliver error message before close", "error", sendErr)
	}
	device.Close(code, apperrors.CodeOf(err))
}

// sendToDevice writes one frame toward the device, dropping with a warning
// when the session is no longer active or the transport buffer is full.
func (s *Session) sendToDevice(data []byte) {
	s.mu.Lock()
	device := s.device
	active := s.state == StateActive
	s.mu.Unlock()

	if !active || device == nil {
		metrics.OutboundDropped.WithLabelValues("device").Inc()
		s.log.Warn("Dropping outbound device message, session not active")
		return
	}
	if err := device.Send(data); err != nil {
		metrics.OutboundDropped.WithLabelValues("device").Inc()
		s.log.Warn("Dropping outbound device message", "error", err)
	}
}
