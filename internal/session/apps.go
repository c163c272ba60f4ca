package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/metrics"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/wsconn"
)

// AppState is the app session lifecycle state.
type AppState int32

const (
	AppStarting AppState = iota
	AppRunning
	AppDormant
	AppStopped
)

func (s AppState) String() string {
	switch s {
	case AppStarting:
		return "starting"
	case AppRunning:
		return "running"
	case AppDormant:
		return "dormant"
	case AppStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// maxPendingAppMessages bounds the per-app outbound buffer used while an app
// session is Starting. The buffer drops oldest first when full.
const maxPendingAppMessages = 64

// AppSession is the lifecycle record for one app's connection within a
// session.
type AppSession struct {
	PackageName string
	IsSystemApp bool

	state         AppState
	conn          wsconn.Conn
	graceTimer    clockwork.Timer
	subscriptions map[protocol.MessageType]struct{}
	pending       [][]byte
}

// State returns the app session's lifecycle state.
func (a *AppSession) State() AppState { return a.state }

// AppManager owns the set of app sessions for one user session. All state is
// exclusively owned by the parent session and only mutated through these
// operations.
type AppManager struct {
	sess *Session

	mu   sync.Mutex
	apps map[string]*AppSession
}

func newAppManager(sess *Session) *AppManager {
	return &AppManager{
		sess: sess,
		apps: make(map[string]*AppSession),
	}
}

// StartApp launches an app for this session. Idempotent: a no-op when an app
// session for pkg already exists in Starting or Running. The webhook launch
// tells the app's backend to open a connection toward us; the app session
// stays Starting until that connection attaches.
func (m *AppManager) StartApp(ctx context.Context, pkg string) error {
	m.mu.Lock()
	if app, ok := m.apps[pkg]; ok && app.state != AppStopped {
		m.mu.Unlock()
		return nil
	}
	app := &AppSession{
		PackageName:   pkg,
		IsSystemApp:   pkg == m.sess.mgr.cfg.DashboardPackage,
		state:         AppStarting,
		subscriptions: make(map[protocol.MessageType]struct{}),
	}
	m.apps[pkg] = app
	m.mu.Unlock()

	if err := m.sess.mgr.launcher.Launch(ctx, pkg, m.sess.UserID, m.sess.ID.String()); err != nil {
		m.mu.Lock()
		delete(m.apps, pkg)
		m.mu.Unlock()
		return err
	}

	if err := m.sess.mgr.appStore.AddRunningApp(ctx, m.sess.UserID, pkg); err != nil {
		m.sess.log.Warn("Failed to persist running app", "package_name", pkg, "error", err)
	}

	metrics.AppSessionsStarted.Inc()
	m.sess.log.Info("App session starting", "package_name", pkg)
	m.notifyDeviceStateChange(pkg, AppStarting)
	return nil
}

// StartPreviouslyRunningApps re-launches the user's normally-running app set.
// Per-app failures are isolated and logged, never abort the batch.
func (m *AppManager) StartPreviouslyRunningApps(ctx context.Context) {
	pkgs, err := m.sess.mgr.appStore.PreviouslyRunningApps(ctx, m.sess.UserID)
	if err != nil {
		m.sess.log.Warn("Failed to read previously running apps", "error", err)
		return
	}
	for _, pkg := range pkgs {
		if pkg == m.sess.mgr.cfg.DashboardPackage {
			continue
		}
		if err := m.StartApp(ctx, pkg); err != nil {
			m.sess.log.Warn("Failed to start previously running app", "package_name", pkg, "error", err)
		}
	}
}

// StopApp explicitly tears down an app session from any state.
func (m *AppManager) StopApp(ctx context.Context, pkg, reason string) error {
	m.mu.Lock()
	app, ok := m.apps[pkg]
	if !ok || app.state == AppStopped {
		m.mu.Unlock()
		return apperrors.SessionNotFound("no app session for package " + pkg)
	}
	conn := m.stopLocked(app, reason)
	delete(m.apps, pkg)
	m.mu.Unlock()

	if conn != nil {
		msg, err := protocol.NewEnvelope(protocol.TypeAppStopped, m.sess.ID.String(), pkg, map[string]string{"reason": reason}, m.sess.clock.Now())
		if err == nil {
			_ = conn.Send(protocol.Marshal(msg, m.sess.clock.Now()))
		}
		conn.Close(websocket.CloseNormalClosure, "app stopped: "+reason)
	}

	if err := m.sess.mgr.appStore.RemoveRunningApp(ctx, m.sess.UserID, pkg); err != nil {
		m.sess.log.Warn("Failed to remove running app record", "package_name", pkg, "error", err)
	}
	m.notifyDeviceStateChange(pkg, AppStopped)
	return nil
}

// stopLocked commits the Stopped transition and returns the connection, if
// any, for the caller to close outside the lock.
func (m *AppManager) stopLocked(app *AppSession, reason string) wsconn.Conn {
	if app.graceTimer != nil {
		app.graceTimer.Stop()
		app.graceTimer = nil
	}
	app.state = AppStopped
	app.pending = nil
	conn := app.conn
	app.conn = nil
	metrics.AppSessionsStopped.WithLabelValues(reason).Inc()
	m.sess.log.Info("App session stopped", "package_name", app.PackageName, "reason", reason)
	return conn
}

// StopAll tears down every app session. Used on session disposal.
func (m *AppManager) StopAll(reason string) {
	m.mu.Lock()
	conns := make([]wsconn.Conn, 0, len(m.apps))
	for pkg, app := range m.apps {
		if conn := m.stopLocked(app, reason); conn != nil {
			conns = append(conns, conn)
		}
		delete(m.apps, pkg)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "session disposed")
	}
}

// HandleAppInit pairs an inbound app connection with its app session. On a
// valid pairing the connection attaches, the state commits to Running and any
// messages buffered during Starting are flushed in order. A stale or unknown
// session id, or a user id that does not own the session, gets a typed error
// and a close, never a silent drop.
func (m *AppManager) HandleAppInit(ctx context.Context, conn wsconn.Conn, init *protocol.AppConnectionInit) error {
	if init.SessionID != m.sess.ID.String() {
		err := apperrors.SessionNotFound("session " + init.SessionID + " is not active")
		m.rejectAppConn(conn, err)
		return err
	}
	if init.UserID != "" && init.UserID != m.sess.UserID {
		err := apperrors.Auth("user_mismatch", "session does not belong to user "+init.UserID)
		m.rejectAppConn(conn, err)
		return err
	}

	m.mu.Lock()
	app, ok := m.apps[init.PackageName]
	if !ok || app.state == AppStopped {
		m.mu.Unlock()
		err := apperrors.SessionNotFound("no app session for package " + init.PackageName)
		m.rejectAppConn(conn, err)
		return err
	}

	if app.conn != nil && app.conn != conn {
		old := app.conn
		go old.Close(websocket.CloseNormalClosure, "replaced by newer connection")
	}
	if app.graceTimer != nil {
		app.graceTimer.Stop()
		app.graceTimer = nil
	}
	app.conn = conn
	app.state = AppRunning
	pending := app.pending
	app.pending = nil
	m.mu.Unlock()

	ack, err := protocol.NewEnvelope(protocol.TypeAppConnectionAck, m.sess.ID.String(), init.PackageName, nil, m.sess.clock.Now())
	if err == nil {
		_ = conn.Send(protocol.Marshal(ack, m.sess.clock.Now()))
	}
	for _, msg := range pending {
		if err := conn.Send(msg); err != nil {
			m.sess.log.Warn("Failed to flush buffered app message", "package_name", init.PackageName, "error", err)
			break
		}
	}

	m.sess.log.Info("App session running", "package_name", init.PackageName, "flushed", len(pending))
	m.notifyDeviceStateChange(init.PackageName, AppRunning)
	return nil
}

func (m *AppManager) rejectAppConn(conn wsconn.Conn, err error) {
	msg := protocol.MarshalError(protocol.TypeAppConnectionError, apperrors.CodeOf(err), err.Error(), m.sess.ID.String(), m.sess.clock.Now())
	if sendErr := conn.Send(msg); sendErr != nil {
		m.sess.log.Debug("Failed to deliver app error before close", "error", sendErr)
	}
	conn.Close(websocket.ClosePolicyViolation, apperrors.CodeOf(err))
}

// HandleAppConnectionClosed marks an app dormant when its connection drops.
// Resurrection is never initiated here: while the owning device may itself be
// offline there is no client to render to, so the app waits for the device
// reconnection path. System apps are exempt from teardown but still marked
// dormant for bookkeeping.
func (m *AppManager) HandleAppConnectionClosed(pkg string, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.apps[pkg]
	if !ok || app.state == AppStopped {
		m.sess.log.Debug("Connection closed for unknown app session", "package_name", pkg, "code", code)
		return
	}
	if app.conn != nil {
		app.conn = nil
	}
	if app.state == AppDormant {
		return
	}
	app.state = AppDormant
	m.sess.log.Info("App session dormant", "package_name", pkg, "code", code, "reason", reason)

	if app.IsSystemApp {
		return
	}
	app.graceTimer = m.sess.clock.AfterFunc(m.sess.mgr.cfg.AppGracePeriod, func() {
		m.onAppGraceExpired(pkg)
	})
}

func (m *AppManager) onAppGraceExpired(pkg string) {
	m.mu.Lock()
	app, ok := m.apps[pkg]
	if !ok {
		m.mu.Unlock()
		return
	}
	app.graceTimer = nil
	if app.state != AppDormant {
		// Resurrected in the interim; cancel-on-resurrect should have stopped
		// this timer, the state check is the backstop.
		m.mu.Unlock()
		return
	}
	m.stopLocked(app, "grace_expired")
	delete(m.apps, pkg)
	m.mu.Unlock()

	if err := m.sess.mgr.appStore.RemoveRunningApp(context.Background(), m.sess.UserID, pkg); err != nil {
		m.sess.log.Warn("Failed to remove running app record", "package_name", pkg, "error", err)
	}
	m.notifyDeviceStateChange(pkg, AppStopped)
}

// ResurrectDormantApps re-initiates the launch sequence for every dormant app
// and returns the resurrected package list. Only the session reconnection
// path calls this.
func (m *AppManager) ResurrectDormantApps(ctx context.Context) []string {
	m.mu.Lock()
	var dormant []string
	for pkg, app := range m.apps {
		if app.state != AppDormant {
			continue
		}
		if app.graceTimer != nil {
			app.graceTimer.Stop()
			app.graceTimer = nil
		}
		app.state = AppStarting
		dormant = append(dormant, pkg)
	}
	m.mu.Unlock()

	for _, pkg := range dormant {
		if err := m.sess.mgr.launcher.Launch(ctx, pkg, m.sess.UserID, m.sess.ID.String()); err != nil {
			m.sess.log.Warn("Failed to resurrect app", "package_name", pkg, "error", err)
			continue
		}
		metrics.AppsResurrected.Inc()
	}
	return dormant
}

// UpdateSubscriptions replaces an app's device data stream subscriptions.
func (m *AppManager) UpdateSubscriptions(pkg string, streams []protocol.MessageType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.apps[pkg]
	if !ok || app.state == AppStopped {
		return apperrors.SessionNotFound("no app session for package " + pkg)
	}
	app.subscriptions = make(map[protocol.MessageType]struct{}, len(streams))
	for _, t := range streams {
		app.subscriptions[t] = struct{}{}
	}
	m.sess.log.Debug("Updated app subscriptions", "package_name", pkg, "streams", len(streams))
	return nil
}

// BroadcastData fans a device data stream out to every app subscribed to it,
// wrapped as a data_stream envelope carrying the stream type and original
// payload.
func (m *AppManager) BroadcastData(streamType protocol.MessageType, payload []byte) {
	env, err := protocol.NewEnvelope(protocol.TypeDataStream, m.sess.ID.String(), "", map[string]any{
		"streamType": streamType,
		"data":       json.RawMessage(payload),
	}, m.sess.clock.Now())
	if err != nil {
		m.sess.log.Warn("Failed to encode data stream", "stream_type", streamType, "error", err)
		return
	}

	m.mu.Lock()
	type target struct {
		pkg  string
		conn wsconn.Conn
		buf  bool
	}
	var targets []target
	for pkg, app := range m.apps {
		if _, ok := app.subscriptions[streamType]; !ok {
			continue
		}
		switch app.state {
		case AppRunning:
			targets = append(targets, target{pkg: pkg, conn: app.conn})
		case AppStarting:
			m.bufferLocked(app, protocol.Marshal(env, m.sess.clock.Now()))
		default:
			// Dormant apps keep their subscriptions but receive nothing.
		}
	}
	m.mu.Unlock()

	data := protocol.Marshal(env, m.sess.clock.Now())
	for _, t := range targets {
		if t.conn == nil {
			continue
		}
		if err := t.conn.Send(data); err != nil {
			metrics.OutboundDropped.WithLabelValues("app").Inc()
			m.sess.log.Warn("Dropping outbound app message", "package_name", t.pkg, "error", err)
		}
	}
}

// SendToApp delivers one envelope toward an app, buffering while the app is
// still Starting.
func (m *AppManager) SendToApp(pkg string, env *protocol.Envelope) error {
	data := protocol.Marshal(env, m.sess.clock.Now())

	m.mu.Lock()
	app, ok := m.apps[pkg]
	if !ok || app.state == AppStopped || app.state == AppDormant {
		m.mu.Unlock()
		metrics.OutboundDropped.WithLabelValues("app").Inc()
		return apperrors.SessionNotFound("no running app session for package " + pkg)
	}
	if app.state == AppStarting {
		m.bufferLocked(app, data)
		m.mu.Unlock()
		return nil
	}
	conn := app.conn
	m.mu.Unlock()

	if conn == nil {
		metrics.OutboundDropped.WithLabelValues("app").Inc()
		return apperrors.SessionNotFound("no connection for package " + pkg)
	}
	if err := conn.Send(data); err != nil {
		metrics.OutboundDropped.WithLabelValues("app").Inc()
		return apperrors.Internal("failed to send to app "+pkg, err)
	}
	return nil
}

// bufferLocked appends to the per-app pending buffer, dropping oldest first
// when full. Caller holds m.mu.
func (m *AppManager) bufferLocked(app *AppSession, data []byte) {
	if len(app.pending) >= maxPendingAppMessages {
		app.pending = app.pending[1:]
		metrics.OutboundDropped.WithLabelValues("app").Inc()
	}
	app.pending = append(app.pending, data)
}

// FindByConn resolves an app connection back to its package name, for the
// gateway's close path.
func (m *AppManager) FindByConn(conn wsconn.Conn) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pkg, app := range m.apps {
		if app.conn == conn {
			return pkg, true
		}
	}
	return "", false
}

// Snapshot returns the package name and state of every app session, for the
// operator debug surface.
func (m *AppManager) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.apps))
	for pkg, app := range m.apps {
		out[pkg] = app.state.String()
	}
	return out
}

// AppState reports the lifecycle state of one app session.
func (m *AppManager) AppState(pkg string) (AppState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[pkg]
	if !ok {
		return AppStopped, false
	}
	return app.state, true
}

func (m *AppManager) notifyDeviceStateChange(pkg string, state AppState) {
	env, err := protocol.NewEnvelope(protocol.TypeAppStateChange, m.sess.ID.String(), pkg, protocol.AppStateChange{
		PackageName: pkg,
		State:       state.String(),
	}, m.sess.clock.Now())
	if err != nil {
		return
	}
	m.sess.sendToDevice(protocol.Marshal(env, m.sess.clock.Now()))
}
