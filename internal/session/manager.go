package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/metrics"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/wsconn"
)

// Config carries the session-layer tunables.
type Config struct {
	// Env is the server environment tag echoed in every connection ack.
	Env string
	// GracePeriod is how long a disconnected device session survives before
	// disposal.
	GracePeriod time.Duration
	// AppGracePeriod is the equivalent window for a dormant app session.
	AppGracePeriod time.Duration
	// DashboardPackage is the built-in dashboard app started on every fresh
	// connection.
	DashboardPackage string
	// TransportEndpoint, when set, is included in the ack as the optional
	// transport descriptor.
	TransportEndpoint string
}

// Manager is the session lifecycle manager: it owns the registry and runs the
// connect/reconnect handshake for every device connection the gateway hands
// over.
type Manager struct {
	cfg       Config
	store     Store
	clock     clockwork.Clock
	appStore  domain.AppStore
	launcher  domain.AppLauncher
	analytics domain.AnalyticsEmitter
	newBridge func(userID string) domain.MediaBridge

	// Collapses concurrent bridge credential mints for one user onto a
	// single room join.
	bridgeGroup singleflight.Group
}

func NewManager(
	cfg Config,
	store Store,
	clock clockwork.Clock,
	appStore domain.AppStore,
	launcher domain.AppLauncher,
	analytics domain.AnalyticsEmitter,
	newBridge func(userID string) domain.MediaBridge,
) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		clock:     clock,
		appStore:  appStore,
		launcher:  launcher,
		analytics: analytics,
		newBridge: newBridge,
	}
}

// CreateOrReconnect is the single entry point for authenticated device
// connections. Atomic with respect to the registry: two near-simultaneous
// calls for one identity never produce two sessions; the second caller
// observes isReconnection = true and the existing session with its device
// connection replaced.
func (m *Manager) CreateOrReconnect(ctx context.Context, conn wsconn.Conn, identity domain.Identity, bridgeRequested bool) (*Session, bool) {
	for {
		sess, existed := m.store.GetOrCreate(identity.UserID, func() *Session {
			return newSession(m, identity)
		})

		if !sess.attachDevice(conn, bridgeRequested) {
			// Lost a race with disposal between lookup and attach; the
			// disposed instance removes itself, retry with a fresh one.
			m.store.Remove(sess)
			continue
		}

		if existed {
			metrics.SessionReconnections.Inc()
			sess.completeReconnect(ctx)
		} else {
			metrics.SessionsCreated.Inc()
			sess.completeFreshConnect(ctx)
		}
		return sess, existed
	}
}

// Lookup returns the session for a user id.
func (m *Manager) Lookup(userID string) (*Session, bool) {
	return m.store.Lookup(userID)
}

// LookupBySessionID resolves a wire-format session id to its session.
func (m *Manager) LookupBySessionID(sessionID string) (*Session, bool) {
	id, err := parseSessionID(sessionID)
	if err != nil {
		return nil, false
	}
	return m.store.LookupByID(id)
}

// DisposeAll tears down every live session. Used on process shutdown.
func (m *Manager) DisposeAll() {
	for _, s := range m.store.All() {
		s.Dispose("shutdown")
	}
}
