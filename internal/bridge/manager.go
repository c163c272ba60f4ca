// Package bridge owns the cloud-side participant in the external real-time
// audio/video room, one manager per user session. The bridge and the device
// control connection are independent failure domains: a control-channel drop
// does not tear down an in-progress media session, and bridge faults never
// propagate to the session.
package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/metrics"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
)

// Config carries the LiveKit deployment parameters.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// roomHandle is the live connection to one room.
type roomHandle interface {
	Disconnect()
	WriteAudio(pcm []byte) error
}

// connector joins a room as the bridge participant. onDisconnect fires when
// the room connection drops from the far side.
type connector func(ctx context.Context, cfg Config, roomName, token string, onDisconnect func()) (roomHandle, error)

// prober lists current participant identities in a room.
type prober func(ctx context.Context, cfg Config, roomName string) ([]string, error)

// tokenMinter mints a join credential for the given participant identity.
type tokenMinter func(cfg Config, roomName, identity string, ttl time.Duration) (string, error)

// Manager implements domain.MediaBridge for one user.
type Manager struct {
	cfg      Config
	userID   string
	roomName string
	clock    clockwork.Clock
	log      *slog.Logger

	connect connector
	probe   prober
	mint    tokenMinter
	cb      circuitbreaker.CircuitBreaker[any]

	mu               sync.Mutex
	handle           roomHandle
	connected        bool
	joined           bool
	credentialExpiry time.Time
	lastDisconnect   time.Time
}

// NewManager creates a bridge manager wired to the real LiveKit SDK.
func NewManager(cfg Config, userID string, clock clockwork.Clock) *Manager {
	return newManager(cfg, userID, clock, livekitConnector, livekitProber, livekitMintToken)
}

func newManager(cfg Config, userID string, clock clockwork.Clock, connect connector, probe prober, mint tokenMinter) *Manager {
	return &Manager{
		cfg:      cfg,
		userID:   userID,
		roomName: "user-" + userID,
		clock:    clock,
		log:      slog.Default().With("user_id", userID, "room", "user-"+userID),
		connect:  connect,
		probe:    probe,
		mint:     mint,
		cb:       newBreaker(),
	}
}

var _ domain.MediaBridge = (*Manager)(nil)

func newBreaker() circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "bridge",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("bridge", e.NewState.String()).Inc()
		}).
		Build()
}

func (m *Manager) deviceIdentity() string { return "device-" + m.userID }
func (m *Manager) bridgeIdentity() string { return "bridge-" + m.userID }

// HandleBridgeInit mints a fresh device credential, joins the room as the
// cloud participant and returns the join descriptor. Returns nil and logs on
// any failure: the device proceeds without the bridge.
func (m *Manager) HandleBridgeInit(ctx context.Context) *protocol.BridgeGrant {
	if m.cfg.URL == "" {
		m.log.Debug("Media bridge not configured, skipping join")
		return nil
	}
	if !m.cb.TryAcquirePermit() {
		m.log.Warn("Bridge circuit open, skipping join")
		metrics.BridgeJoins.WithLabelValues("error").Inc()
		return nil
	}

	grant, err := m.join(ctx)
	if err != nil {
		m.cb.RecordError(err)
		metrics.BridgeJoins.WithLabelValues("error").Inc()
		m.log.Warn("Failed to join media room", "error", apperrors.Bridge("room join failed", err))
		return nil
	}
	m.cb.RecordSuccess()
	metrics.BridgeJoins.WithLabelValues("ok").Inc()
	return grant
}

func (m *Manager) join(ctx context.Context) (*protocol.BridgeGrant, error) {
	deviceToken, err := m.mint(m.cfg, m.roomName, m.deviceIdentity(), m.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	bridgeToken, err := m.mint(m.cfg, m.roomName, m.bridgeIdentity(), m.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	handle, err := m.connect(ctx, m.cfg, m.roomName, bridgeToken, m.onRoomDisconnected)
	if err != nil {
		return nil, err
	}

	expiry := m.clock.Now().Add(m.cfg.TokenTTL)

	m.mu.Lock()
	// Always replace an existing room session: handles reconnections, crashes
	// and zombie sessions.
	if m.handle != nil {
		m.handle.Disconnect()
	}
	m.handle = handle
	m.connected = true
	m.joined = true
	m.credentialExpiry = expiry
	m.mu.Unlock()

	m.log.Info("Joined media room", "credential_expiry", expiry)
	return &protocol.BridgeGrant{
		Endpoint:   m.cfg.URL,
		RoomName:   m.roomName,
		Credential: deviceToken,
		ExpiresAt:  expiry,
	}, nil
}

func (m *Manager) onRoomDisconnected() {
	m.mu.Lock()
	m.connected = false
	m.lastDisconnect = m.clock.Now()
	m.mu.Unlock()
	m.log.Warn("Media room connection dropped")
}

// Status is a cheap health probe of current bridge participation. Returns nil
// if this manager never joined a room.
func (m *Manager) Status() *domain.BridgeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined {
		return nil
	}
	return &domain.BridgeStatus{
		Connected:        m.connected,
		RoomName:         m.roomName,
		CredentialExpiry: m.credentialExpiry,
		LastDisconnect:   m.lastDisconnect,
	}
}

// Rejoin re-mints a credential and re-joins when current participation is
// stale. Healthy participation is left alone: explicit rejoin-on-reconnect,
// never unconditional recreate. A successful rejoin returns the fresh device
// grant so the caller never has to mint one with a second join.
func (m *Manager) Rejoin(ctx context.Context) (*protocol.BridgeGrant, error) {
	metrics.BridgeRejoins.Inc()

	m.mu.Lock()
	healthy := m.connected && m.clock.Now().Before(m.credentialExpiry)
	m.mu.Unlock()
	if healthy {
		m.log.Debug("Bridge participation healthy, rejoin not needed")
		return nil, nil
	}

	if !m.cb.TryAcquirePermit() {
		return nil, apperrors.Bridge("rejoin skipped, circuit open", circuitbreaker.ErrOpen)
	}
	grant, err := m.join(ctx)
	if err != nil {
		m.cb.RecordError(err)
		return nil, apperrors.Bridge("room rejoin failed", err)
	}
	m.cb.RecordSuccess()
	return grant, nil
}

// RoomStatus surfaces room and participant state for the operator debug
// surface.
func (m *Manager) RoomStatus(ctx context.Context) (*domain.RoomStatus, error) {
	if m.cfg.URL == "" {
		return nil, apperrors.Bridge("media bridge not configured", nil)
	}
	participants, err := m.probe(ctx, m.cfg, m.roomName)
	if err != nil {
		return nil, apperrors.Bridge("room probe failed", err)
	}

	status := &domain.RoomStatus{
		RoomName:     m.roomName,
		Participants: participants,
	}
	for _, p := range participants {
		switch {
		case p == m.deviceIdentity() || strings.HasPrefix(p, "device-"):
			status.DevicePresent = true
		case p == m.bridgeIdentity() || strings.HasPrefix(p, "bridge-"):
			status.BridgePresent = true
		}
	}
	return status, nil
}

// PublishAudio forwards one raw PCM frame into the room track.
func (m *Manager) PublishAudio(pcm []byte) error {
	m.mu.Lock()
	handle := m.handle
	connected := m.connected
	m.mu.Unlock()

	if handle == nil || !connected {
		return apperrors.Bridge("no active room connection", nil)
	}
	if err := handle.WriteAudio(pcm); err != nil {
		return apperrors.Bridge("audio publish failed", err)
	}
	return nil
}

// Close leaves the room and releases the connection.
func (m *Manager) Close() {
	m.mu.Lock()
	handle := m.handle
	m.handle = nil
	m.connected = false
	m.mu.Unlock()

	if handle != nil {
		handle.Disconnect()
		m.log.Info("Left media room")
	}
}
