// Package domain holds the collaborator interfaces and shared value types the
// session orchestrator depends on. Every external service is injected as a
// narrow interface so the orchestrator can be unit-tested with fakes.
package domain

import (
	"context"
	"time"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
)

// Identity is the authenticated principal attached to a device connection.
type Identity struct {
	UserID string
	Email  string
}

// AppClaims is the verified content of a signed app credential.
type AppClaims struct {
	PackageName string
	APIKey      string
}

// TokenVerifier validates bearer credentials. Token issuance and signing are
// external; this is the opaque verify(token) -> claims operation.
type TokenVerifier interface {
	VerifyDeviceToken(token string) (Identity, error)
	VerifyAppToken(token string) (AppClaims, error)
}

// AppStore persists which apps a user normally runs.
type AppStore interface {
	PreviouslyRunningApps(ctx context.Context, userID string) ([]string, error)
	AddRunningApp(ctx context.Context, userID, packageName string) error
	RemoveRunningApp(ctx context.Context, userID, packageName string) error
}

// AppLauncher asks an app's backend to open a connection for a session.
type AppLauncher interface {
	Launch(ctx context.Context, packageName, userID, sessionID string) error
}

// AnalyticsEmitter publishes fire-and-forget product events.
type AnalyticsEmitter interface {
	Emit(event, userID string, props map[string]any)
}

// BridgeStatus is the cheap health probe result for current bridge
// participation.
type BridgeStatus struct {
	Connected        bool
	RoomName         string
	CredentialExpiry time.Time
	LastDisconnect   time.Time
}

// RoomStatus is the diagnostic accessor result for the operator debug surface.
type RoomStatus struct {
	RoomName      string   `json:"roomName"`
	DevicePresent bool     `json:"devicePresent"`
	BridgePresent bool     `json:"bridgePresent"`
	Participants  []string `json:"participants"`
}

// MediaBridge is the cloud-side participant in the external real-time room.
// The bridge and the device control connection are independent failure
// domains: every bridge fault is non-fatal to the session.
type MediaBridge interface {
	// HandleBridgeInit mints a fresh credential, joins the room and returns
	// the join descriptor. Returns nil on failure.
	HandleBridgeInit(ctx context.Context) *protocol.BridgeGrant
	// Status reports current participation, or nil if never joined.
	Status() *BridgeStatus
	// Rejoin re-mints a credential and re-joins when participation is stale.
	// Returns the refreshed grant, or nil when participation was already
	// healthy and no new credential was minted.
	Rejoin(ctx context.Context) (*protocol.BridgeGrant, error)
	// RoomStatus surfaces room and participant state for diagnostics.
	RoomStatus(ctx context.Context) (*RoomStatus, error)
	// PublishAudio forwards a raw PCM frame into the room.
	PublishAudio(pcm []byte) error
	// Close leaves the room and releases resources.
	Close()
}
