package protocol

import (
	"encoding/json"
	"time"
)

// ConnectionInit is the optional, re-sendable client handshake message. A
// client may resend it after local state resets; on an already-open connection
// it is treated as a logical reconnection handshake.
type ConnectionInit struct {
	BridgeRequested bool `json:"mediaBridge,omitempty"`
}

// TransportInfo is an optional endpoint descriptor included in the ack.
type TransportInfo struct {
	Endpoint string `json:"endpoint"`
	Protocol string `json:"protocol,omitempty"`
}

// BridgeGrant carries media bridge join credentials. Present in the ack only
// when bridge access was requested.
type BridgeGrant struct {
	Endpoint   string    `json:"endpoint"`
	RoomName   string    `json:"roomId"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ConnectionAck acknowledges a device handshake. It always carries the session
// id and the server environment tag and reflects final, post-recovery state.
type ConnectionAck struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Env       string         `json:"env"`
	Transport *TransportInfo `json:"transport,omitempty"`
	Bridge    *BridgeGrant   `json:"bridge,omitempty"`
}

// ErrorMessage is the typed error sent on a still-open channel before close.
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	SessionID string      `json:"sessionId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// AppConnectionInit pairs an app connection with its owning session. UserID is
// set when the connection carried pairing headers and must then match the
// session's owner.
type AppConnectionInit struct {
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId,omitempty"`
}

// SubscriptionUpdate replaces an app's device data stream subscriptions.
type SubscriptionUpdate struct {
	Streams []MessageType `json:"streams"`
}

// AppStateChange notifies the device of an app lifecycle transition.
type AppStateChange struct {
	PackageName string `json:"packageName"`
	State       string `json:"state"`
}

// MarshalConnectionAck serializes an ack for the wire.
func MarshalConnectionAck(ack *ConnectionAck) []byte {
	ack.Type = TypeConnectionAck
	data, _ := json.Marshal(ack)
	return data
}

// MarshalError serializes a typed error message for the wire.
func MarshalError(t MessageType, code, message, sessionID string, now time.Time) []byte {
	data, _ := json.Marshal(ErrorMessage{
		Type:      t,
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Timestamp: now,
	})
	return data
}
