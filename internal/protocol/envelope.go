// Package protocol defines the typed control-message envelope exchanged with
// devices and apps over text frames. Binary frames carry raw audio and never
// pass through this package.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
)

// MessageType is the closed tag set for control messages. Unrecognized tags
// are a classified protocol error, never silently dropped.
type MessageType string

const (
	// Device to cloud.
	TypeConnectionInit MessageType = "connection_init"
	TypeStartApp       MessageType = "start_app"
	TypeStopApp        MessageType = "stop_app"
	TypeHeadPosition   MessageType = "head_position"
	TypeVAD            MessageType = "vad"
	TypeLocationUpdate MessageType = "location_update"
	TypeBatteryUpdate  MessageType = "battery_update"

	// App to cloud.
	TypeAppConnectionInit  MessageType = "app_connection_init"
	TypeSubscriptionUpdate MessageType = "subscription_update"
	TypeDisplayRequest     MessageType = "display_request"

	// Cloud to device.
	TypeConnectionAck   MessageType = "connection_ack"
	TypeConnectionError MessageType = "connection_error"
	TypeAppStateChange  MessageType = "app_state_change"
	TypeDisplayEvent    MessageType = "display_event"

	// Cloud to app.
	TypeAppConnectionAck   MessageType = "app_connection_ack"
	TypeAppConnectionError MessageType = "app_connection_error"
	TypeDataStream         MessageType = "data_stream"
	TypeAppStopped         MessageType = "app_stopped"
)

var knownTypes = map[MessageType]struct{}{
	TypeConnectionInit:     {},
	TypeStartApp:           {},
	TypeStopApp:            {},
	TypeHeadPosition:       {},
	TypeVAD:                {},
	TypeLocationUpdate:     {},
	TypeBatteryUpdate:      {},
	TypeAppConnectionInit:  {},
	TypeSubscriptionUpdate: {},
	TypeDisplayRequest:     {},
	TypeConnectionAck:      {},
	TypeConnectionError:    {},
	TypeAppStateChange:     {},
	TypeDisplayEvent:       {},
	TypeAppConnectionAck:   {},
	TypeAppConnectionError: {},
	TypeDataStream:         {},
	TypeAppStopped:         {},
}

// Envelope is the transient wrapper around every control message. The session
// id is the implicit routing key; app-bound and app-originated traffic also
// carries the package name.
type Envelope struct {
	Type        MessageType     `json:"type"`
	SessionID   string          `json:"sessionId,omitempty"`
	PackageName string          `json:"packageName,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Parse validates a text frame into an Envelope. A malformed frame or a tag
// outside the closed set yields a protocol error.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Protocol("malformed_envelope", "message is not valid JSON")
	}
	if env.Type == "" {
		return nil, apperrors.Protocol("missing_message_type", "message has no type field")
	}
	if _, ok := knownTypes[env.Type]; !ok {
		return nil, apperrors.Protocol("unknown_message_type", "unknown message type: "+string(env.Type))
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into the given target.
func (e *Envelope) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return apperrors.Protocol("missing_payload", "message of type "+string(e.Type)+" requires a payload")
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return apperrors.Protocol("malformed_payload", "invalid payload for "+string(e.Type))
	}
	return nil
}

// Marshal serializes an envelope for the wire, stamping the timestamp if the
// caller left it zero.
func Marshal(env *Envelope, now time.Time) []byte {
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}
	data, _ := json.Marshal(env)
	return data
}

// NewEnvelope builds an outbound envelope with a JSON-encoded payload.
func NewEnvelope(t MessageType, sessionID, packageName string, payload any, now time.Time) (*Envelope, error) {
	env := &Envelope{
		Type:        t,
		SessionID:   sessionID,
		PackageName: packageName,
		Timestamp:   now,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Internal("failed to encode payload", err)
		}
		env.Payload = raw
	}
	return env, nil
}
