package session

import (
	"context"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/metrics"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
)

// Router dispatches parsed envelopes against a closed handler table. Handlers
// mutate session sub-state directly or fan out to subscribed app sessions.
type Router struct {
	sess           *Session
	deviceHandlers map[protocol.MessageType]func(context.Context, *protocol.Envelope) error
	appHandlers    map[protocol.MessageType]func(context.Context, string, *protocol.Envelope) error
}

func newRouter(sess *Session) *Router {
	r := &Router{sess: sess}
	r.deviceHandlers = map[protocol.MessageType]func(context.Context, *protocol.Envelope) error{
		protocol.TypeStartApp:       r.handleStartApp,
		protocol.TypeStopApp:        r.handleStopApp,
		protocol.TypeHeadPosition:   r.handleDataStream,
		protocol.TypeVAD:            r.handleDataStream,
		protocol.TypeLocationUpdate: r.handleDataStream,
		protocol.TypeBatteryUpdate:  r.handleDataStream,
	}
	r.appHandlers = map[protocol.MessageType]func(context.Context, string, *protocol.Envelope) error{
		protocol.TypeSubscriptionUpdate: r.handleSubscriptionUpdate,
		protocol.TypeDisplayRequest:     r.handleDisplayRequest,
	}
	return r
}

// DispatchFromDevice routes one device-originated envelope. The tag is
// already known to the protocol package; a tag with no device handler here is
// still a protocol error, never ignored.
func (r *Router) DispatchFromDevice(ctx context.Context, env *protocol.Envelope) error {
	if err := r.guardSessionID(env); err != nil {
		return err
	}
	handler, ok := r.deviceHandlers[env.Type]
	if !ok {
		return apperrors.Protocol("unroutable_message_type", "type "+string(env.Type)+" is not valid on a device connection")
	}
	metrics.MessagesDispatched.WithLabelValues(string(env.Type)).Inc()
	return handler(ctx, env)
}

// DispatchFromApp routes one app-originated envelope.
func (r *Router) DispatchFromApp(ctx context.Context, pkg string, env *protocol.Envelope) error {
	if err := r.guardSessionID(env); err != nil {
		return err
	}
	handler, ok := r.appHandlers[env.Type]
	if !ok {
		return apperrors.Protocol("unroutable_message_type", "type "+string(env.Type)+" is not valid on an app connection")
	}
	metrics.MessagesDispatched.WithLabelValues(string(env.Type)).Inc()
	return handler(ctx, pkg, env)
}

// guardSessionID rejects any envelope whose session id names a session other
// than this one. Envelopes without an explicit id inherit the connection's
// session.
func (r *Router) guardSessionID(env *protocol.Envelope) error {
	if env.SessionID != "" && env.SessionID != r.sess.ID.String() {
		return apperrors.SessionNotFound("session " + env.SessionID + " is not active")
	}
	if r.sess.State() == StateDisposed {
		return apperrors.SessionNotFound("session is disposed")
	}
	return nil
}

func (r *Router) handleStartApp(ctx context.Context, env *protocol.Envelope) error {
	if env.PackageName == "" {
		return apperrors.Protocol("missing_package_name", "start_app requires a package name")
	}
	return r.sess.Apps().StartApp(ctx, env.PackageName)
}

func (r *Router) handleStopApp(ctx context.Context, env *protocol.Envelope) error {
	if env.PackageName == "" {
		return apperrors.Protocol("missing_package_name", "stop_app requires a package name")
	}
	if err := r.sess.Apps().StopApp(ctx, env.PackageName, "user_request"); err != nil {
		// Stopping an app that is not running is not a device fault.
		r.sess.log.Debug("Stop requested for inactive app", "package_name", env.PackageName, "error", err)
	}
	return nil
}

// handleDataStream fans a sensor update out to subscribed apps. The payload
// is forwarded opaquely.
func (r *Router) handleDataStream(_ context.Context, env *protocol.Envelope) error {
	r.sess.Apps().BroadcastData(env.Type, env.Payload)
	return nil
}

func (r *Router) handleSubscriptionUpdate(_ context.Context, pkg string, env *protocol.Envelope) error {
	var update protocol.SubscriptionUpdate
	if err := env.DecodePayload(&update); err != nil {
		return err
	}
	return r.sess.Apps().UpdateSubscriptions(pkg, update.Streams)
}

// handleDisplayRequest forwards an app's render request to the device as a
// display event carrying the app's package name.
func (r *Router) handleDisplayRequest(_ context.Context, pkg string, env *protocol.Envelope) error {
	out, err := protocol.NewEnvelope(protocol.TypeDisplayEvent, r.sess.ID.String(), pkg, nil, r.sess.clock.Now())
	if err != nil {
		return err
	}
	out.Payload = env.Payload
	r.sess.sendToDevice(protocol.Marshal(out, r.sess.clock.Now()))
	return nil
}
