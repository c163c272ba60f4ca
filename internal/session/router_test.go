package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
)

func deviceEnvelope(t *testing.T, msgType protocol.MessageType, sessionID, pkg string, payload string) *protocol.Envelope {
	t.Helper()
	env := &protocol.Envelope{Type: msgType, SessionID: sessionID, PackageName: pkg}
	if payload != "" {
		env.Payload = json.RawMessage(payload)
	}
	return env
}

func TestDispatchStartAppFromDevice(t *testing.T) {
	f := newFixture()
	sess := connectDevice(t, f)

	env := deviceEnvelope(t, protocol.TypeStartApp, "", testPkg, "")
	require.NoError(t, sess.Router().DispatchFromDevice(context.Background(), env))

	assert.Equal(t, 1, f.launcher.launchCount(testPkg))
}

func TestDispatchRejectsForeignSessionID(t *testing.T) {
	f := newFixture()
	sess := connectDevice(t, f)

	env := deviceEnvelope(t, protocol.TypeStartApp, "11111111-1111-1111-1111-111111111111", testPkg, "")
	err := sess.Router().DispatchFromDevice(context.Background(), env)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindSessionNotFound, apperrors.KindOf(err))
	assert.Equal(t, 0, f.launcher.launchCount(testPkg), "no handler may run for a rejected envelope")
}

func TestDispatchRejectsDisposedSession(t *testing.T) {
	f := newFixture()
	sess := connectDevice(t, f)
	sess.Dispose("test")

	env := deviceEnvelope(t, protocol.TypeHeadPosition, "", "", `{"angle":3}`)
	err := sess.Router().DispatchFromDevice(context.Background(), env)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindSessionNotFound, apperrors.KindOf(err))
}

func TestDeviceCannotSendAppOnlyTypes(t *testing.T) {
	f := newFixture()
	sess := connectDevice(t, f)

	env := deviceEnvelope(t, protocol.TypeSubscriptionUpdate, "", testPkg, `{"streams":["vad"]}`)
	err := sess.Router().DispatchFromDevice(context.Background(), env)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindProtocol, apperrors.KindOf(err))
}

func TestAppCannotSendDeviceOnlyTypes(t *testing.T) {
	f := newFixture()
	sess := connectDevice(t, f)

	env := deviceEnvelope(t, protocol.TypeHeadPosition, "", "", `{"angle":3}`)
	err := sess.Router().DispatchFromApp(context.Background(), testPkg, env)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindProtocol, apperrors.KindOf(err))
}

func TestStartAppWithoutPackageIsProtocolError(t *testing.T) {
	f := newFixture()
	sess := connectDevice(t, f)

	env := deviceEnvelope(t, protocol.TypeStartApp, "", "", "")
	err := sess.Router().DispatchFromDevice(context.Background(), env)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindProtocol, apperrors.KindOf(err))
}

func TestStopAppForInactiveAppIsNotFatal(t *testing.T) {
	f := newFixture()
	sess := connectDevice(t, f)

	env := deviceEnvelope(t, protocol.TypeStopApp, "", "com.example.not-running", "")
	assert.NoError(t, sess.Router().DispatchFromDevice(context.Background(), env))
}

func TestSubscriptionUpdateFromApp(t *testing.T) {
	f := newFixture()
	sess := connectDevice(t, f)
	require.NoError(t, sess.Apps().StartApp(context.Background(), testPkg))
	conn := attachApp(t, sess, testPkg)

	env := deviceEnvelope(t, protocol.TypeSubscriptionUpdate, "", testPkg, `{"streams":["head_position"]}`)
	require.NoError(t, sess.Router().DispatchFromApp(context.Background(), testPkg, env))

	sess.Apps().BroadcastData(protocol.TypeHeadPosition, []byte(`{"angle":7}`))
	assert.Len(t, conn.sentFrames(), 2, "ack plus the subscribed data stream")
}

func TestDisplayRequestForwardsToDevice(t *testing.T) {
	f := newFixture()
	deviceConn := newFakeConn()
	sess, _ := f.manager.CreateOrReconnect(context.Background(), deviceConn, testIdentity(), false)
	require.NoError(t, sess.Apps().StartApp(context.Background(), testPkg))
	attachApp(t, sess, testPkg)
	before := len(deviceConn.sentFrames())

	env := deviceEnvelope(t, protocol.TypeDisplayRequest, "", testPkg, `{"layout":"text_wall","text":"hello"}`)
	require.NoError(t, sess.Router().DispatchFromApp(context.Background(), testPkg, env))

	frames := deviceConn.sentFrames()
	require.Greater(t, len(frames), before)
	var out protocol.Envelope
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &out))
	assert.Equal(t, protocol.TypeDisplayEvent, out.Type)
	assert.Equal(t, testPkg, out.PackageName)
	assert.Equal(t, sess.ID.String(), out.SessionID)
	assert.JSONEq(t, `{"layout":"text_wall","text":"hello"}`, string(out.Payload))
}

func TestOutboundToDisposedSessionIsDropped(t *testing.T) {
	f := newFixture()
	deviceConn := newFakeConn()
	sess, _ := f.manager.CreateOrReconnect(context.Background(), deviceConn, testIdentity(), false)
	sess.Dispose("test")
	before := len(deviceConn.sentFrames())

	sess.sendToDevice([]byte(`{"type":"display_event"}`))

	assert.Len(t, deviceConn.sentFrames(), before, "nothing written after disposal")
}
