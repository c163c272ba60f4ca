package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialDevice(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/device?token="+token), nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestDeviceHandshakeOverWebSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	conn := dialDevice(t, ts, mintDeviceToken(t, "user-1"))
	defer conn.Close()

	ack := readEnvelope(t, conn)
	assert.Equal(t, string(protocol.TypeConnectionAck), ack["type"])
	assert.NotEmpty(t, ack["sessionId"])
	assert.Equal(t, "test", ack["env"])
	_, hasBridge := ack["bridge"]
	assert.False(t, hasBridge)
}

func TestDeviceReconnectKeepsSessionID(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	token := mintDeviceToken(t, "user-1")

	conn1 := dialDevice(t, ts, token)
	ack1 := readEnvelope(t, conn1)
	conn1.Close()

	conn2 := dialDevice(t, ts, token)
	defer conn2.Close()
	ack2 := readEnvelope(t, conn2)

	assert.Equal(t, ack1["sessionId"], ack2["sessionId"])
}

func TestDeviceUnknownTypeClosedWithPolicyViolation(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	conn := dialDevice(t, ts, mintDeviceToken(t, "user-1"))
	defer conn.Close()
	readEnvelope(t, conn) // ack

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nonsense"}`)))

	// Error message, then the close frame.
	msg := readEnvelope(t, conn)
	assert.Equal(t, string(protocol.TypeConnectionError), msg["type"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestAppDeferredInitOverWebSocket(t *testing.T) {
	srv, sessions := newTestServer(t)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	device := dialDevice(t, ts, mintDeviceToken(t, "user-1"))
	defer device.Close()
	ack := readEnvelope(t, device)
	sessionID := ack["sessionId"].(string)

	sess, ok := sessions.LookupBySessionID(sessionID)
	require.True(t, ok)
	_, ok = sess.Apps().AppState("system.dashboard")
	require.True(t, ok, "dashboard started on fresh connect")

	app, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/app"), nil)
	require.NoError(t, err)
	defer app.Close()

	init := `{"type":"app_connection_init","timestamp":"2026-01-02T15:04:05Z","payload":{"packageName":"system.dashboard","apiKey":"key","sessionId":"` + sessionID + `"}}`
	require.NoError(t, app.WriteMessage(websocket.TextMessage, []byte(init)))

	appAck := readEnvelope(t, app)
	assert.Equal(t, string(protocol.TypeAppConnectionAck), appAck["type"])
	assert.Equal(t, sessionID, appAck["sessionId"])
}

func TestAppPairingHeadersOverWebSocket(t *testing.T) {
	srv, sessions := newTestServer(t)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	device := dialDevice(t, ts, mintDeviceToken(t, "user-1"))
	defer device.Close()
	ack := readEnvelope(t, device)
	sessionID := ack["sessionId"].(string)

	sess, ok := sessions.LookupBySessionID(sessionID)
	require.True(t, ok)
	require.NoError(t, sess.Apps().StartApp(context.Background(), "com.example.captions"))

	headers := http.Header{}
	headers.Set("x-app-jwt", mintAppToken(t, "com.example.captions", "key"))
	headers.Set("x-user-id", "user-1")
	headers.Set("x-session-id", sessionID)
	app, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/app"), headers)
	require.NoError(t, err)
	defer app.Close()

	appAck := readEnvelope(t, app)
	assert.Equal(t, string(protocol.TypeAppConnectionAck), appAck["type"])
}

func TestAppPairingWithForeignUserIsRejected(t *testing.T) {
	srv, sessions := newTestServer(t)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	device := dialDevice(t, ts, mintDeviceToken(t, "user-1"))
	defer device.Close()
	ack := readEnvelope(t, device)
	sessionID := ack["sessionId"].(string)

	_, ok := sessions.LookupBySessionID(sessionID)
	require.True(t, ok)

	// A valid app credential plus a real session id must not be enough to
	// attach to another user's session.
	headers := http.Header{}
	headers.Set("x-app-jwt", mintAppToken(t, "com.example.captions", "key"))
	headers.Set("x-user-id", "user-2")
	headers.Set("x-session-id", sessionID)
	app, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/app"), headers)
	require.NoError(t, err)
	defer app.Close()

	msg := readEnvelope(t, app)
	assert.Equal(t, string(protocol.TypeAppConnectionError), msg["type"])
	assert.Equal(t, "user_mismatch", msg["code"])
}

func TestAppInitForUnknownSessionIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	app, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/app"), nil)
	require.NoError(t, err)
	defer app.Close()

	init := `{"type":"app_connection_init","timestamp":"2026-01-02T15:04:05Z","payload":{"packageName":"com.example.x","apiKey":"key","sessionId":"11111111-1111-1111-1111-111111111111"}}`
	require.NoError(t, app.WriteMessage(websocket.TextMessage, []byte(init)))

	msg := readEnvelope(t, app)
	assert.Equal(t, string(protocol.TypeAppConnectionError), msg["type"])
}
