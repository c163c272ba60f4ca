package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialTestSocket spins up a WebSocket echo endpoint and returns the
// server-side Socket plus the client-side raw connection.
func dialTestSocket(t *testing.T) (*Socket, *websocket.Conn) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	serverConn := <-serverConnCh
	return New(serverConn, clockwork.NewRealClock()), client
}

func TestSendDeliversTextFrame(t *testing.T) {
	socket, client := dialTestSocket(t)
	defer socket.Close(websocket.CloseNormalClosure, "done")

	require.NoError(t, socket.Send([]byte(`{"type":"connection_ack"}`)))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.JSONEq(t, `{"type":"connection_ack"}`, string(data))
}

func TestCloseSendsCloseFrame(t *testing.T) {
	socket, client := dialTestSocket(t)

	socket.Close(websocket.ClosePolicyViolation, "bad envelope")
	assert.False(t, socket.Alive())

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "bad envelope", closeErr.Text)
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	socket, _ := dialTestSocket(t)

	socket.Close(websocket.CloseNormalClosure, "")
	assert.ErrorIs(t, socket.Send([]byte("late")), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	socket, _ := dialTestSocket(t)

	socket.Close(websocket.CloseNormalClosure, "")
	socket.Close(websocket.CloseNormalClosure, "")
	assert.False(t, socket.Alive())
}
