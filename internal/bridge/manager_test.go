package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
)

type fakeHandle struct {
	mu           sync.Mutex
	disconnected bool
	audio        [][]byte
	writeErr     error
}

func (h *fakeHandle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = true
}

func (h *fakeHandle) WriteAudio(pcm []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.audio = append(h.audio, pcm)
	return nil
}

type bridgeFixture struct {
	manager    *Manager
	clock      *clockwork.FakeClock
	handles    []*fakeHandle
	connectErr error
	probeResp  []string
	probeErr   error
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{clock: clockwork.NewFakeClock()}

	cfg := Config{
		URL:       "wss://livekit.example.com",
		APIKey:    "key",
		APISecret: "secret",
		TokenTTL:  15 * time.Minute,
	}
	connect := func(_ context.Context, _ Config, _ string, _ string, _ func()) (roomHandle, error) {
		if f.connectErr != nil {
			return nil, f.connectErr
		}
		h := &fakeHandle{}
		f.handles = append(f.handles, h)
		return h, nil
	}
	probe := func(_ context.Context, _ Config, _ string) ([]string, error) {
		return f.probeResp, f.probeErr
	}
	mint := func(_ Config, _, identity string, _ time.Duration) (string, error) {
		return "token-for-" + identity, nil
	}
	f.manager = newManager(cfg, "user-1", f.clock, connect, probe, mint)
	return f
}

func TestHandleBridgeInitReturnsGrant(t *testing.T) {
	f := newBridgeFixture(t)

	grant := f.manager.HandleBridgeInit(context.Background())
	require.NotNil(t, grant)
	assert.Equal(t, "wss://livekit.example.com", grant.Endpoint)
	assert.Equal(t, "user-user-1", grant.RoomName)
	assert.Equal(t, "token-for-device-user-1", grant.Credential)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), grant.ExpiresAt)

	status := f.manager.Status()
	require.NotNil(t, status)
	assert.True(t, status.Connected)
}

func TestHandleBridgeInitFailureIsNonFatal(t *testing.T) {
	f := newBridgeFixture(t)
	f.connectErr = errors.New("dial timeout")

	assert.Nil(t, f.manager.HandleBridgeInit(context.Background()))
	assert.Nil(t, f.manager.Status())
}

func TestHandleBridgeInitReplacesExistingSession(t *testing.T) {
	f := newBridgeFixture(t)

	require.NotNil(t, f.manager.HandleBridgeInit(context.Background()))
	require.NotNil(t, f.manager.HandleBridgeInit(context.Background()))

	require.Len(t, f.handles, 2)
	assert.True(t, f.handles[0].disconnected, "first room session must be replaced, not leaked")
	assert.False(t, f.handles[1].disconnected)
}

func TestStatusNilBeforeFirstJoin(t *testing.T) {
	f := newBridgeFixture(t)
	assert.Nil(t, f.manager.Status())
}

func TestRejoinSkipsHealthyParticipation(t *testing.T) {
	f := newBridgeFixture(t)

	require.NotNil(t, f.manager.HandleBridgeInit(context.Background()))
	grant, err := f.manager.Rejoin(context.Background())
	require.NoError(t, err)
	assert.Nil(t, grant, "no new credential when participation is healthy")
	assert.Len(t, f.handles, 1, "healthy participation must not be recreated")
}

func TestRejoinAfterRoomDrop(t *testing.T) {
	f := newBridgeFixture(t)

	require.NotNil(t, f.manager.HandleBridgeInit(context.Background()))
	f.manager.onRoomDisconnected()

	grant, err := f.manager.Rejoin(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.handles, 2)

	// One join serves both the room re-entry and the credential refresh.
	require.NotNil(t, grant)
	assert.Equal(t, "token-for-device-user-1", grant.Credential)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), grant.ExpiresAt)

	status := f.manager.Status()
	require.NotNil(t, status)
	assert.True(t, status.Connected)
}

func TestRejoinAfterCredentialExpiry(t *testing.T) {
	f := newBridgeFixture(t)

	require.NotNil(t, f.manager.HandleBridgeInit(context.Background()))
	f.clock.Advance(16 * time.Minute)

	grant, err := f.manager.Rejoin(context.Background())
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Len(t, f.handles, 2, "expired credential must force a re-join")
}

func TestRejoinFailureIsBridgeError(t *testing.T) {
	f := newBridgeFixture(t)

	require.NotNil(t, f.manager.HandleBridgeInit(context.Background()))
	f.manager.onRoomDisconnected()
	f.connectErr = errors.New("dial timeout")

	_, err := f.manager.Rejoin(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindBridge, apperrors.KindOf(err))
}

func TestRoomStatusClassifiesParticipants(t *testing.T) {
	f := newBridgeFixture(t)
	f.probeResp = []string{"device-user-1", "bridge-user-1"}

	status, err := f.manager.RoomStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-user-1", status.RoomName)
	assert.True(t, status.DevicePresent)
	assert.True(t, status.BridgePresent)
	assert.Len(t, status.Participants, 2)
}

func TestRoomStatusProbeError(t *testing.T) {
	f := newBridgeFixture(t)
	f.probeErr = errors.New("room service unavailable")

	_, err := f.manager.RoomStatus(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindBridge, apperrors.KindOf(err))
}

func TestPublishAudio(t *testing.T) {
	f := newBridgeFixture(t)

	err := f.manager.PublishAudio([]byte{1, 2})
	require.Error(t, err, "publish before join must fail")
	assert.Equal(t, apperrors.KindBridge, apperrors.KindOf(err))

	require.NotNil(t, f.manager.HandleBridgeInit(context.Background()))
	require.NoError(t, f.manager.PublishAudio([]byte{1, 2, 3, 4}))
	assert.Len(t, f.handles[0].audio, 1)
}

func TestCloseDisconnectsRoom(t *testing.T) {
	f := newBridgeFixture(t)

	require.NotNil(t, f.manager.HandleBridgeInit(context.Background()))
	f.manager.Close()

	assert.True(t, f.handles[0].disconnected)
	status := f.manager.Status()
	require.NotNil(t, status)
	assert.False(t, status.Connected)
}

func TestBridgeDisabledWithoutConfig(t *testing.T) {
	m := newManager(Config{}, "user-1", clockwork.NewFakeClock(),
		func(context.Context, Config, string, string, func()) (roomHandle, error) {
			t.Fatal("connector must not be called when bridge is unconfigured")
			return nil, nil
		},
		func(context.Context, Config, string) ([]string, error) { return nil, nil },
		func(Config, string, string, time.Duration) (string, error) { return "", nil },
	)

	assert.Nil(t, m.HandleBridgeInit(context.Background()))
}

func TestBytesToInt16(t *testing.T) {
	samples := bytesToInt16([]byte{0x34, 0x12, 0xFF, 0xFF})
	require.Len(t, samples, 2)
	assert.Equal(t, int16(0x1234), samples[0])
	assert.Equal(t, int16(-1), samples[1])
}
