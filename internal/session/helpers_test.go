package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/protocol"
)

// --- Mock implementations ---

type fakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode int
	alive     bool
	sendErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{alive: true}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.alive = false
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) wasClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

type mockAppStore struct {
	mu                      sync.Mutex
	previouslyRunningAppsFn func(ctx context.Context, userID string) ([]string, error)
	added, removed          []string
}

func (m *mockAppStore) PreviouslyRunningApps(ctx context.Context, userID string) ([]string, error) {
	if m.previouslyRunningAppsFn != nil {
		return m.previouslyRunningAppsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockAppStore) AddRunningApp(_ context.Context, _, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, packageName)
	return nil
}

func (m *mockAppStore) RemoveRunningApp(_ context.Context, _, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, packageName)
	return nil
}

type mockLauncher struct {
	mu       sync.Mutex
	launchFn func(ctx context.Context, packageName, userID, sessionID string) error
	launched []string
}

func (m *mockLauncher) Launch(ctx context.Context, packageName, userID, sessionID string) error {
	m.mu.Lock()
	m.launched = append(m.launched, packageName)
	m.mu.Unlock()
	if m.launchFn != nil {
		return m.launchFn(ctx, packageName, userID, sessionID)
	}
	return nil
}

func (m *mockLauncher) launchCount(pkg string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.launched {
		if p == pkg {
			n++
		}
	}
	return n
}

type mockAnalytics struct {
	mu     sync.Mutex
	events []string
}

func (m *mockAnalytics) Emit(event, _ string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockAnalytics) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

type mockBridge struct {
	mu           sync.Mutex
	initFn       func(ctx context.Context) *protocol.BridgeGrant
	statusFn     func() *domain.BridgeStatus
	rejoinFn     func(ctx context.Context) (*protocol.BridgeGrant, error)
	initCalls    int
	rejoinCalls  int
	closeCalls   int
	publishedPCM [][]byte
}

func (m *mockBridge) HandleBridgeInit(ctx context.Context) *protocol.BridgeGrant {
	m.mu.Lock()
	m.initCalls++
	m.mu.Unlock()
	if m.initFn != nil {
		return m.initFn(ctx)
	}
	return nil
}

func (m *mockBridge) Status() *domain.BridgeStatus {
	if m.statusFn != nil {
		return m.statusFn()
	}
	return nil
}

func (m *mockBridge) Rejoin(ctx context.Context) (*protocol.BridgeGrant, error) {
	m.mu.Lock()
	m.rejoinCalls++
	m.mu.Unlock()
	if m.rejoinFn != nil {
		return m.rejoinFn(ctx)
	}
	return nil, nil
}

func (m *mockBridge) RoomStatus(_ context.Context) (*domain.RoomStatus, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockBridge) PublishAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedPCM = append(m.publishedPCM, pcm)
	return nil
}

func (m *mockBridge) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
}

// --- Test fixture ---

type fixture struct {
	manager   *Manager
	clock     *clockwork.FakeClock
	appStore  *mockAppStore
	launcher  *mockLauncher
	analytics *mockAnalytics
	bridge    *mockBridge
}

func newFixture() *fixture {
	f := &fixture{
		clock:     clockwork.NewFakeClock(),
		appStore:  &mockAppStore{},
		launcher:  &mockLauncher{},
		analytics: &mockAnalytics{},
		bridge:    &mockBridge{},
	}
	cfg := Config{
		Env:              "test",
		GracePeriod:      60 * time.Second,
		AppGracePeriod:   60 * time.Second,
		DashboardPackage: "system.dashboard",
	}
	f.manager = NewManager(
		cfg,
		NewRegistry(),
		f.clock,
		f.appStore,
		f.launcher,
		f.analytics,
		func(string) domain.MediaBridge { return f.bridge },
	)
	return f
}

func testIdentity() domain.Identity {
	return domain.Identity{UserID: "user-1", Email: "user-1@example.com"}
}
