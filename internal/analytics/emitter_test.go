package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (s *captureSink) Append(ctx context.Context, ev Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestEmitDeliversToSink(t *testing.T) {
	sink := &captureSink{}
	emitter := NewEmitter(sink, 8, clockwork.NewRealClock())

	emitter.Emit("connected", "user-1", map[string]any{"reconnect": false})
	emitter.Close()

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "connected", events[0].Name)
	assert.Equal(t, "user-1", events[0].UserID)
	assert.Equal(t, false, events[0].Props["reconnect"])
}

func TestEmitNeverBlocksWhenBufferFull(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	emitter := NewEmitter(sink, 1, clockwork.NewRealClock())

	// First event occupies the drain goroutine, second fills the buffer, the
	// rest must drop without blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			emitter.Emit("spam", "user-1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	close(sink.block)
	emitter.Close()
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	sink := &captureSink{err: errors.New("stream unavailable")}
	emitter := NewEmitter(sink, 8, clockwork.NewRealClock())

	emitter.Emit("connected", "user-1", nil)
	emitter.Close()
	// No panic, no propagation: fire and forget.
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	sink := &captureSink{}
	emitter := NewEmitter(sink, 16, clockwork.NewRealClock())

	for i := 0; i < 5; i++ {
		emitter.Emit("burst", "user-1", nil)
	}
	emitter.Close()

	assert.Len(t, sink.snapshot(), 5)
}
