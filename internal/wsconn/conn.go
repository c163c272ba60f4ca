// Package wsconn wraps a gorilla WebSocket connection with a buffered writer
// goroutine, keeping all frame writes on a single goroutine and giving the
// session layer a narrow, fake-able interface.
package wsconn

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

// ErrBufferFull is returned when the outbound queue is saturated. The caller
// decides the drop policy; the writer never blocks.
var ErrBufferFull = errors.New("wsconn: outbound buffer full")

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("wsconn: connection closed")

// Conn is the duplex channel handle held by sessions and app sessions.
type Conn interface {
	// Send queues a text frame. Never blocks: returns ErrBufferFull when the
	// bounded queue is saturated.
	Send(data []byte) error
	// Close writes a close frame with the given code and reason, then closes
	// the underlying connection. Safe to call more than once.
	Close(code int, reason string)
	// Alive reports whether the connection is still usable.
	Alive() bool
}

// Socket is the production Conn implementation.
type Socket struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	sendCh   chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	alive    atomic.Bool
}

var _ Conn = (*Socket)(nil)

func New(conn *websocket.Conn, clock clockwork.Clock) *Socket {
	s := &Socket{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, messageBufferSize),
		done:   make(chan struct{}),
	}
	s.alive.Store(true)
	s.configurePongHandler()
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Socket) run() {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.wg.Done()
	defer s.alive.Store(false)

	for {
		select {
		case msg, ok := <-s.sendCh:
			if !ok {
				return
			}
			s.updateWriteDeadline()
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			s.updateWriteDeadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Socket) Send(data []byte) error {
	if !s.alive.Load() {
		return ErrClosed
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close signals the writer goroutine to exit, waits for it, then writes the
// close frame. Writing after the goroutine exits avoids concurrent writes to
// the underlying connection.
func (s *Socket) Close(code int, reason string) {
	s.stopOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
		s.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		s.updateWriteDeadline()
		_ = s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = s.conn.Close()
	})
}

func (s *Socket) Alive() bool {
	return s.alive.Load()
}

func (s *Socket) configurePongHandler() {
	s.updateReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.updateReadDeadline()
		return nil
	})
}

func (s *Socket) updateWriteDeadline() {
	_ = s.conn.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
}

func (s *Socket) updateReadDeadline() {
	_ = s.conn.SetReadDeadline(s.clock.Now().Add(pongDeadline))
}
