// Package analytics provides the fire-and-forget product event emitter. Emit
// never blocks a session operation: events queue onto a bounded buffer and a
// background goroutine drains them into the sink.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/metrics"
)

const appendTimeout = 5 * time.Second

// Event is one product analytics event.
type Event struct {
	Name   string
	UserID string
	Props  map[string]any
	At     time.Time
}

// Sink receives drained events.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// Emitter is the asynchronous domain.AnalyticsEmitter implementation.
type Emitter struct {
	sink     Sink
	clock    clockwork.Clock
	ch       chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ domain.AnalyticsEmitter = (*Emitter)(nil)

func NewEmitter(sink Sink, capacity int, clock clockwork.Clock) *Emitter {
	e := &Emitter{
		sink:  sink,
		clock: clock,
		ch:    make(chan Event, capacity),
		done:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit queues an event. When the buffer is full the event is dropped with a
// warning; analytics never applies backpressure to session traffic.
func (e *Emitter) Emit(event, userID string, props map[string]any) {
	ev := Event{Name: event, UserID: userID, Props: props, At: e.clock.Now()}
	select {
	case e.ch <- ev:
	default:
		metrics.AnalyticsEventsDropped.Inc()
		slog.Warn("Analytics buffer full, dropping event", "event", event, "user_id", userID)
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.ch:
			e.append(ev)
		case <-e.done:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case ev := <-e.ch:
					e.append(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) append(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := e.sink.Append(ctx, ev); err != nil {
		slog.Warn("Failed to append analytics event", "event", ev.Name, "error", err)
	}
}

// Close drains the buffer and stops the background goroutine.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}
