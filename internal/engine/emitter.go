package engine

import (
	"log"
	"sync/atomic"
	"time"
)

// emitRetryWindow is how long a full event channel is given to drain before
// an event is dropped.
const emitRetryWindow = 100 * time.Millisecond

// Emitter is the run's event channel. Emission never stalls the run loop
// for longer than the retry window: slow observers lose events rather than
// blocking movement execution.
type Emitter struct {
	events chan Event
	drops  atomic.Uint64
}

// NewEmitter creates an Emitter with the given channel buffer.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{events: make(chan Event, bufferSize)}
}

// Emit stamps and delivers an event. A full channel gets one bounded retry;
// after that the event is dropped and counted.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	t := time.NewTimer(emitRetryWindow)
	defer t.Stop()

	select {
	case e.events <- event:
	case <-t.C:
		count := e.drops.Add(1)
		if count%10 == 1 { // log sparsely, drops tend to come in bursts
			log.Printf("[engine] event channel full, dropping %s (total dropped: %d)", event.Type, count)
		}
	}
}

// DroppedCount returns how many events were dropped on a full channel. The
// engine reports a non-zero count when the run finishes.
func (e *Emitter) DroppedCount() uint64 {
	return e.drops.Load()
}

// Events returns the read side of the event channel.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the event channel; observers ranging over Events terminate.
func (e *Emitter) Close() {
	close(e.events)
}
