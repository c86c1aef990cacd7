package engine

import (
	"sync"
	"sync/atomic"

	"github.com/sawpanic/marketfeed/internal/cache"
	"github.com/sawpanic/marketfeed/internal/model"
)

// defaultSubscriberBuffer bounds how far a listener can fall behind before
// Emitter starts dropping its events rather than blocking the receive loop
// that ultimately feeds it.
const defaultSubscriberBuffer = 256

// Emitter is the typed multi-subscriber fan-out design note 9 calls for, in
// place of an ad-hoc event bus: one buffered channel per listener, grouped
// by DataKind, so a caller only ever receives the kinds it asked for.
type Emitter struct {
	bufferSize int

	mu   sync.RWMutex
	subs map[model.DataKind][]chan cache.Event

	dropped int64
}

// NewEmitter returns an empty Emitter. bufferSize <= 0 uses the package
// default.
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Emitter{bufferSize: bufferSize, subs: make(map[model.DataKind][]chan cache.Event)}
}

// Subscribe returns a channel receiving every Event of the given kind. The
// channel is never closed by Subscribe; callers that stop listening simply
// stop reading from it (a deliberate non-goal: there is no unsubscribe path,
// since listener lifetime tracks process lifetime here).
func (e *Emitter) Subscribe(kind model.DataKind) <-chan cache.Event {
	ch := make(chan cache.Event, e.bufferSize)
	e.mu.Lock()
	e.subs[kind] = append(e.subs[kind], ch)
	e.mu.Unlock()
	return ch
}

// Emit implements cache.Emitter: fan out to every subscriber of e.Kind,
// dropping (and counting) for any listener whose buffer is full instead of
// blocking the Sink's caller.
func (e *Emitter) Emit(ev cache.Event) {
	e.mu.RLock()
	subs := e.subs[ev.Kind]
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			atomic.AddInt64(&e.dropped, 1)
		}
	}
}

// Dropped reports how many events were discarded for full subscriber
// buffers since startup.
func (e *Emitter) Dropped() int64 {
	return atomic.LoadInt64(&e.dropped)
}

var _ cache.Emitter = (*Emitter)(nil)
