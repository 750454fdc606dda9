// Package emitter delivers typed progress events to a possibly-absent sink.
// At most one sink is attached at a time (last attach wins); events emitted
// while no sink is attached are dropped, never buffered for replay. All
// delivery happens on a single dispatch goroutine so consumers observe
// events in emission order, and producers never block on delivery.
package emitter

import "sync"

// Sink receives events. Implementations must not retain the value past the
// call if they mutate it.
type Sink[E any] func(E)

// Emitter fans a single producer-ordered event stream out to the currently
// attached sink.
type Emitter[E any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []E
	sink    Sink[E]
	token   uint64
	closed  bool
	started bool
	busy    bool
}

func New[E any]() *Emitter[E] {
	e := &Emitter[E]{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Attach installs sink as the sole consumer, replacing any previous one
// (last attach wins). The returned token identifies this attachment for
// Detach, so a superseded consumer cannot tear down its successor's sink.
func (e *Emitter[E]) Attach(sink Sink[E]) uint64 {
	e.mu.Lock()
	e.token++
	e.sink = sink
	tok := e.token
	e.mu.Unlock()
	return tok
}

// Detach removes the sink installed by the Attach that returned token.
// A stale token is a no-op. Subsequent emits are dropped.
func (e *Emitter[E]) Detach(token uint64) {
	e.mu.Lock()
	if e.token == token {
		e.sink = nil
	}
	e.mu.Unlock()
}

// Emit enqueues ev for delivery and returns immediately. The event is
// dropped at dispatch time if no sink is attached by then.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if !e.started {
		e.started = true
		go e.dispatch()
	}
	e.queue = append(e.queue, ev)
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Close stops the dispatch goroutine after draining queued events.
func (e *Emitter[E]) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Flush blocks until every event emitted so far has been dispatched.
func (e *Emitter[E]) Flush() {
	e.mu.Lock()
	for (len(e.queue) > 0 || e.busy) && !e.closed {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

func (e *Emitter[E]) dispatch() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		sink := e.sink
		e.busy = true
		e.mu.Unlock()
		// Delivered outside the lock so a slow sink never blocks producers;
		// a nil sink drops the event.
		if sink != nil {
			sink(ev)
		}
		e.mu.Lock()
		e.busy = false
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}
