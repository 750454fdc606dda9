package engine

import (
	"context"
	"sync"
	"time"
)

// FakeEngine is a scripted in-memory Engine for tests and examples, in the
// spirit of a mock model: deterministic events, no native runtime.
type FakeEngine struct {
	mu sync.Mutex
	// Script is replayed by every instance's Generate call. When empty, a
	// single "ok" chunk plus Complete is produced.
	Script []Event
	// LoadDelay simulates model instantiation time.
	LoadDelay time.Duration
	// LoadErr, when set, makes Load fail.
	LoadErr error
	// ChunkDelay paces script replay so cancellation races are exercisable.
	ChunkDelay time.Duration

	loads     int
	instances []*FakeInstance
}

func (e *FakeEngine) Load(ctx context.Context, path string, params LoadParams) (Instance, error) {
	e.mu.Lock()
	e.loads++
	delay := e.LoadDelay
	loadErr := e.LoadErr
	e.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}
	inst := &FakeInstance{engine: e, Path: path}
	e.mu.Lock()
	e.instances = append(e.instances, inst)
	e.mu.Unlock()
	return inst, nil
}

// Loads reports how many Load calls were made.
func (e *FakeEngine) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// Instances returns every instance ever created, closed or not.
func (e *FakeEngine) Instances() []*FakeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*FakeInstance, len(e.instances))
	copy(out, e.instances)
	return out
}

// FakeInstance replays the engine script.
type FakeInstance struct {
	engine *FakeEngine
	Path   string

	mu     sync.Mutex
	closed bool
	gens   int
	// LastRequest records the most recent Generate request for assertions.
	LastRequest Request
}

func (s *FakeInstance) Generate(ctx context.Context, req Request) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, context.Canceled
	}
	s.gens++
	s.LastRequest = req
	s.mu.Unlock()

	s.engine.mu.Lock()
	script := make([]Event, len(s.engine.Script))
	copy(script, s.engine.Script)
	pace := s.engine.ChunkDelay
	s.engine.mu.Unlock()
	if len(script) == 0 {
		script = []Event{
			{Type: EventChunk, Text: "ok"},
			{Type: EventComplete, FinishReason: "stop"},
		}
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for _, ev := range script {
			if pace > 0 {
				select {
				case <-time.After(pace):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == EventComplete || ev.Type == EventError {
				return
			}
		}
	}()
	return out, nil
}

func (s *FakeInstance) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *FakeInstance) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Generations reports how many Generate calls were made on this instance.
func (s *FakeInstance) Generations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens
}
