package manager

import (
	"sync"

	"runnerd/internal/apperr"
)

// SingleLoader guarantees at most one resident model handle at any
// observable instant. A new load first unloads the previous handle (two
// full models resident at once can exceed device memory), and a load
// arriving while another is in flight is rejected rather than queued.
//
// State machine: Idle -> Loading -> {Idle-with-handle, Idle}.
type SingleLoader struct {
	mgr *Manager

	mu      sync.Mutex
	loading bool
	current string // resident handle id, empty when none
}

func NewSingleLoader(mgr *Manager) *SingleLoader {
	return &SingleLoader{mgr: mgr}
}

// Load starts a load operation under the single-instance policy and
// returns the operation id. Rejected with ALREADY_LOADING while a previous
// load is still in flight.
func (l *SingleLoader) Load(model, quant string) (string, error) {
	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		return "", apperr.AlreadyLoading("a model load is already in progress")
	}
	l.loading = true
	prev := l.current
	l.current = ""
	l.mu.Unlock()

	// Dispose the old handle before the new load is attempted.
	if prev != "" {
		l.mgr.Unload(prev)
	}

	opID, err := l.mgr.Load(model, quant, func(handleID string, err error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.loading = false
		// On error or cancellation no handle is recorded; the previous one
		// is already gone.
		if err == nil && handleID != "" {
			l.current = handleID
		}
	})
	if err != nil {
		l.mu.Lock()
		l.loading = false
		l.mu.Unlock()
		return "", err
	}
	return opID, nil
}

// Unload releases the resident handle, if any. Rejected while a load is in
// flight: no generation may reference a handle being torn down mid-load.
func (l *SingleLoader) Unload(handleID string) (bool, error) {
	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		return false, apperr.AlreadyLoading("cannot unload while a load is in progress")
	}
	if l.current == handleID {
		l.current = ""
	}
	l.mu.Unlock()
	return l.mgr.Unload(handleID), nil
}

// Current returns the resident handle id, if one exists.
func (l *SingleLoader) Current() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.current != ""
}

// Loading reports whether a load is in flight.
func (l *SingleLoader) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}
