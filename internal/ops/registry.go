// Package ops is the ledger of in-flight cancellable operations. Every
// download, load and generation is tracked here under a fresh uuid; the
// registry is the single point where the cancellation flag and entry
// removal are decided atomically.
package ops

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Kind classifies an operation.
type Kind string

const (
	KindDownload Kind = "download"
	KindLoad     Kind = "load"
	KindGenerate Kind = "generate"
)

type operation struct {
	kind      Kind
	cancelled bool
	cancel    context.CancelFunc
}

// Registry tracks in-flight operations. Safe for concurrent use.
type Registry struct {
	mu  sync.Mutex
	ops map[string]*operation
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*operation)}
}

// Begin allocates a fresh operation id and a context derived from parent
// that is cancelled when the operation is cancelled. Ids are never reused.
func (r *Registry) Begin(parent context.Context, kind Kind) (string, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	r.mu.Lock()
	r.ops[id] = &operation{kind: kind, cancel: cancel}
	r.mu.Unlock()
	return id, ctx
}

// Cancel marks the operation cancelled and requests cooperative stop of the
// underlying task. Unknown ids are a no-op (idempotent by design); the
// return value reports whether the id was known and still in flight.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	op, ok := r.ops[id]
	if ok {
		op.cancelled = true
	}
	r.mu.Unlock()
	if ok {
		op.cancel()
	}
	return ok
}

// IsCancelled reports the cancellation flag. Unknown ids read as false.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	return ok && op.cancelled
}

// Kind returns the kind of a tracked operation.
func (r *Registry) Kind(id string) (Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return "", false
	}
	return op.kind, true
}

// Complete removes the entry. Unknown ids are a no-op; removal happens at
// most once per id.
func (r *Registry) Complete(id string) {
	r.mu.Lock()
	op, ok := r.ops[id]
	delete(r.ops, id)
	r.mu.Unlock()
	if ok {
		op.cancel()
	}
}

// Finish removes the entry and reports whether it had been cancelled, as a
// single atomic step. Tasks call this exactly once right before emitting
// their terminal event so a racing Cancel either lands before Finish (and
// the terminal becomes Cancelled) or is a no-op on the removed id: a
// cancelled task can never emit Complete after its Cancelled was decided.
func (r *Registry) Finish(id string) (cancelled, ok bool) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if ok {
		cancelled = op.cancelled
		delete(r.ops, id)
	}
	r.mu.Unlock()
	if ok {
		op.cancel()
	}
	return cancelled, ok
}

// Len reports the number of in-flight operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}
