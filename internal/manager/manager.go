// Package manager owns model lifecycle: registry-tracked download and load
// operations with progress events, the set of resident model handles, and
// the single-instance load policy layered on top.
package manager

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runnerd/internal/apperr"
	"runnerd/internal/download"
	"runnerd/internal/emitter"
	"runnerd/internal/engine"
	"runnerd/internal/ops"
	"runnerd/pkg/types"
)

// Config encapsulates Manager construction tunables.
type Config struct {
	// Catalog lists the models the daemon knows how to fetch.
	Catalog []types.Model
	// Engine is the inference runtime collaborator.
	Engine engine.Engine
	// Downloader is the download collaborator.
	Downloader download.Downloader
	// EngineParams configure instance creation.
	EngineParams engine.LoadParams
	// Base is the process-level context; cancelling it stops all tasks.
	Base context.Context
	// Logger defaults to a nop logger.
	Logger zerolog.Logger
}

// Handle is an opaque reference to a resident loaded model. Once disposed
// it stays known (so use-after-unload reads as disposed, not never-existed)
// but its instance is gone.
type Handle struct {
	ID       string
	Model    string
	Quant    string
	inst     engine.Instance
	disposed bool
}

// Manager performs download-then-load and owns resident handles. The handle
// map is the only mutable shared state and is mutex-guarded.
type Manager struct {
	reg    *ops.Registry
	dl     download.Downloader
	eng    engine.Engine
	params engine.LoadParams
	events *emitter.Emitter[types.ModelEvent]
	base   context.Context
	log    zerolog.Logger

	mu      sync.Mutex
	catalog []types.Model
	handles map[string]*Handle
}

func New(cfg Config) *Manager {
	base := cfg.Base
	if base == nil {
		base = context.Background()
	}
	return &Manager{
		reg:     ops.NewRegistry(),
		dl:      cfg.Downloader,
		eng:     cfg.Engine,
		params:  cfg.EngineParams,
		events:  emitter.New[types.ModelEvent](),
		base:    base,
		log:     cfg.Logger,
		catalog: cfg.Catalog,
		handles: make(map[string]*Handle),
	}
}

// Events exposes the model-operation progress emitter for sink attachment.
func (m *Manager) Events() *emitter.Emitter[types.ModelEvent] { return m.events }

// Registry exposes the shared operation ledger (the generation engine
// tracks its tasks in the same registry).
func (m *Manager) Registry() *ops.Registry { return m.reg }

// resolveModel finds a catalog entry, falling back to a synthetic entry so
// ad-hoc model ids remain downloadable when the catalog does not list them.
func (m *Manager) resolveModel(model, quant string) types.Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.catalog {
		if c.ID == model && (quant == "" || c.Quant == quant) {
			return c
		}
	}
	return types.Model{ID: model, Quant: quant}
}

// Models lists the catalog with per-model local availability.
func (m *Manager) Models() ([]types.ModelListing, error) {
	m.mu.Lock()
	catalog := make([]types.Model, len(m.catalog))
	copy(catalog, m.catalog)
	m.mu.Unlock()

	out := make([]types.ModelListing, 0, len(catalog))
	for _, c := range catalog {
		st, err := m.dl.Status(c.ID, c.Quant)
		if err != nil {
			return nil, err
		}
		out = append(out, types.ModelListing{Model: c, Status: st})
	}
	return out, nil
}

// Download starts a registry-tracked download operation and returns its id.
// Progress and the terminal event stream through the model-event emitter.
func (m *Manager) Download(model, quant string) (string, error) {
	if model == "" {
		return "", apperr.InvalidArguments("model is required")
	}
	entry := m.resolveModel(model, quant)
	opID, ctx := m.reg.Begin(m.base, ops.KindDownload)

	go func() {
		_, err := m.dl.Download(ctx, entry, m.progressFunc(opID))
		cancelled, _ := m.reg.Finish(opID)
		switch {
		case cancelled:
			m.events.Emit(types.ModelEvent{OperationID: opID, Type: types.OpCancelled})
		case err != nil:
			m.log.Warn().Str("op", opID).Err(err).Msg("download failed")
			m.events.Emit(types.ModelEvent{OperationID: opID, Type: types.OpError, Error: err.Error()})
		default:
			m.events.Emit(types.ModelEvent{OperationID: opID, Type: types.OpCompleted})
		}
	}()
	return opID, nil
}

// progressFunc forwards download progress unless the operation was already
// cancelled; nothing but the acknowledgement follows a cancel.
func (m *Manager) progressFunc(opID string) download.ProgressFunc {
	return func(p types.DownloadProgress) {
		if m.reg.IsCancelled(opID) {
			return
		}
		prog := p
		m.events.Emit(types.ModelEvent{OperationID: opID, Type: types.OpProgress, Progress: &prog})
	}
}

// Load downloads the model if not already cached, then instantiates a
// handle. onDone (optional) observes the outcome; the terminal event also
// carries the handle id. A load cancelled after the instance was created
// unloads it rather than leaking.
func (m *Manager) Load(model, quant string, onDone func(handleID string, err error)) (string, error) {
	if model == "" {
		return "", apperr.InvalidArguments("model is required")
	}
	if onDone == nil {
		onDone = func(string, error) {}
	}
	entry := m.resolveModel(model, quant)
	opID, ctx := m.reg.Begin(m.base, ops.KindLoad)

	go func() {
		handleID, err := m.runLoad(ctx, opID, entry)
		cancelled, _ := m.reg.Finish(opID)
		if cancelled {
			if handleID != "" {
				// Instantiated but cancelled before the terminal was
				// observed: release it, never leak.
				m.Unload(handleID)
			}
			m.events.Emit(types.ModelEvent{OperationID: opID, Type: types.OpCancelled})
			onDone("", context.Canceled)
			return
		}
		if err != nil {
			m.log.Warn().Str("op", opID).Err(err).Msg("load failed")
			m.events.Emit(types.ModelEvent{OperationID: opID, Type: types.OpError, Error: err.Error()})
			onDone("", err)
			return
		}
		m.events.Emit(types.ModelEvent{OperationID: opID, Type: types.OpCompleted, HandleID: handleID})
		onDone(handleID, nil)
	}()
	return opID, nil
}

func (m *Manager) runLoad(ctx context.Context, opID string, entry types.Model) (string, error) {
	downloaded, err := m.dl.IsDownloaded(entry.ID, entry.Quant)
	if err != nil {
		return "", err
	}
	var path string
	if downloaded {
		mf, ok, merr := m.manifest(entry.ID, entry.Quant)
		if merr != nil || !ok {
			downloaded = false
		} else {
			path = mf.Path
		}
	}
	if !downloaded {
		mf, err := m.dl.Download(ctx, entry, m.progressFunc(opID))
		if err != nil {
			return "", err
		}
		path = mf.Path
	}

	inst, err := m.eng.Load(ctx, path, m.params)
	if err != nil {
		return "", err
	}
	h := &Handle{ID: uuid.NewString(), Model: entry.ID, Quant: entry.Quant, inst: inst}
	m.mu.Lock()
	m.handles[h.ID] = h
	m.mu.Unlock()
	m.log.Info().Str("handle", h.ID).Str("model", entry.ID).Msg("model loaded")
	return h.ID, nil
}

func (m *Manager) manifest(model, quant string) (types.Manifest, bool, error) {
	type manifester interface {
		Manifest(model, quant string) (types.Manifest, bool, error)
	}
	if mf, ok := m.dl.(manifester); ok {
		return mf.Manifest(model, quant)
	}
	return types.Manifest{}, false, nil
}

// Unload releases a resident handle. Returns false when the handle is
// unknown or already disposed. The handle leaves the resident set before
// the engine release call, and the release is synchronous: when Unload
// returns, the memory is actually reclaimed.
func (m *Manager) Unload(handleID string) bool {
	m.mu.Lock()
	h, ok := m.handles[handleID]
	if !ok || h.disposed {
		m.mu.Unlock()
		return false
	}
	h.disposed = true
	inst := h.inst
	h.inst = nil
	m.mu.Unlock()

	if err := inst.Close(); err != nil {
		m.log.Warn().Str("handle", handleID).Err(err).Msg("engine close reported error")
	}
	m.log.Info().Str("handle", handleID).Msg("model unloaded")
	return true
}

// IsDisposed reports whether a handle existed and was unloaded.
func (m *Manager) IsDisposed(handleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[handleID]
	return ok && h.disposed
}

// ResidentCount reports how many handles are currently live.
func (m *Manager) ResidentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if !h.disposed {
			n++
		}
	}
	return n
}

// Instance resolves a live handle to its engine instance for generation.
func (m *Manager) Instance(handleID string) (engine.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[handleID]
	if !ok || h.disposed {
		return nil, false
	}
	return h.inst, true
}

// Cancel requests cooperative cancellation of an operation. Cancelling an
// unknown (finished or never-started) id is idempotent: the acknowledgement
// event is still sent; tracked tasks emit their own terminal Cancelled.
func (m *Manager) Cancel(opID string) {
	if !m.reg.Cancel(opID) {
		m.events.Emit(types.ModelEvent{OperationID: opID, Type: types.OpCancelled})
	}
}

// IsDownloaded answers whether a completed download exists locally.
func (m *Manager) IsDownloaded(model, quant string) (bool, error) {
	if model == "" {
		return false, apperr.InvalidArguments("model is required")
	}
	return m.dl.IsDownloaded(model, quant)
}

// Status reports NotPresent/InProgress/Present for model+quant.
func (m *Manager) Status(model, quant string) (types.ModelStatus, error) {
	if model == "" {
		return "", apperr.InvalidArguments("model is required")
	}
	return m.dl.Status(model, quant)
}

// Delete removes the downloaded model file and its ledger entry.
func (m *Manager) Delete(model, quant string) error {
	if model == "" {
		return apperr.InvalidArguments("model is required")
	}
	return m.dl.Remove(model, quant)
}

// Close releases resident handles (synchronously, so the engine reclaims
// memory before process exit) and shuts the emitter down.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id, h := range m.handles {
		if !h.disposed {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Unload(id)
	}
	m.events.Close()
}
