// Package convo owns per-conversation message history and runs generations
// as cancellable streaming tasks: translate upstream inference events into
// generation events, enforce at most one history-mutating generation per
// conversation, and record function-call round trips.
package convo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runnerd/internal/apperr"
	"runnerd/internal/emitter"
	"runnerd/internal/engine"
	"runnerd/internal/jsonx"
	"runnerd/internal/ops"
	"runnerd/pkg/types"
)

// HandleResolver maps a handle id to its live engine instance. Implemented
// by the model manager.
type HandleResolver interface {
	Instance(handleID string) (engine.Instance, bool)
}

// Config encapsulates Engine construction.
type Config struct {
	Registry *ops.Registry
	Handles  HandleResolver
	// Base is the process-level context for generation tasks.
	Base context.Context
	// Logger defaults to a nop logger.
	Logger zerolog.Logger
}

type conversation struct {
	id        string
	handleID  string
	history   []types.Message
	activeGen string
	functions []types.FunctionSpec
}

// Engine multiplexes conversations over the shared operation registry and a
// generation-event emitter.
type Engine struct {
	reg     *ops.Registry
	events  *emitter.Emitter[types.GenerationEvent]
	handles HandleResolver
	base    context.Context
	log     zerolog.Logger

	mu     sync.Mutex
	convos map[string]*conversation
}

func New(cfg Config) *Engine {
	base := cfg.Base
	if base == nil {
		base = context.Background()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = ops.NewRegistry()
	}
	return &Engine{
		reg:     reg,
		events:  emitter.New[types.GenerationEvent](),
		handles: cfg.Handles,
		base:    base,
		log:     cfg.Logger,
		convos:  make(map[string]*conversation),
	}
}

// Events exposes the generation-event emitter for sink attachment.
func (e *Engine) Events() *emitter.Emitter[types.GenerationEvent] { return e.events }

// Close shuts the emitter down.
func (e *Engine) Close() { e.events.Close() }

// Create binds a new conversation to a resident handle, optionally seeded
// with a system prompt.
func (e *Engine) Create(handleID, systemPrompt string) (string, error) {
	var history []types.Message
	if systemPrompt != "" {
		history = append(history, types.TextMessage(types.RoleSystem, systemPrompt))
	}
	return e.CreateFromHistory(handleID, history)
}

// CreateFromHistory binds a new conversation seeded from existing history.
func (e *Engine) CreateFromHistory(handleID string, history []types.Message) (string, error) {
	if handleID == "" {
		return "", apperr.InvalidArguments("handle_id is required")
	}
	if _, ok := e.handles.Instance(handleID); !ok {
		return "", apperr.CreateFailed("no loaded model for handle %s", handleID)
	}
	c := &conversation{
		id:       uuid.NewString(),
		handleID: handleID,
		history:  append([]types.Message(nil), history...),
	}
	e.mu.Lock()
	e.convos[c.id] = c
	e.mu.Unlock()
	e.log.Debug().Str("conversation", c.id).Str("handle", handleID).Msg("conversation created")
	return c.id, nil
}

// History returns the conversation's messages in order.
func (e *Engine) History(convID string) ([]types.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convos[convID]
	if !ok {
		return nil, apperr.NotFound("unknown conversation %s", convID)
	}
	return append([]types.Message(nil), c.history...), nil
}

// IsGenerating reports whether the conversation has an active generation.
func (e *Engine) IsGenerating(convID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convos[convID]
	return ok && c.activeGen != ""
}

// Dispose removes the conversation, cancelling any active generation.
func (e *Engine) Dispose(convID string) error {
	e.mu.Lock()
	c, ok := e.convos[convID]
	var active string
	if ok {
		active = c.activeGen
		delete(e.convos, convID)
	}
	e.mu.Unlock()
	if !ok {
		return apperr.NotFound("unknown conversation %s", convID)
	}
	if active != "" {
		e.reg.Cancel(active)
	}
	return nil
}

// Export snapshots the conversation in the exported wire format.
func (e *Engine) Export(convID string) (types.ExportedConversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convos[convID]
	if !ok {
		return types.ExportedConversation{}, apperr.NotFound("unknown conversation %s", convID)
	}
	return types.ExportedConversation{
		ConversationID: c.id,
		RunnerID:       c.handleID,
		Messages:       append([]types.Message(nil), c.history...),
	}, nil
}

// RegisterFunction exposes a callable function to the model on subsequent
// generations. Pass-through: the engine never executes functions itself.
// Re-registering a name replaces the previous spec.
func (e *Engine) RegisterFunction(convID string, spec types.FunctionSpec) error {
	if spec.Name == "" {
		return apperr.InvalidArguments("function name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convos[convID]
	if !ok {
		return apperr.NotFound("unknown conversation %s", convID)
	}
	for i, f := range c.functions {
		if f.Name == spec.Name {
			c.functions[i] = spec
			return nil
		}
	}
	c.functions = append(c.functions, spec)
	return nil
}

// ProvideFunctionResult appends a tool-role message carrying an externally
// computed function result to history. The caller resumes generation with a
// fresh generateResponse call.
func (e *Engine) ProvideFunctionResult(convID string, res types.FunctionResult) error {
	if res.Name == "" {
		return apperr.InvalidArguments("function name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convos[convID]
	if !ok {
		return apperr.NotFound("unknown conversation %s", convID)
	}
	if c.activeGen != "" {
		return apperr.GenerationFailed("conversation %s has an active generation", convID)
	}
	msg := types.TextMessage(types.RoleTool, res.Content)
	c.history = append(c.history, msg)
	return nil
}

// Generate appends msg to history synchronously, then starts a
// registry-tracked streaming generation task and returns its id. A
// conversation has at most one active generation; a second start fails.
func (e *Engine) Generate(convID string, msg types.Message, opts types.GenerateOptions) (string, error) {
	return e.start(convID, msg, opts, nil)
}

// GenerateStructured is Generate constrained to schema: while streaming
// only token-count progress is emitted, and the terminal Complete carries
// the JSON value recovered from the raw text (or Error with the raw text
// when extraction fails).
func (e *Engine) GenerateStructured(convID string, msg types.Message, schema json.RawMessage, opts types.GenerateOptions) (string, error) {
	if len(schema) == 0 {
		return "", apperr.InvalidArguments("schema is required")
	}
	return e.start(convID, msg, opts, schema)
}

func (e *Engine) start(convID string, msg types.Message, opts types.GenerateOptions, schema json.RawMessage) (string, error) {
	if len(msg.Content) == 0 {
		return "", apperr.InvalidArguments("message content is required")
	}
	if msg.Role == "" {
		msg.Role = types.RoleUser
	}

	e.mu.Lock()
	c, ok := e.convos[convID]
	if !ok {
		e.mu.Unlock()
		return "", apperr.NotFound("unknown conversation %s", convID)
	}
	if c.activeGen != "" {
		e.mu.Unlock()
		return "", apperr.GenerationFailed("conversation %s already has an active generation", convID)
	}
	inst, live := e.handles.Instance(c.handleID)
	if !live {
		e.mu.Unlock()
		return "", apperr.NotFound("model handle %s is not loaded", c.handleID)
	}
	// The user-authored message lands in history before the task starts.
	c.history = append(c.history, msg)
	genID, ctx := e.reg.Begin(e.base, ops.KindGenerate)
	c.activeGen = genID
	req := engine.Request{
		Messages:  append([]types.Message(nil), c.history...),
		Options:   opts,
		Functions: append([]types.FunctionSpec(nil), c.functions...),
	}
	e.mu.Unlock()

	go e.run(ctx, genID, c, inst, req, schema)
	return genID, nil
}

// Stop requests cooperative cancellation of a generation. Unknown ids are
// idempotent: the Cancelled acknowledgement is still emitted; tracked tasks
// emit their own terminal.
func (e *Engine) Stop(genID string) {
	if !e.reg.Cancel(genID) {
		e.events.Emit(types.GenerationEvent{GenerationID: genID, Type: types.EventCancelled})
	}
}

// run is the generation task. It consumes the upstream inference stream,
// re-checking the cancellation flag before every emission, and finishes
// with exactly one terminal event decided atomically against the registry.
func (e *Engine) run(ctx context.Context, genID string, c *conversation, inst engine.Instance, req engine.Request, schema json.RawMessage) {
	structured := len(schema) > 0
	start := time.Now()
	var text strings.Builder
	var calls []types.FunctionCall
	tokens := 0
	finish := "stop"
	var upstreamErr error

	stream, err := inst.Generate(ctx, req)
	if err != nil {
		upstreamErr = err
	} else {
	consume:
		for ev := range stream {
			// Flag check happens before any emission; once cancelled, stop
			// consuming (upstream stop was already requested via ctx).
			if e.reg.IsCancelled(genID) {
				break
			}
			switch ev.Type {
			case engine.EventChunk:
				tokens++
				text.WriteString(ev.Text)
				if structured {
					e.events.Emit(types.GenerationEvent{GenerationID: genID, Type: types.EventProgress, TokenCount: tokens})
				} else {
					e.events.Emit(types.GenerationEvent{GenerationID: genID, Type: types.EventChunk, Text: ev.Text})
				}
			case engine.EventReasoningChunk:
				tokens++
				if !structured {
					e.events.Emit(types.GenerationEvent{GenerationID: genID, Type: types.EventReasoningChunk, Text: ev.Text})
				}
			case engine.EventAudioSample:
				e.events.Emit(types.GenerationEvent{GenerationID: genID, Type: types.EventAudioSample, Samples: ev.Samples, SampleRate: ev.SampleRate})
			case engine.EventFunctionCall:
				calls = append(calls, ev.Calls...)
				e.events.Emit(types.GenerationEvent{GenerationID: genID, Type: types.EventFunctionCall, Calls: ev.Calls})
			case engine.EventComplete:
				if ev.FinishReason != "" {
					finish = ev.FinishReason
				}
				break consume
			case engine.EventError:
				upstreamErr = ev.Err
				break consume
			}
		}
	}

	elapsed := time.Since(start)
	stats := &types.GenerationStats{TokenCount: tokens, DurationMS: elapsed.Milliseconds()}
	if secs := elapsed.Seconds(); secs > 0 {
		stats.TokensPerSecond = float64(tokens) / secs
	}

	// Terminal decision: removal and the cancelled flag are read in one
	// atomic step, so a racing Stop either lands before this (terminal is
	// Cancelled) or is a no-op acknowledgement on the removed id.
	cancelled, _ := e.reg.Finish(genID)

	e.mu.Lock()
	if c.activeGen == genID {
		c.activeGen = ""
	}
	if cancelled {
		e.mu.Unlock()
		ev := types.GenerationEvent{GenerationID: genID, Type: types.EventCancelled}
		if structured && text.Len() > 0 {
			ev.RawText = text.String()
		}
		e.events.Emit(ev)
		return
	}
	if upstreamErr != nil {
		e.mu.Unlock()
		e.log.Warn().Str("generation", genID).Err(upstreamErr).Msg("generation failed")
		e.events.Emit(types.GenerationEvent{GenerationID: genID, Type: types.EventError, Error: upstreamErr.Error()})
		return
	}

	assistant := types.Message{
		Role:          types.RoleAssistant,
		Content:       []types.ContentPart{{Type: types.PartText, Text: text.String()}},
		FunctionCalls: calls,
	}
	c.history = append(c.history, assistant)
	e.mu.Unlock()

	if structured {
		result, err := jsonx.Extract(text.String())
		if err != nil {
			e.events.Emit(types.GenerationEvent{
				GenerationID: genID,
				Type:         types.EventError,
				Error:        err.Error(),
				RawText:      text.String(),
			})
			return
		}
		e.events.Emit(types.GenerationEvent{
			GenerationID: genID,
			Type:         types.EventComplete,
			Result:       result,
			CleanedJSON:  string(result),
			Stats:        stats,
			FinishReason: finish,
		})
		return
	}
	e.events.Emit(types.GenerationEvent{
		GenerationID: genID,
		Type:         types.EventComplete,
		Message:      &assistant,
		FinishReason: finish,
		Stats:        stats,
	})
}
