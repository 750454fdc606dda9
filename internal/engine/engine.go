// Package engine abstracts the inference runtime. The orchestration core
// treats it as a black box: Load yields a resident Instance, Generate
// yields a lazy event stream, Close blocks until the runtime has actually
// reclaimed the instance's memory.
package engine

import (
	"context"

	"runnerd/pkg/types"
)

// EventType tags an upstream inference event.
type EventType int

const (
	EventChunk EventType = iota
	EventReasoningChunk
	EventAudioSample
	EventFunctionCall
	EventComplete
	EventError
)

// Event is one item yielded by an Instance's generation stream.
type Event struct {
	Type EventType
	// EventChunk / EventReasoningChunk
	Text string
	// EventAudioSample
	Samples    []float32
	SampleRate int
	// EventFunctionCall
	Calls []types.FunctionCall
	// EventComplete
	FinishReason string
	// EventError
	Err error
}

// Request carries the conversation context for one generation.
type Request struct {
	Messages []types.Message
	Options  types.GenerateOptions
	// Functions registered on the conversation. Passed through to runtimes
	// that support tool use; ignored by those that do not.
	Functions []types.FunctionSpec
}

// LoadParams configures instance creation.
type LoadParams struct {
	CtxSize int
	Threads int
}

// Engine creates resident model instances from files on disk.
type Engine interface {
	// Load instantiates the model at path. Blocking; honors ctx cancellation.
	Load(ctx context.Context, path string, params LoadParams) (Instance, error)
}

// Instance is a resident, loaded model.
type Instance interface {
	// Generate streams events for the request. The returned channel is
	// closed after a terminal event (Complete or Error). Cancelling ctx
	// requests best-effort upstream cancellation.
	Generate(ctx context.Context, req Request) (<-chan Event, error)
	// Close releases the instance and must not return until the runtime
	// has reclaimed its memory: callers treat "closed" as "safe to load a
	// same-sized model immediately".
	Close() error
}
