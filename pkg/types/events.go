package types

import "github.com/goccy/go-json"

// EventType tags a GenerationEvent variant. Exactly one terminal variant
// (complete, error, cancelled) is emitted per generation id and nothing
// follows it.
type EventType string

const (
	EventChunk          EventType = "chunk"
	EventReasoningChunk EventType = "reasoning_chunk"
	EventAudioSample    EventType = "audio_sample"
	EventFunctionCall   EventType = "function_call"
	EventProgress       EventType = "progress" // structured-output token count
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
	EventCancelled      EventType = "cancelled"
)

// Terminal reports whether t ends an event stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError || t == EventCancelled
}

// GenerationStats summarizes a finished generation.
type GenerationStats struct {
	TokenCount      int     `json:"token_count"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	DurationMS      int64   `json:"duration_ms"`
}

// GenerationEvent is one item of a generation's event stream, correlated by
// GenerationID. Payload fields are populated according to Type.
type GenerationEvent struct {
	GenerationID string    `json:"generation_id"`
	Type         EventType `json:"type"`
	// chunk / reasoning_chunk
	Text string `json:"text,omitempty"`
	// audio_sample
	Samples    []float32 `json:"samples,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	// function_call
	Calls []FunctionCall `json:"calls,omitempty"`
	// progress
	TokenCount int `json:"token_count,omitempty"`
	// complete
	Message      *Message         `json:"message,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Stats        *GenerationStats `json:"stats,omitempty"`
	// complete (structured output)
	Result      json.RawMessage `json:"result,omitempty"`
	CleanedJSON string          `json:"cleaned_json,omitempty"`
	// error; RawText carries the unparseable model output for diagnostics.
	Error   string `json:"error,omitempty"`
	RawText string `json:"raw_text,omitempty"`
}

// OpEventType tags a model-operation (download/load) progress event.
type OpEventType string

const (
	OpProgress  OpEventType = "progress"
	OpCompleted OpEventType = "completed"
	OpError     OpEventType = "error"
	OpCancelled OpEventType = "cancelled"
)

// DownloadProgress reports download advancement for an operation.
// FractionComplete is non-decreasing per operation; consumers tolerate
// violations rather than crash on them.
type DownloadProgress struct {
	FractionComplete float64 `json:"fraction_complete"`
	BytesPerSecond   float64 `json:"bytes_per_second"`
}

// ModelEvent is one item of a download or load operation's event stream,
// correlated by OperationID.
type ModelEvent struct {
	OperationID string      `json:"operation_id"`
	Type        OpEventType `json:"type"`
	// progress
	Progress *DownloadProgress `json:"progress,omitempty"`
	// completed (load only): id of the resident handle
	HandleID string `json:"handle_id,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}
