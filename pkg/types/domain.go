package types

// Model identifies a downloadable model in the catalog.
type Model struct {
	// Stable identifier for the model.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name,omitempty"`
	// Quantization level or variant string (e.g. Q4_K_M).
	Quant string `json:"quant,omitempty"`
	// Optional family (e.g., llama, mistral, phi).
	Family string `json:"family,omitempty"`
	// Download URL; resolved against the catalog base URL when relative.
	URL string `json:"url,omitempty"`
}

// ModelStatus describes the local availability of a model+quant pair.
type ModelStatus string

const (
	StatusNotPresent ModelStatus = "not_present"
	StatusInProgress ModelStatus = "in_progress"
	StatusPresent    ModelStatus = "present"
)

// Manifest records a completed download.
type Manifest struct {
	Model        string `json:"model"`
	Quant        string `json:"quant"`
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	DownloadedAt int64  `json:"downloaded_at_unix"`
}

// GenerateOptions are sampling parameters forwarded to the inference engine.
// Zero values mean "engine default".
type GenerateOptions struct {
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
}

// FunctionSpec declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object (minimal subset expected).
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // serialized JSON payload
}

// FunctionResult is the externally computed outcome of a FunctionCall.
type FunctionResult struct {
	CallID  string `json:"call_id,omitempty"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
