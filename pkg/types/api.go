package types

import "github.com/goccy/go-json"

// ModelRequest addresses a model+quant pair for download/load/delete/status.
type ModelRequest struct {
	Model string `json:"model"`
	Quant string `json:"quant,omitempty"`
}

// OperationResponse returns the id of a newly started async operation.
type OperationResponse struct {
	OperationID string `json:"operation_id"`
}

// UnloadRequest releases a resident model handle.
type UnloadRequest struct {
	HandleID string `json:"handle_id"`
}

// UnloadResponse reports whether the handle was known and released.
type UnloadResponse struct {
	Unloaded bool `json:"unloaded"`
}

// DownloadedResponse answers isModelDownloaded.
type DownloadedResponse struct {
	Downloaded bool `json:"downloaded"`
}

// StatusResponse answers getModelStatus.
type StatusResponse struct {
	Status ModelStatus `json:"status"`
}

// ModelsResponse lists the catalog with local availability.
type ModelsResponse struct {
	Models []ModelListing `json:"models"`
}

// ModelListing is one catalog entry plus its download status.
type ModelListing struct {
	Model
	Status ModelStatus `json:"status"`
}

// CreateConversationRequest binds a new conversation to a resident handle.
// History seeds the conversation when present (createConversationFromHistory).
type CreateConversationRequest struct {
	HandleID     string    `json:"handle_id"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	History      []Message `json:"history,omitempty"`
}

// ConversationResponse returns the id of a created conversation.
type ConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// HistoryResponse returns a conversation's messages in order.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
}

// GenerateRequest starts a streaming generation on a conversation.
// Schema, when present, requests schema-constrained structured output.
type GenerateRequest struct {
	Message Message         `json:"message"`
	Options GenerateOptions `json:"options,omitempty"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

// GenerateResponse returns the generation id; events stream separately.
type GenerateResponse struct {
	GenerationID string `json:"generation_id"`
}

// ExportedConversation is the on-the-wire export format, pretty-printed.
type ExportedConversation struct {
	ConversationID string    `json:"conversationId"`
	RunnerID       string    `json:"runnerId"`
	Messages       []Message `json:"messages"`
}

// ErrorResponse is the consistent JSON error payload: a machine-readable
// code plus a human-readable message.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
