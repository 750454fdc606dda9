package types

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags the concrete variant of a ContentPart.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
)

// ContentPart is one ordered segment of message content. The Type field
// selects which payload fields are meaningful; part order is preserved on
// serialize/deserialize round trips because parts live in a slice.
type ContentPart struct {
	Type PartType `json:"type"`
	// PartText
	Text string `json:"text,omitempty"`
	// PartImage
	Data     []byte `json:"data,omitempty"` // base64 on the wire
	MimeType string `json:"mime_type,omitempty"`
	// PartAudio
	Samples    []float32 `json:"samples,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
}

// Message is one turn of conversation history.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
	// Assistant messages may carry tool invocation requests alongside text.
	FunctionCalls []FunctionCall `json:"function_calls,omitempty"`
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: PartText, Text: text}}}
}

// Text concatenates the text parts of the message in order.
func (m Message) Text() string {
	var s string
	for _, p := range m.Content {
		if p.Type == PartText {
			s += p.Text
		}
	}
	return s
}
