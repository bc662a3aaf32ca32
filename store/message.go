package store

import "encoding/json"

// MessageRole is the stored role vocabulary (upper-case; the wire format
// lower-cases it).
type MessageRole string

const (
	MessageRoleUser      MessageRole = "USER"
	MessageRoleAssistant MessageRole = "ASSISTANT"
	MessageRoleSystem    MessageRole = "SYSTEM"
	MessageRoleTool      MessageRole = "TOOL"
)

// MessageState is the explicit lifecycle state of a message.
//
// PENDING: placeholder created, provider call not yet producing output.
// STREAMING: provider output observed, final content not yet persisted.
// COMPLETE: final content persisted.
// FAILED: provider call failed; partial content (if any) is persisted and the
// message remains resumable.
type MessageState string

const (
	MessageStatePending   MessageState = "PENDING"
	MessageStateStreaming MessageState = "STREAMING"
	MessageStateComplete  MessageState = "COMPLETE"
	MessageStateFailed    MessageState = "FAILED"
)

// PartType tags items of a message's content sequence.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeSource     = "source"
	PartTypeToolCall   = "tool-call"
	PartTypeToolResult = "tool-result"
)

// Part is one item in a message's ordered content sequence. It is a tagged
// union: only the fields relevant to Type are set. The same shape is used on
// the wire and in storage (serialized as a JSON array).
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// source
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`

	// tool-call / tool-result
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// Message is one turn within a chat.
type Message struct {
	ID       string
	ChatID   string
	Role     MessageRole
	Parts    []Part
	Metadata map[string]any
	// Sequence is a per-chat monotonically increasing integer defining message
	// order. Readers must order by it, never by creation timestamp.
	Sequence  int32
	State     MessageState
	CreatedTs int64
	UpdatedTs int64
}

// IsComplete reports whether the message reached its final state.
func (m *Message) IsComplete() bool {
	return m.State == MessageStateComplete
}

// CreateMessage is the input for creating a message. The sequence is assigned
// by the driver atomically (next free sequence for the chat, starting at 0);
// callers never supply it.
type CreateMessage struct {
	ID       string
	ChatID   string
	Role     MessageRole
	Parts    []Part
	Metadata map[string]any
	State    MessageState
}

// UpdateMessage is a partial update; only supplied fields change.
type UpdateMessage struct {
	ID       string
	Parts    *[]Part
	Metadata map[string]any
	State    *MessageState
}

type FindMessage struct {
	ID     *string
	ChatID *string
	Role   *MessageRole
	State  *MessageState
}
