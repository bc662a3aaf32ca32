package chat

import (
	"strings"

	"github.com/kayano/streamchat/store"
)

// DefaultTitle is used when a title cannot be derived from any text content.
const DefaultTitle = "New Chat"

// titleMaxLen is the title truncation length in runes.
const titleMaxLen = 50

// WireMessage is the message shape exchanged with clients: lower-case role,
// ordered content parts, free-form metadata.
type WireMessage struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role"`
	Parts      []store.Part   `json:"parts"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Sequence   int32          `json:"sequence,omitempty"`
	IsComplete bool           `json:"isComplete,omitempty"`
	CreatedTs  int64          `json:"createdTs,omitempty"`
}

// ToWireFormat converts a stored message to the wire shape. Content parts
// pass through unchanged; only the role is case-folded.
func ToWireFormat(m *store.Message) *WireMessage {
	return &WireMessage{
		ID:         m.ID,
		Role:       strings.ToLower(string(m.Role)),
		Parts:      m.Parts,
		Metadata:   m.Metadata,
		Sequence:   m.Sequence,
		IsComplete: m.IsComplete(),
		CreatedTs:  m.CreatedTs,
	}
}

// ToStoredFormat converts a wire message into creation fields. The message is
// marked COMPLETE by default; streaming callers override the state before
// persisting. Unknown roles fold to USER.
func ToStoredFormat(w *WireMessage, chatID string) *store.CreateMessage {
	role := store.MessageRole(strings.ToUpper(w.Role))
	switch role {
	case store.MessageRoleUser, store.MessageRoleAssistant, store.MessageRoleSystem, store.MessageRoleTool:
	default:
		role = store.MessageRoleUser
	}
	return &store.CreateMessage{
		ID:       w.ID,
		ChatID:   chatID,
		Role:     role,
		Parts:    w.Parts,
		Metadata: w.Metadata,
		State:    store.MessageStateComplete,
	}
}

// ExtractText concatenates the text-typed parts, space-joined and trimmed.
// An empty or nil parts sequence yields an empty string.
func ExtractText(parts []store.Part) string {
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Type == store.PartTypeText && part.Text != "" {
			segments = append(segments, part.Text)
		}
	}
	return strings.TrimSpace(strings.Join(segments, " "))
}

// DeriveTitle derives a chat title from free text: whitespace (including
// newlines) collapses to single spaces, the result is trimmed and truncated
// to 50 runes. Empty input yields DefaultTitle.
func DeriveTitle(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return DefaultTitle
	}
	runes := []rune(collapsed)
	if len(runes) > titleMaxLen {
		return string(runes[:titleMaxLen])
	}
	return collapsed
}
