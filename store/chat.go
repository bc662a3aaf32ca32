package store

// ChatStatus is the lifecycle status of a chat.
// Archive and delete are soft transitions; rows stay in place until a hard
// delete is explicitly requested at the HTTP boundary.
type ChatStatus string

const (
	ChatStatusActive   ChatStatus = "ACTIVE"
	ChatStatusArchived ChatStatus = "ARCHIVED"
	ChatStatusDeleted  ChatStatus = "DELETED"
)

// Chat is a persisted conversation thread belonging to one user.
type Chat struct {
	ID       string
	UserID   string
	Title    string
	Status   ChatStatus
	Metadata map[string]any
	// StreamID is the opaque token naming the most recent in-flight provider
	// stream, or nil when no stream is in flight. It is the sole piece of
	// state enabling resumption; it is not a content checkpoint.
	StreamID  *string
	CreatedTs int64
	UpdatedTs int64

	// Populated by ListChats only.
	MessageCount int32
	LastMessage  *Message
}

type FindChat struct {
	ID     *string
	UserID *string
	Status *ChatStatus
	Limit  int
	Offset int
	// WithLastMessage annotates each chat with its most recent message and a
	// total message count (for list previews).
	WithLastMessage bool
}

type UpdateChat struct {
	ID        string
	Title     *string
	Status    *ChatStatus
	Metadata  map[string]any
	UpdatedTs *int64
}

type DeleteChat struct {
	ID string
}
