package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store drivers.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error

	CreateChat(ctx context.Context, create *Chat) (*Chat, error)
	// GetChat returns (nil, nil) when no chat matches the filter. Ownership
	// mismatches read the same as absence.
	GetChat(ctx context.Context, find *FindChat) (*Chat, error)
	ListChats(ctx context.Context, find *FindChat) ([]*Chat, error)
	UpdateChat(ctx context.Context, update *UpdateChat) (*Chat, error)
	// UpdateChatStreamID sets or clears (nil) the chat's in-flight stream token.
	UpdateChatStreamID(ctx context.Context, chatID string, streamID *string) error
	// DeleteChat removes the chat and its messages permanently.
	DeleteChat(ctx context.Context, delete *DeleteChat) error

	// CreateMessage persists the message with the next free sequence for its
	// chat, assigned atomically with the insert.
	CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error)
	// ListMessages returns messages ordered by sequence ascending.
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error)
}
