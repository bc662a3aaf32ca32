package store

import (
	"context"

	"github.com/kayano/streamchat/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateChat(ctx context.Context, create *Chat) (*Chat, error) {
	return s.driver.CreateChat(ctx, create)
}

func (s *Store) GetChat(ctx context.Context, find *FindChat) (*Chat, error) {
	return s.driver.GetChat(ctx, find)
}

func (s *Store) ListChats(ctx context.Context, find *FindChat) ([]*Chat, error) {
	return s.driver.ListChats(ctx, find)
}

func (s *Store) UpdateChat(ctx context.Context, update *UpdateChat) (*Chat, error) {
	return s.driver.UpdateChat(ctx, update)
}

func (s *Store) UpdateChatStreamID(ctx context.Context, chatID string, streamID *string) error {
	return s.driver.UpdateChatStreamID(ctx, chatID, streamID)
}

func (s *Store) DeleteChat(ctx context.Context, delete *DeleteChat) error {
	return s.driver.DeleteChat(ctx, delete)
}

func (s *Store) CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.driver.GetMessage(ctx, id)
}

func (s *Store) UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error) {
	return s.driver.UpdateMessage(ctx, update)
}
