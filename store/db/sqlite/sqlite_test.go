package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kayano/streamchat/internal/profile"
	"github.com/kayano/streamchat/store"
)

func newTestDriver(t *testing.T) store.Driver {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}
	driver, err := NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })
	return driver
}

func createTestChat(t *testing.T, driver store.Driver, userID string) *store.Chat {
	t.Helper()
	chat, err := driver.CreateChat(context.Background(), &store.Chat{
		UserID: userID,
		Title:  "test chat",
	})
	require.NoError(t, err)
	require.NotEmpty(t, chat.ID)
	return chat
}

func textMessage(chatID, text string, role store.MessageRole) *store.CreateMessage {
	return &store.CreateMessage{
		ChatID: chatID,
		Role:   role,
		Parts:  []store.Part{{Type: store.PartTypeText, Text: text}},
		State:  store.MessageStateComplete,
	}
}

func TestCreateMessageSequenceGapFree(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	chat := createTestChat(t, driver, "alice")

	for i := 0; i < 5; i++ {
		msg, err := driver.CreateMessage(ctx, textMessage(chat.ID, fmt.Sprintf("msg %d", i), store.MessageRoleUser))
		require.NoError(t, err)
		assert.Equal(t, int32(i), msg.Sequence)
	}

	messages, err := driver.ListMessages(ctx, &store.FindMessage{ChatID: &chat.ID})
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i, msg := range messages {
		assert.Equal(t, int32(i), msg.Sequence)
	}
}

func TestCreateMessageSequencePerChat(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	first := createTestChat(t, driver, "alice")
	second := createTestChat(t, driver, "alice")

	a, err := driver.CreateMessage(ctx, textMessage(first.ID, "a", store.MessageRoleUser))
	require.NoError(t, err)
	b, err := driver.CreateMessage(ctx, textMessage(second.ID, "b", store.MessageRoleUser))
	require.NoError(t, err)

	// Sequences are scoped per chat, both start at zero.
	assert.Equal(t, int32(0), a.Sequence)
	assert.Equal(t, int32(0), b.Sequence)
}

func TestCreateMessageConcurrentWriters(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	chat := createTestChat(t, driver, "alice")

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := driver.CreateMessage(ctx, textMessage(chat.ID, fmt.Sprintf("concurrent %d", n), store.MessageRoleUser))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	messages, err := driver.ListMessages(ctx, &store.FindMessage{ChatID: &chat.ID})
	require.NoError(t, err)
	require.Len(t, messages, writers)

	// No gaps, no duplicates, ordered ascending.
	for i, msg := range messages {
		assert.Equal(t, int32(i), msg.Sequence)
	}
}

func TestGetChatOwnershipIsolation(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	chat := createTestChat(t, driver, "alice")

	otherUser := "bob"
	got, err := driver.GetChat(ctx, &store.FindChat{ID: &chat.ID, UserID: &otherUser})
	require.NoError(t, err)
	assert.Nil(t, got, "another user's chat must be invisible, not an error")

	owner := "alice"
	got, err = driver.GetChat(ctx, &store.FindChat{ID: &chat.ID, UserID: &owner})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, chat.ID, got.ID)
}

func TestListChatsScopedAndOrdered(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()

	older := createTestChat(t, driver, "alice")
	newer := createTestChat(t, driver, "alice")
	createTestChat(t, driver, "bob")

	// Touch the older chat so it moves to the front. The timestamp is pinned
	// because two writes can land in the same millisecond.
	title := "bumped"
	bumpedTs := newer.UpdatedTs + 1000
	_, err := driver.UpdateChat(ctx, &store.UpdateChat{ID: older.ID, Title: &title, UpdatedTs: &bumpedTs})
	require.NoError(t, err)

	userID := "alice"
	chats, err := driver.ListChats(ctx, &store.FindChat{UserID: &userID})
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, older.ID, chats[0].ID)
	assert.Equal(t, newer.ID, chats[1].ID)
}

func TestListChatsWithLastMessage(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	chat := createTestChat(t, driver, "alice")

	_, err := driver.CreateMessage(ctx, textMessage(chat.ID, "question", store.MessageRoleUser))
	require.NoError(t, err)
	_, err = driver.CreateMessage(ctx, textMessage(chat.ID, "answer", store.MessageRoleAssistant))
	require.NoError(t, err)

	userID := "alice"
	chats, err := driver.ListChats(ctx, &store.FindChat{UserID: &userID, WithLastMessage: true})
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, int32(2), chats[0].MessageCount)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "answer", chats[0].LastMessage.Parts[0].Text)
}

func TestListChatsStatusFilter(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	active := createTestChat(t, driver, "alice")
	archived := createTestChat(t, driver, "alice")

	status := store.ChatStatusArchived
	_, err := driver.UpdateChat(ctx, &store.UpdateChat{ID: archived.ID, Status: &status})
	require.NoError(t, err)

	userID := "alice"
	activeStatus := store.ChatStatusActive
	chats, err := driver.ListChats(ctx, &store.FindChat{UserID: &userID, Status: &activeStatus})
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, active.ID, chats[0].ID)
}

func TestUpdateChatStreamID(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	chat := createTestChat(t, driver, "alice")

	streamID := "stream-abc"
	require.NoError(t, driver.UpdateChatStreamID(ctx, chat.ID, &streamID))

	userID := "alice"
	got, err := driver.GetChat(ctx, &store.FindChat{ID: &chat.ID, UserID: &userID})
	require.NoError(t, err)
	require.NotNil(t, got.StreamID)
	assert.Equal(t, streamID, *got.StreamID)

	require.NoError(t, driver.UpdateChatStreamID(ctx, chat.ID, nil))
	got, err = driver.GetChat(ctx, &store.FindChat{ID: &chat.ID, UserID: &userID})
	require.NoError(t, err)
	assert.Nil(t, got.StreamID)

	err = driver.UpdateChatStreamID(ctx, "missing", &streamID)
	assert.Error(t, err)
}

func TestDeleteChatRemovesMessages(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	chat := createTestChat(t, driver, "alice")

	msg, err := driver.CreateMessage(ctx, textMessage(chat.ID, "hello", store.MessageRoleUser))
	require.NoError(t, err)

	require.NoError(t, driver.DeleteChat(ctx, &store.DeleteChat{ID: chat.ID}))

	got, err := driver.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateMessagePartial(t *testing.T) {
	driver := newTestDriver(t)
	ctx := context.Background()
	chat := createTestChat(t, driver, "alice")

	msg, err := driver.CreateMessage(ctx, &store.CreateMessage{
		ChatID: chat.ID,
		Role:   store.MessageRoleAssistant,
		Parts:  []store.Part{},
		State:  store.MessageStatePending,
	})
	require.NoError(t, err)

	// State-only update keeps parts untouched.
	state := store.MessageStateStreaming
	updated, err := driver.UpdateMessage(ctx, &store.UpdateMessage{ID: msg.ID, State: &state})
	require.NoError(t, err)
	assert.Equal(t, store.MessageStateStreaming, updated.State)
	assert.Empty(t, updated.Parts)

	parts := []store.Part{{Type: store.PartTypeText, Text: "final answer"}}
	complete := store.MessageStateComplete
	updated, err = driver.UpdateMessage(ctx, &store.UpdateMessage{
		ID:    msg.ID,
		Parts: &parts,
		State: &complete,
	})
	require.NoError(t, err)
	assert.True(t, updated.IsComplete())
	require.Len(t, updated.Parts, 1)
	assert.Equal(t, "final answer", updated.Parts[0].Text)
	assert.Equal(t, msg.Sequence, updated.Sequence)
}
