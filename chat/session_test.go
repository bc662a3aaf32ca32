package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kayano/streamchat/store"
)

func TestResolveCreatesChat(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, 8000)
	ctx := context.Background()

	chat, history, err := m.Resolve(ctx, "alice", userTurn("What is Go?"))
	require.NoError(t, err)
	assert.Equal(t, "What is Go?", chat.Title)
	assert.Equal(t, "alice", chat.UserID)
	require.Len(t, history, 1)
	assert.Equal(t, int32(0), history[0].Sequence)
	assert.Equal(t, store.MessageRoleUser, history[0].Role)
	assert.True(t, history[0].IsComplete())
}

func TestResolveTitleFromFirstUserMessage(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, 8000)
	ctx := context.Background()

	req := &ChatRequest{
		Messages: []*WireMessage{
			{Role: "system", Parts: []store.Part{{Type: store.PartTypeText, Text: "be nice"}}},
			{Role: "user", Parts: []store.Part{{Type: store.PartTypeText, Text: "actual question"}}},
		},
	}
	chat, _, err := m.Resolve(ctx, "alice", req)
	require.NoError(t, err)
	assert.Equal(t, "actual question", chat.Title)
}

func TestResolveExistingChatAppendsTurn(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, 8000)
	ctx := context.Background()

	chat, history, err := m.Resolve(ctx, "alice", userTurn("first"))
	require.NoError(t, err)
	require.Len(t, history, 1)

	// The client resends the transcript; only the trailing turn is new.
	req := &ChatRequest{
		ChatID: chat.ID,
		Messages: []*WireMessage{
			ToWireFormat(history[0]),
			{Role: "user", Parts: []store.Part{{Type: store.PartTypeText, Text: "second"}}},
		},
	}
	_, history, err = m.Resolve(ctx, "alice", req)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int32(1), history[1].Sequence)
	assert.Equal(t, "second", ExtractText(history[1].Parts))
}

func TestResolveDuplicateTrailingTurnNotResaved(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, 8000)
	ctx := context.Background()

	chat, history, err := m.Resolve(ctx, "alice", userTurn("once"))
	require.NoError(t, err)
	require.Len(t, history, 1)

	// A retry carrying the already-stored message id must not duplicate it.
	req := &ChatRequest{
		ChatID:   chat.ID,
		Messages: []*WireMessage{ToWireFormat(history[0])},
	}
	_, history, err = m.Resolve(ctx, "alice", req)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestResolveUnknownChat(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, 8000)
	ctx := context.Background()

	req := userTurn("hello")
	req.ChatID = "does-not-exist"
	_, _, err := m.Resolve(ctx, "alice", req)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveForeignChat(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, 8000)
	ctx := context.Background()

	chat, _, err := m.Resolve(ctx, "alice", userTurn("mine"))
	require.NoError(t, err)

	req := userTurn("theirs")
	req.ChatID = chat.ID
	_, _, err = m.Resolve(ctx, "bob", req)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveEmptyBatch(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, 8000)

	_, _, err := m.Resolve(context.Background(), "alice", &ChatRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestModelContextSkipsIncompleteAssistant(t *testing.T) {
	m := NewSessionManager(nil, 8000)
	history := []*store.Message{
		{Role: store.MessageRoleUser, State: store.MessageStateComplete, Parts: []store.Part{{Type: store.PartTypeText, Text: "question"}}},
		{Role: store.MessageRoleAssistant, State: store.MessageStatePending, Parts: []store.Part{}},
	}

	messages := m.ModelContext(history)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "question", messages[0].Content)
}

func TestModelContextOrderAndRoles(t *testing.T) {
	m := NewSessionManager(nil, 8000)
	history := []*store.Message{
		{Role: store.MessageRoleUser, State: store.MessageStateComplete, Parts: []store.Part{{Type: store.PartTypeText, Text: "one"}}},
		{Role: store.MessageRoleAssistant, State: store.MessageStateComplete, Parts: []store.Part{{Type: store.PartTypeText, Text: "two"}}},
		{Role: store.MessageRoleUser, State: store.MessageStateComplete, Parts: []store.Part{{Type: store.PartTypeText, Text: "three"}}},
	}

	messages := m.ModelContext(history)
	require.Len(t, messages, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{messages[0].Content, messages[1].Content, messages[2].Content})
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestModelContextTokenBudget(t *testing.T) {
	// A budget this small fits roughly one short message.
	m := NewSessionManager(nil, 3)
	history := []*store.Message{
		{Role: store.MessageRoleUser, State: store.MessageStateComplete, Parts: []store.Part{{Type: store.PartTypeText, Text: "an older long message that should be dropped"}}},
		{Role: store.MessageRoleUser, State: store.MessageStateComplete, Parts: []store.Part{{Type: store.PartTypeText, Text: "newest"}}},
	}

	messages := m.ModelContext(history)
	require.Len(t, messages, 1)
	assert.Equal(t, "newest", messages[0].Content)
}
