package chat

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/kayano/streamchat/ai/llm"
	"github.com/kayano/streamchat/internal/metrics"
	"github.com/kayano/streamchat/store"
)

// ChatRequest is the body of a chat invocation. Messages carries the client's
// view of the transcript; only the trailing user turn is new.
type ChatRequest struct {
	ChatID    string         `json:"chatId,omitempty"`
	Messages  []*WireMessage `json:"messages"`
	Model     string         `json:"model,omitempty"`
	WebSearch bool           `json:"webSearch,omitempty"`
}

// SessionManager resolves requests to chats, persists new turns, and
// assembles model context from stored history.
type SessionManager struct {
	store       *store.Store
	tokenBudget int
}

func NewSessionManager(st *store.Store, tokenBudget int) *SessionManager {
	if tokenBudget <= 0 {
		tokenBudget = 8000
	}
	return &SessionManager{store: st, tokenBudget: tokenBudget}
}

// Resolve locates or creates the chat for a request, persists the trailing
// user turn if it is not already stored, and returns the chat together with
// its full sequence-ordered history.
//
// A missing chat id creates a new chat titled from the first user-role
// message in the batch. A chat id that does not resolve for this user yields
// ErrNotFound regardless of whether the chat exists.
func (m *SessionManager) Resolve(ctx context.Context, userID string, req *ChatRequest) (*store.Chat, []*store.Message, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, nil, errors.Wrap(ErrInvalidInput, "empty message batch")
	}

	var chat *store.Chat
	var err error
	if req.ChatID == "" {
		chat, err = m.createChat(ctx, userID, req)
	} else {
		chat, err = m.lookupChat(ctx, userID, req.ChatID)
	}
	if err != nil {
		return nil, nil, err
	}

	history, err := m.store.ListMessages(ctx, &store.FindMessage{ChatID: &chat.ID})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load chat history")
	}

	last := req.Messages[len(req.Messages)-1]
	if strings.EqualFold(last.Role, string(store.MessageRoleUser)) && !containsMessage(history, last.ID) {
		saved, err := m.store.CreateMessage(ctx, ToStoredFormat(last, chat.ID))
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to save user message")
		}
		metrics.MessagesSaved.WithLabelValues("user").Inc()
		history = append(history, saved)
	}

	return chat, history, nil
}

// Load fetches a chat and its ordered history for an owner. Used by the
// resume path, which carries no new turn.
func (m *SessionManager) Load(ctx context.Context, userID, chatID string) (*store.Chat, []*store.Message, error) {
	chat, err := m.lookupChat(ctx, userID, chatID)
	if err != nil {
		return nil, nil, err
	}
	history, err := m.store.ListMessages(ctx, &store.FindMessage{ChatID: &chat.ID})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load chat history")
	}
	return chat, history, nil
}

func (m *SessionManager) createChat(ctx context.Context, userID string, req *ChatRequest) (*store.Chat, error) {
	title := DefaultTitle
	for _, msg := range req.Messages {
		if strings.EqualFold(msg.Role, string(store.MessageRoleUser)) {
			title = DeriveTitle(ExtractText(msg.Parts))
			break
		}
	}
	metadata := map[string]any{}
	if req.Model != "" {
		metadata["model"] = req.Model
	}
	if req.WebSearch {
		metadata["webSearch"] = true
	}
	chat, err := m.store.CreateChat(ctx, &store.Chat{
		UserID:   userID,
		Title:    title,
		Metadata: metadata,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chat")
	}
	metrics.ChatsCreated.Inc()
	return chat, nil
}

func (m *SessionManager) lookupChat(ctx context.Context, userID, chatID string) (*store.Chat, error) {
	chat, err := m.store.GetChat(ctx, &store.FindChat{ID: &chatID, UserID: &userID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get chat")
	}
	if chat == nil {
		return nil, ErrNotFound
	}
	return chat, nil
}

// ModelContext converts stored history into provider input, newest turns
// first, until the token budget is spent. Incomplete assistant messages
// (placeholders, failed generations) and turns without text are skipped.
// The newest qualifying turn is always included even if it alone exceeds the
// budget.
func (m *SessionManager) ModelContext(history []*store.Message) []llm.Message {
	picked := make([]llm.Message, 0, len(history))
	spent := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role == store.MessageRoleAssistant && !msg.IsComplete() {
			continue
		}
		role := strings.ToLower(string(msg.Role))
		if role != "system" && role != "user" && role != "assistant" {
			continue
		}
		text := ExtractText(msg.Parts)
		if text == "" {
			continue
		}
		cost := EstimateTokens(text)
		if len(picked) > 0 && spent+cost > m.tokenBudget {
			break
		}
		spent += cost
		picked = append(picked, llm.Message{Role: role, Content: text})
	}

	// picked is newest-first; the provider wants chronological order.
	out := make([]llm.Message, len(picked))
	for i, msg := range picked {
		out[len(picked)-1-i] = msg
	}
	return out
}

func containsMessage(history []*store.Message, id string) bool {
	if id == "" {
		return false
	}
	for _, msg := range history {
		if msg.ID == id {
			return true
		}
	}
	return false
}
