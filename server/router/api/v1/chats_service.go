package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/kayano/streamchat/chat"
	"github.com/kayano/streamchat/internal/strutil"
	"github.com/kayano/streamchat/store"
)

// previewLength is the rune length of list-view last-message previews.
const previewLength = 100

// WireChat is the chat shape returned to clients.
type WireChat struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Status             string         `json:"status"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	StreamID           *string        `json:"streamId,omitempty"`
	CreatedTs          int64          `json:"createdTs"`
	UpdatedTs          int64          `json:"updatedTs"`
	MessageCount       int32          `json:"messageCount,omitempty"`
	LastMessagePreview string         `json:"lastMessagePreview,omitempty"`
}

func toWireChat(c *store.Chat) *WireChat {
	wire := &WireChat{
		ID:           c.ID,
		Title:        c.Title,
		Status:       strings.ToLower(string(c.Status)),
		Metadata:     c.Metadata,
		StreamID:     c.StreamID,
		CreatedTs:    c.CreatedTs,
		UpdatedTs:    c.UpdatedTs,
		MessageCount: c.MessageCount,
	}
	if c.LastMessage != nil {
		wire.LastMessagePreview = strutil.Truncate(chat.ExtractText(c.LastMessage.Parts), previewLength)
	}
	return wire
}

// ListChats handles GET /api/chats. Results are scoped to the caller and
// ordered newest-updated first. The default view excludes deleted chats by
// filtering on ACTIVE; pass status=archived or status=deleted explicitly.
func (s *APIV1Service) ListChats(c echo.Context) error {
	userID := currentUserID(c)
	status := store.ChatStatusActive
	if raw := c.QueryParam("status"); raw != "" {
		status = store.ChatStatus(strings.ToUpper(raw))
		switch status {
		case store.ChatStatusActive, store.ChatStatusArchived, store.ChatStatusDeleted:
		default:
			return s.errorResponse(c, errors.Wrapf(chat.ErrInvalidInput, "unknown status %q", raw))
		}
	}

	find := &store.FindChat{
		UserID:          &userID,
		Status:          &status,
		Limit:           queryInt(c, "limit", 50),
		Offset:          queryInt(c, "offset", 0),
		WithLastMessage: true,
	}
	chats, err := s.Store.ListChats(c.Request().Context(), find)
	if err != nil {
		return s.errorResponse(c, err)
	}

	wire := make([]*WireChat, len(chats))
	for i, item := range chats {
		wire[i] = toWireChat(item)
	}
	return c.JSON(http.StatusOK, map[string]any{"chats": wire})
}

// GetChat handles GET /api/chats/:chatId: the chat plus its full
// sequence-ordered transcript.
func (s *APIV1Service) GetChat(c echo.Context) error {
	ctx := c.Request().Context()
	chatObj, history, err := s.Sessions.Load(ctx, currentUserID(c), c.Param("chatId"))
	if err != nil {
		return s.errorResponse(c, err)
	}

	messages := make([]*chat.WireMessage, len(history))
	for i, msg := range history {
		messages[i] = chat.ToWireFormat(msg)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"chat":     toWireChat(chatObj),
		"messages": messages,
	})
}

// UpdateChat handles PATCH /api/chats/:chatId: title edits and
// archive/unarchive transitions.
func (s *APIV1Service) UpdateChat(c echo.Context) error {
	ctx := c.Request().Context()
	chatObj, _, err := s.Sessions.Load(ctx, currentUserID(c), c.Param("chatId"))
	if err != nil {
		return s.errorResponse(c, err)
	}

	var body struct {
		Title  *string `json:"title"`
		Status *string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return s.errorResponse(c, errors.Wrap(chat.ErrInvalidInput, err.Error()))
	}
	if body.Title == nil && body.Status == nil {
		return s.errorResponse(c, errors.Wrap(chat.ErrInvalidInput, "nothing to update"))
	}

	update := &store.UpdateChat{ID: chatObj.ID}
	if body.Title != nil {
		title := chat.DeriveTitle(*body.Title)
		update.Title = &title
	}
	if body.Status != nil {
		status := store.ChatStatus(strings.ToUpper(*body.Status))
		switch status {
		case store.ChatStatusActive, store.ChatStatusArchived:
		default:
			return s.errorResponse(c, errors.Wrapf(chat.ErrInvalidInput, "unknown status %q", *body.Status))
		}
		update.Status = &status
	}

	updated, err := s.Store.UpdateChat(ctx, update)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"chat": toWireChat(updated)})
}

// DeleteChat handles DELETE /api/chats/:chatId. The default is a soft delete
// (status DELETED, rows kept); permanent=true removes the chat and its
// messages for good.
func (s *APIV1Service) DeleteChat(c echo.Context) error {
	ctx := c.Request().Context()
	chatObj, _, err := s.Sessions.Load(ctx, currentUserID(c), c.Param("chatId"))
	if err != nil {
		return s.errorResponse(c, err)
	}

	if permanent, _ := strconv.ParseBool(c.QueryParam("permanent")); permanent {
		if err := s.Store.DeleteChat(ctx, &store.DeleteChat{ID: chatObj.ID}); err != nil {
			return s.errorResponse(c, err)
		}
	} else {
		status := store.ChatStatusDeleted
		if _, err := s.Store.UpdateChat(ctx, &store.UpdateChat{ID: chatObj.ID, Status: &status}); err != nil {
			return s.errorResponse(c, err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
