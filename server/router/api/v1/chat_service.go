package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/kayano/streamchat/ai/streams"
	"github.com/kayano/streamchat/chat"
)

// ChatIDHeader carries the chat id on streaming responses so clients learn
// the id of a freshly created chat before the first delta arrives.
const ChatIDHeader = "X-Chat-Id"

// sseEvent is the streaming event shape. Exactly one of Delta, StreamID, or
// Error is meaningful, selected by Type.
type sseEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta,omitempty"`
	StreamID string `json:"streamId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Chat handles POST /api/chat: resolves the session, persists the user turn,
// and streams the assistant response as server-sent events.
func (s *APIV1Service) Chat(c echo.Context) error {
	ctx := c.Request().Context()

	req := &chat.ChatRequest{}
	if err := c.Bind(req); err != nil {
		return s.errorResponse(c, errors.Wrap(chat.ErrInvalidInput, err.Error()))
	}

	chatObj, history, err := s.Sessions.Resolve(ctx, currentUserID(c), req)
	if err != nil {
		return s.errorResponse(c, err)
	}

	sub, _, err := s.Orchestrator.Start(ctx, chatObj, s.Sessions.ModelContext(history), chat.GenerationOptions{
		Model:     req.Model,
		WebSearch: req.WebSearch,
	})
	if err != nil {
		return s.errorResponse(c, err)
	}

	c.Response().Header().Set(ChatIDHeader, chatObj.ID)
	streamID := ""
	if chatObj.StreamID != nil {
		streamID = *chatObj.StreamID
	}
	return s.streamEvents(c, sub, streamID)
}

// ResumeChat handles POST /api/chat/:chatId/resume: re-attaches to an
// interrupted generation and streams the full response from offset zero.
func (s *APIV1Service) ResumeChat(c echo.Context) error {
	ctx := c.Request().Context()

	req := &chat.ResumeRequest{}
	if err := c.Bind(req); err != nil {
		return s.errorResponse(c, errors.Wrap(chat.ErrInvalidInput, err.Error()))
	}

	sub, chatObj, err := s.Resumer.Resume(ctx, currentUserID(c), c.Param("chatId"), req)
	if err != nil {
		return s.errorResponse(c, err)
	}

	c.Response().Header().Set(ChatIDHeader, chatObj.ID)
	streamID := ""
	if chatObj.StreamID != nil {
		streamID = *chatObj.StreamID
	}
	return s.streamEvents(c, sub, streamID)
}

// streamEvents drains a subscription into an SSE response. A client
// disconnect only detaches the subscriber; generation and persistence carry
// on in the background.
func (s *APIV1Service) streamEvents(c echo.Context, sub *streams.Subscription, streamID string) error {
	defer sub.Cancel()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case delta, ok := <-sub.Deltas:
			if !ok {
				if err := <-sub.Err; err != nil {
					s.writeEvent(c, sseEvent{Type: "error", Error: "generation failed"})
				} else {
					s.writeEvent(c, sseEvent{Type: "finish", StreamID: streamID})
				}
				return nil
			}
			if err := s.writeEvent(c, sseEvent{Type: "text-delta", Delta: delta}); err != nil {
				return nil
			}
		}
	}
}

func (s *APIV1Service) writeEvent(c echo.Context, event sseEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", payload); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
