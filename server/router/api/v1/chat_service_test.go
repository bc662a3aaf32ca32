package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kayano/streamchat/ai/llm"
	"github.com/kayano/streamchat/ai/streams"
	"github.com/kayano/streamchat/internal/profile"
	"github.com/kayano/streamchat/store"
	"github.com/kayano/streamchat/store/db/sqlite"
)

// scriptedLLM returns queued responses, one per ChatStream call.
type scriptedLLM struct {
	mu    sync.Mutex
	queue []scriptedResponse
}

type scriptedResponse struct {
	deltas []string
	err    error
}

func (f *scriptedLLM) push(deltas []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, scriptedResponse{deltas: deltas, err: err})
}

func (f *scriptedLLM) Chat(_ context.Context, _ llm.StreamRequest) (string, *llm.CallStats, error) {
	return "", nil, errors.New("not scripted")
}

func (f *scriptedLLM) ChatStream(_ context.Context, _ llm.StreamRequest) (<-chan string, <-chan *llm.CallStats, <-chan error) {
	contentChan := make(chan string, 16)
	statsChan := make(chan *llm.CallStats, 1)
	errChan := make(chan error, 1)

	f.mu.Lock()
	var resp scriptedResponse
	if len(f.queue) > 0 {
		resp = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		resp = scriptedResponse{err: errors.New("unexpected provider call")}
	}
	f.mu.Unlock()

	go func() {
		defer close(contentChan)
		defer close(statsChan)
		defer close(errChan)
		for _, delta := range resp.deltas {
			contentChan <- delta
		}
		if resp.err != nil {
			errChan <- resp.err
			return
		}
		statsChan <- &llm.CallStats{TotalTokens: 7}
	}()

	return contentChan, statsChan, errChan
}

type testHarness struct {
	service *APIV1Service
	echo    *echo.Echo
	llm     *scriptedLLM
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	p := &profile.Profile{
		Mode:            "dev",
		Driver:          "sqlite",
		DSN:             filepath.Join(t.TempDir(), "test.db"),
		Secret:          "test-secret",
		RateLimitPerMin: 1000,
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })

	registry := streams.NewRegistry(time.Minute)
	t.Cleanup(registry.Stop)

	fake := &scriptedLLM{}
	service := NewAPIV1Service(p, store.New(driver, p), fake, registry)
	e := echo.New()
	service.RegisterRoutes(e)

	return &testHarness{service: service, echo: e, llm: fake}
}

func (h *testHarness) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := h.service.authenticator.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (h *testHarness) request(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)
	return rec
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	events := []sseEvent{}
	for _, line := range strings.Split(body, "\n") {
		payload, found := strings.CutPrefix(line, "data: ")
		if !found {
			continue
		}
		var event sseEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		events = append(events, event)
	}
	return events
}

func joinDeltas(events []sseEvent) string {
	var sb strings.Builder
	for _, event := range events {
		if event.Type == "text-delta" {
			sb.WriteString(event.Delta)
		}
	}
	return sb.String()
}

const simpleChatBody = `{"messages":[{"role":"user","parts":[{"type":"text","text":"Hi"}]}]}`

func TestChatEndpoint(t *testing.T) {
	h := newTestHarness(t)
	h.llm.push([]string{"Hello ", "there"}, nil)
	token := h.token(t, "alice")

	rec := h.request(t, http.MethodPost, "/api/chat", token, simpleChatBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/event-stream")

	chatID := rec.Header().Get(ChatIDHeader)
	require.NotEmpty(t, chatID, "a new chat id must be announced in the header")

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "Hello there", joinDeltas(events))
	last := events[len(events)-1]
	assert.Equal(t, "finish", last.Type)
	assert.NotEmpty(t, last.StreamID)

	// Both turns persisted, gap-free sequences, title from the user turn.
	rec = h.request(t, http.MethodGet, "/api/chats/"+chatID, token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Chat     *WireChat `json:"chat"`
		Messages []struct {
			Role       string `json:"role"`
			Sequence   int32  `json:"sequence"`
			IsComplete bool   `json:"isComplete"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Hi", got.Chat.Title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, int32(0), got.Messages[0].Sequence)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, int32(1), got.Messages[1].Sequence)
	assert.True(t, got.Messages[1].IsComplete)
}

func TestChatEndpointContinuesExistingChat(t *testing.T) {
	h := newTestHarness(t)
	h.llm.push([]string{"first answer"}, nil)
	token := h.token(t, "alice")

	rec := h.request(t, http.MethodPost, "/api/chat", token, simpleChatBody)
	require.Equal(t, http.StatusOK, rec.Code)
	chatID := rec.Header().Get(ChatIDHeader)

	h.llm.push([]string{"second answer"}, nil)
	body := fmt.Sprintf(`{"chatId":%q,"messages":[{"role":"user","parts":[{"type":"text","text":"more"}]}]}`, chatID)
	rec = h.request(t, http.MethodPost, "/api/chat", token, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chatID, rec.Header().Get(ChatIDHeader))

	rec = h.request(t, http.MethodGet, "/api/chats/"+chatID, token, "")
	var got struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Messages, 4)
}

func TestChatEndpointUnauthorized(t *testing.T) {
	h := newTestHarness(t)
	rec := h.request(t, http.MethodPost, "/api/chat", "", simpleChatBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatEndpointUnknownChat(t *testing.T) {
	h := newTestHarness(t)
	token := h.token(t, "alice")
	body := `{"chatId":"missing","messages":[{"role":"user","parts":[{"type":"text","text":"Hi"}]}]}`
	rec := h.request(t, http.MethodPost, "/api/chat", token, body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatEndpointEmptyBatch(t *testing.T) {
	h := newTestHarness(t)
	token := h.token(t, "alice")
	rec := h.request(t, http.MethodPost, "/api/chat", token, `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Dev mode includes error details.
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestResumeEndpointAfterFailure(t *testing.T) {
	h := newTestHarness(t)
	h.llm.push(nil, errors.New("provider down"))
	token := h.token(t, "alice")

	rec := h.request(t, http.MethodPost, "/api/chat", token, simpleChatBody)
	require.Equal(t, http.StatusOK, rec.Code)
	chatID := rec.Header().Get(ChatIDHeader)

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "error", events[len(events)-1].Type)

	// The failed turn is recoverable: resume regenerates onto the same
	// placeholder instead of appending a new message.
	h.llm.push([]string{"recovered"}, nil)
	rec = h.request(t, http.MethodPost, "/api/chat/"+chatID+"/resume", token, `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	events = parseSSE(t, rec.Body.String())
	assert.Equal(t, "recovered", joinDeltas(events))
	assert.Equal(t, "finish", events[len(events)-1].Type)

	rec = h.request(t, http.MethodGet, "/api/chats/"+chatID, token, "")
	var got struct {
		Messages []struct {
			IsComplete bool `json:"isComplete"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Messages, 2)
	assert.True(t, got.Messages[1].IsComplete)
}

func TestResumeEndpointNoResumableState(t *testing.T) {
	h := newTestHarness(t)
	h.llm.push([]string{"done"}, nil)
	token := h.token(t, "alice")

	rec := h.request(t, http.MethodPost, "/api/chat", token, simpleChatBody)
	require.Equal(t, http.StatusOK, rec.Code)
	chatID := rec.Header().Get(ChatIDHeader)

	rec = h.request(t, http.MethodPost, "/api/chat/"+chatID+"/resume", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListChatsTenantIsolation(t *testing.T) {
	h := newTestHarness(t)
	alice := h.token(t, "alice")
	bob := h.token(t, "bob")

	h.llm.push([]string{"answer"}, nil)
	rec := h.request(t, http.MethodPost, "/api/chat", alice, simpleChatBody)
	require.Equal(t, http.StatusOK, rec.Code)
	chatID := rec.Header().Get(ChatIDHeader)

	var listing struct {
		Chats []*WireChat `json:"chats"`
	}

	rec = h.request(t, http.MethodGet, "/api/chats", bob, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Chats)

	// The other user's chat is invisible even when addressed directly.
	rec = h.request(t, http.MethodGet, "/api/chats/"+chatID, bob, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.request(t, http.MethodGet, "/api/chats", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Chats, 1)
	assert.Equal(t, "Hi", listing.Chats[0].Title)
	assert.Equal(t, int32(2), listing.Chats[0].MessageCount)
	assert.Equal(t, "answer", listing.Chats[0].LastMessagePreview)
}

func TestPatchChat(t *testing.T) {
	h := newTestHarness(t)
	h.llm.push([]string{"answer"}, nil)
	token := h.token(t, "alice")

	rec := h.request(t, http.MethodPost, "/api/chat", token, simpleChatBody)
	chatID := rec.Header().Get(ChatIDHeader)

	rec = h.request(t, http.MethodPatch, "/api/chats/"+chatID, token, `{"title":"Renamed","status":"archived"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Chat *WireChat `json:"chat"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Renamed", got.Chat.Title)
	assert.Equal(t, "archived", got.Chat.Status)

	rec = h.request(t, http.MethodPatch, "/api/chats/"+chatID, token, `{"status":"deleted"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "deletion goes through DELETE, not PATCH")

	rec = h.request(t, http.MethodPatch, "/api/chats/"+chatID, token, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteChatSoftThenPermanent(t *testing.T) {
	h := newTestHarness(t)
	h.llm.push([]string{"answer"}, nil)
	token := h.token(t, "alice")

	rec := h.request(t, http.MethodPost, "/api/chat", token, simpleChatBody)
	chatID := rec.Header().Get(ChatIDHeader)

	rec = h.request(t, http.MethodDelete, "/api/chats/"+chatID, token, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Soft delete hides the chat from the default listing but keeps the row.
	var listing struct {
		Chats []*WireChat `json:"chats"`
	}
	rec = h.request(t, http.MethodGet, "/api/chats", token, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Chats)

	rec = h.request(t, http.MethodGet, "/api/chats?status=deleted", token, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Chats, 1)

	rec = h.request(t, http.MethodDelete, "/api/chats/"+chatID+"?permanent=true", token, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.request(t, http.MethodGet, "/api/chats/"+chatID, token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueTokenEndpoint(t *testing.T) {
	h := newTestHarness(t)

	rec := h.request(t, http.MethodPost, "/api/auth/token", "", `{"userId":"carol"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotEmpty(t, got.Token)

	rec = h.request(t, http.MethodGet, "/api/chats", got.Token, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.request(t, http.MethodPost, "/api/auth/token", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
