package chat

import (
	"context"
	"log/slog"

	"github.com/kayano/streamchat/ai/streams"
	"github.com/kayano/streamchat/internal/metrics"
	"github.com/kayano/streamchat/store"
)

// ResumeRequest is the body of a resume invocation. StreamID is accepted only
// when it matches the stream id recorded on the chat; a mismatch falls back to
// regeneration.
type ResumeRequest struct {
	StreamID string `json:"streamId,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Resumer re-attaches clients to interrupted generations. It first tries to
// replay the original stream from the registry; when the stream is gone,
// errored, or no longer replayable, it regenerates onto the same placeholder.
type Resumer struct {
	sessions     *SessionManager
	registry     *streams.Registry
	orchestrator *Orchestrator
}

func NewResumer(sessions *SessionManager, registry *streams.Registry, orchestrator *Orchestrator) *Resumer {
	return &Resumer{
		sessions:     sessions,
		registry:     registry,
		orchestrator: orchestrator,
	}
}

// Resume validates that the chat has resumable state and returns a
// subscription covering the full assistant response from offset zero.
//
// Resumable means the chat's latest assistant message is not COMPLETE. A chat
// whose generation already finished yields ErrNoResumableState; the caller
// maps that to a client error rather than starting a duplicate generation.
func (r *Resumer) Resume(ctx context.Context, userID, chatID string, req *ResumeRequest) (*streams.Subscription, *store.Chat, error) {
	chat, history, err := r.sessions.Load(ctx, userID, chatID)
	if err != nil {
		return nil, nil, err
	}

	placeholder := latestIncompleteAssistant(history)
	if placeholder == nil {
		return nil, nil, ErrNoResumableState
	}

	var streamID string
	if chat.StreamID != nil {
		streamID = *chat.StreamID
	}
	// The registry is process-global, so a body stream id is honored only
	// when it names this chat's own stream. Anything else must not replay
	// some other chat's generation.
	if req.StreamID != "" && req.StreamID != streamID {
		streamID = ""
	}
	if streamID != "" {
		if sub := r.replay(streamID); sub != nil {
			slog.Debug("resume via replay", "chat", chat.ID, "stream", streamID)
			metrics.StreamsResumed.WithLabelValues("replay").Inc()
			chat.StreamID = &streamID
			return sub, chat, nil
		}
	}

	// The original stream is unavailable; drive a fresh generation onto the
	// existing placeholder. ModelContext already excludes it from the prompt.
	model := req.Model
	if model == "" {
		if stored, ok := chat.Metadata["model"].(string); ok {
			model = stored
		}
	}
	sub, err := r.orchestrator.Continue(ctx, chat, placeholder, r.sessions.ModelContext(history), GenerationOptions{Model: model})
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("resume via regeneration", "chat", chat.ID, "message", placeholder.ID)
	metrics.StreamsResumed.WithLabelValues("regenerate").Inc()
	return sub, chat, nil
}

func (r *Resumer) replay(streamID string) *streams.Subscription {
	st := r.registry.Get(streamID)
	if st == nil {
		return nil
	}
	// A stream that finished with an error only replays the failure; fall
	// back to regeneration instead.
	if st.Finished() && st.Err() != nil {
		return nil
	}
	sub, err := st.Subscribe()
	if err != nil {
		return nil
	}
	return sub
}

// latestIncompleteAssistant returns the highest-sequence assistant message
// that has not reached COMPLETE. If several exist, the newest wins and older
// ones are left untouched.
func latestIncompleteAssistant(history []*store.Message) *store.Message {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role == store.MessageRoleAssistant && !msg.IsComplete() {
			return msg
		}
	}
	return nil
}
