package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/kayano/streamchat/ai/llm"
	"github.com/kayano/streamchat/ai/streams"
	"github.com/kayano/streamchat/internal/metrics"
	"github.com/kayano/streamchat/store"
)

const (
	defaultMaxConcurrent    = 32
	defaultGenerationBudget = 5 * time.Minute
)

// GenerationOptions are per-request provider knobs.
type GenerationOptions struct {
	Model     string
	WebSearch bool
}

// OrchestratorConfig tunes the generation pipeline.
type OrchestratorConfig struct {
	// MaxConcurrent bounds in-flight generations across all users.
	MaxConcurrent int64
	// GenerationBudget is the wall-clock ceiling on one generation, counted
	// from the provider call. It is decoupled from the client connection.
	GenerationBudget time.Duration
	// SystemPrompt is prepended to every model context when non-empty.
	SystemPrompt string
}

// Orchestrator drives generations: it creates the assistant placeholder,
// registers a replayable stream, and consumes the provider in the background
// so a dropped client never aborts generation or persistence.
type Orchestrator struct {
	store    *store.Store
	llm      llm.Service
	registry *streams.Registry
	sem      *semaphore.Weighted

	budget       time.Duration
	systemPrompt string
}

func NewOrchestrator(st *store.Store, svc llm.Service, registry *streams.Registry, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.GenerationBudget <= 0 {
		cfg.GenerationBudget = defaultGenerationBudget
	}
	return &Orchestrator{
		store:        st,
		llm:          svc,
		registry:     registry,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		budget:       cfg.GenerationBudget,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Start persists an assistant placeholder and launches a generation against
// it. The placeholder exists before the provider is invoked, so a
// concurrently arriving resume request always has something to find.
func (o *Orchestrator) Start(ctx context.Context, chat *store.Chat, modelCtx []llm.Message, opts GenerationOptions) (*streams.Subscription, *store.Message, error) {
	placeholder, err := o.store.CreateMessage(ctx, &store.CreateMessage{
		ChatID: chat.ID,
		Role:   store.MessageRoleAssistant,
		Parts:  []store.Part{},
		State:  store.MessageStatePending,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create assistant placeholder")
	}

	sub, err := o.launch(ctx, chat, placeholder, modelCtx, opts)
	if err != nil {
		return nil, nil, err
	}
	return sub, placeholder, nil
}

// Continue re-drives generation onto an existing incomplete placeholder. Used
// by the resume path when the original stream can no longer be replayed.
func (o *Orchestrator) Continue(ctx context.Context, chat *store.Chat, placeholder *store.Message, modelCtx []llm.Message, opts GenerationOptions) (*streams.Subscription, error) {
	return o.launch(ctx, chat, placeholder, modelCtx, opts)
}

func (o *Orchestrator) launch(ctx context.Context, chat *store.Chat, placeholder *store.Message, modelCtx []llm.Message, opts GenerationOptions) (*streams.Subscription, error) {
	if !o.sem.TryAcquire(1) {
		return nil, ErrBusy
	}

	st := o.registry.Create()
	streamID := st.ID()
	if err := o.store.UpdateChatStreamID(ctx, chat.ID, &streamID); err != nil {
		o.sem.Release(1)
		o.registry.Remove(streamID)
		return nil, errors.Wrap(err, "failed to record stream id")
	}
	chat.StreamID = &streamID

	// Subscribing before the first Publish; a fresh stream cannot have
	// overflowed yet.
	sub, err := st.Subscribe()
	if err != nil {
		o.sem.Release(1)
		o.registry.Remove(streamID)
		return nil, err
	}

	messages := modelCtx
	if o.systemPrompt != "" {
		messages = append([]llm.Message{llm.SystemPrompt(o.systemPrompt)}, modelCtx...)
	}

	metrics.StreamsStarted.Inc()
	// The consumer outlives the request: client disconnects must not abort
	// generation or persistence.
	go o.consume(context.WithoutCancel(ctx), st, chat.ID, placeholder.ID, messages, opts)

	return sub, nil
}

func (o *Orchestrator) consume(ctx context.Context, st *streams.Stream, chatID, messageID string, messages []llm.Message, opts GenerationOptions) {
	defer o.sem.Release(1)
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	start := time.Now()
	contentChan, statsChan, errChan := o.llm.ChatStream(ctx, llm.StreamRequest{
		Messages:  messages,
		Model:     opts.Model,
		WebSearch: opts.WebSearch,
	})

	var content strings.Builder
	streamingMarked := false
	for delta := range contentChan {
		if !streamingMarked {
			streamingMarked = true
			o.markState(ctx, messageID, store.MessageStateStreaming)
		}
		content.WriteString(delta)
		st.Publish(delta)
	}

	err := <-errChan
	stats := <-statsChan
	// A provider that closes every channel without an error or final stats
	// did not complete; treating that as success would persist truncated
	// content as COMPLETE and make the turn unrecoverable.
	if err == nil && stats == nil {
		err = errors.Wrap(ErrUpstream, "stream ended without completion")
	}
	if err != nil {
		o.fail(ctx, st, chatID, messageID, content.String(), err)
		return
	}

	parts := []store.Part{}
	if content.Len() > 0 {
		parts = []store.Part{{Type: store.PartTypeText, Text: content.String()}}
	}
	metadata := map[string]any{}
	if opts.Model != "" {
		metadata["model"] = opts.Model
	}
	if stats != nil {
		metadata["stats"] = stats
	}

	state := store.MessageStateComplete
	if _, err := o.store.UpdateMessage(ctx, &store.UpdateMessage{
		ID:       messageID,
		Parts:    &parts,
		Metadata: metadata,
		State:    &state,
	}); err != nil {
		o.fail(ctx, st, chatID, messageID, content.String(), errors.Wrap(err, "failed to persist assistant message"))
		return
	}
	if err := o.store.UpdateChatStreamID(ctx, chatID, nil); err != nil {
		slog.Error("failed to clear chat stream id", "chat", chatID, "error", err)
	}

	st.Finish(nil)
	metrics.MessagesSaved.WithLabelValues("assistant").Inc()
	metrics.StreamDuration.Observe(time.Since(start).Seconds())
	slog.Debug("generation completed", "chat", chatID, "message", messageID, "bytes", content.Len())
}

// fail persists whatever content arrived and marks the message FAILED. The
// message stays incomplete, so the chat remains resumable; the stream id is
// kept on the chat for the resume handler to inspect.
func (o *Orchestrator) fail(ctx context.Context, st *streams.Stream, chatID, messageID, partial string, cause error) {
	slog.Error("generation failed", "chat", chatID, "message", messageID, "error", cause)

	update := &store.UpdateMessage{ID: messageID}
	state := store.MessageStateFailed
	update.State = &state
	if partial != "" {
		parts := []store.Part{{Type: store.PartTypeText, Text: partial}}
		update.Parts = &parts
	}
	if _, err := o.store.UpdateMessage(ctx, update); err != nil {
		slog.Error("failed to persist failed message state", "message", messageID, "error", err)
	}

	st.Finish(cause)
	metrics.StreamsFailed.Inc()
}

func (o *Orchestrator) markState(ctx context.Context, messageID string, state store.MessageState) {
	if _, err := o.store.UpdateMessage(ctx, &store.UpdateMessage{ID: messageID, State: &state}); err != nil {
		slog.Warn("failed to update message state", "message", messageID, "state", state, "error", err)
	}
}
