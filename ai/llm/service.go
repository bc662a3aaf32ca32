// Package llm wraps an OpenAI-compatible chat completion provider.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message represents a chat message in the provider's input shape.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// CallStats represents token usage and timing metrics for a single call.
type CallStats struct {
	PromptTokens         int   `json:"prompt_tokens"`
	CompletionTokens     int   `json:"completion_tokens"`
	TotalTokens          int   `json:"total_tokens"`
	ThinkingDurationMs   int64 `json:"thinking_duration_ms"`   // request start to first chunk
	GenerationDurationMs int64 `json:"generation_duration_ms"` // first chunk to last chunk
	TotalDurationMs      int64 `json:"total_duration_ms"`
}

// StreamRequest describes one streaming generation.
type StreamRequest struct {
	Messages []Message
	// Model overrides the service default when non-empty.
	Model string
	// WebSearch asks the provider to allow its search tool for this request.
	// Providers without a search tool ignore it.
	WebSearch bool
}

// Service is the model provider interface.
type Service interface {
	// Chat performs synchronous chat. Returns content, statistics, and error.
	Chat(ctx context.Context, req StreamRequest) (string, *CallStats, error)

	// ChatStream performs streaming chat. Returns content channel, stats
	// channel, and error channel. The stats channel receives the final stats
	// when the stream completes; all channels are closed when the goroutine
	// exits.
	ChatStream(ctx context.Context, req StreamRequest) (<-chan string, <-chan *CallStats, <-chan error)
}

// Config represents provider configuration.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  int // Request timeout in seconds (default: 120)
}

type service struct {
	client  *openai.Client
	model   string
	timeout int
}

// NewService creates a new provider-backed Service. All supported providers
// speak the OpenAI protocol; only the base URL differs.
func NewService(cfg *Config) (Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}

	return &service{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

func (s *service) resolveModel(req StreamRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return s.model
}

func (s *service) Chat(ctx context.Context, req StreamRequest) (string, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	startTime := time.Now()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.resolveModel(req),
		Messages: convertMessages(req.Messages),
	})
	if err != nil {
		return "", nil, fmt.Errorf("llm chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("empty response from llm")
	}

	totalDuration := time.Since(startTime)
	stats := &CallStats{
		PromptTokens:       resp.Usage.PromptTokens,
		CompletionTokens:   resp.Usage.CompletionTokens,
		TotalTokens:        resp.Usage.TotalTokens,
		ThinkingDurationMs: totalDuration.Milliseconds(),
		TotalDurationMs:    totalDuration.Milliseconds(),
	}

	return resp.Choices[0].Message.Content, stats, nil
}

func (s *service) ChatStream(ctx context.Context, req StreamRequest) (<-chan string, <-chan *CallStats, <-chan error) {
	contentChan := make(chan string, 10)
	statsChan := make(chan *CallStats, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(statsChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
		defer cancel()

		model := s.resolveModel(req)
		chatReq := openai.ChatCompletionRequest{
			Model:         model,
			Messages:      convertMessages(req.Messages),
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		}

		startTime := time.Now()
		var firstChunkTime time.Time

		slog.Debug("llm stream starting", "model", model, "messages", len(req.Messages))
		stream, err := s.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			errChan <- fmt.Errorf("create stream failed: %w", err)
			return
		}
		defer func() { _ = stream.Close() }()

		chunkCount := 0
		finish := func(usage *openai.Usage) {
			totalDuration := time.Since(startTime)
			stats := &CallStats{
				TotalDurationMs: totalDuration.Milliseconds(),
			}
			if !firstChunkTime.IsZero() {
				stats.ThinkingDurationMs = firstChunkTime.Sub(startTime).Milliseconds()
				stats.GenerationDurationMs = time.Since(firstChunkTime).Milliseconds()
			}
			if usage != nil {
				stats.PromptTokens = usage.PromptTokens
				stats.CompletionTokens = usage.CompletionTokens
				stats.TotalTokens = usage.TotalTokens
			}
			slog.Debug("llm stream completed",
				"model", model,
				"chunks", chunkCount,
				"total_tokens", stats.TotalTokens,
				"duration_ms", totalDuration.Milliseconds(),
			)
			statsChan <- stats
		}

		for {
			response, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					finish(nil)
					return
				}
				slog.Error("llm stream receive error", "error", err, "chunks_so_far", chunkCount)
				// errChan is buffered and this is its only send on this path,
				// so the send cannot block. It must not race the context: a
				// timeout mid-stream still has to surface as an error.
				errChan <- fmt.Errorf("stream recv failed: %w", err)
				return
			}

			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				finish(response.Usage)
				return
			}
			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta.Content
			if delta != "" {
				if firstChunkTime.IsZero() {
					firstChunkTime = time.Now()
				}
				chunkCount++
				select {
				case contentChan <- delta:
				case <-ctx.Done():
					slog.Warn("llm stream context cancelled during send", "chunks", chunkCount)
					errChan <- fmt.Errorf("stream cancelled: %w", ctx.Err())
					return
				}
			}
		}
	}()

	return contentChan, statsChan, errChan
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	llmMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		llmMessages[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return llmMessages
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SystemPrompt builds a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}
