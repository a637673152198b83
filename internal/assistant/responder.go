package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/singul4ri7y/murphys-kitchen/internal/conversation"
)

const (
	// FallbackReply is published when the completion request fails
	FallbackReply = "Sorry, I encountered an error. Please try again."

	// EmptyReply is published when the model answers with no text
	EmptyReply = "Sorry, I could not process your message."
)

var errMissingAPIKey = errors.New("assistant API key is not configured")

// Log is the part of the conversation the responder reads and writes
type Log interface {
	List() []conversation.Message
	Append(role conversation.Role, content string) (conversation.Message, error)
}

// Config contains chat completion configuration
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
}

// Responder answers typed user messages with a chat completion over the
// whole conversation
type Responder struct {
	client *openai.Client
	config Config
	log    Log
	logger *slog.Logger

	// One reply at a time
	sendMu sync.Mutex

	// Statistics
	totalRequests   uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Stats represents responder statistics
type Stats struct {
	Model           string        `json:"model"`
	TotalRequests   uint64        `json:"total_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// NewResponder creates a responder writing to log
func NewResponder(config Config, log Log, logger *slog.Logger) (*Responder, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if log == nil {
		return nil, fmt.Errorf("conversation log is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Responder{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		log:    log,
		logger: logger,
	}, nil
}

// Send appends content as a user message and then the assistant's reply.
// A failed completion is answered with FallbackReply; the returned error is
// only set when a message could not be appended.
func (r *Responder) Send(ctx context.Context, content string) (conversation.Message, conversation.Message, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	userMsg, err := r.log.Append(conversation.RoleUser, strings.TrimSpace(content))
	if err != nil {
		return conversation.Message{}, conversation.Message{}, err
	}

	reply, err := r.complete(ctx, r.log.List())
	if err != nil {
		r.logger.Warn("Assistant completion failed",
			slog.String("model", r.config.Model),
			slog.String("error", err.Error()),
		)
		reply = FallbackReply
	} else if strings.TrimSpace(reply) == "" {
		reply = EmptyReply
	}

	replyMsg, err := r.log.Append(conversation.RoleAssistant, reply)
	if err != nil {
		return userMsg, conversation.Message{}, fmt.Errorf("failed to append reply: %w", err)
	}

	return userMsg, replyMsg, nil
}

func (r *Responder) complete(ctx context.Context, history []conversation.Message) (string, error) {
	if r.config.APIKey == "" {
		r.record(0, false)
		return "", errMissingAPIKey
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if r.config.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: r.config.SystemPrompt,
		})
	}
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Role == conversation.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	startTime := time.Now()
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.config.Model,
		Messages:    messages,
		MaxTokens:   r.config.MaxTokens,
		Temperature: r.config.Temperature,
	})
	duration := time.Since(startTime)

	if err != nil {
		r.record(duration, false)
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	r.record(duration, true)

	if len(resp.Choices) == 0 {
		return "", nil
	}

	r.logger.Debug("Assistant replied",
		slog.String("model", r.config.Model),
		slog.Duration("duration", duration),
		slog.Int("history", len(history)),
	)

	return resp.Choices[0].Message.Content, nil
}

func (r *Responder) record(duration time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRequests++
	if !ok {
		r.failedRequests++
	}
	if duration > 0 {
		if r.avgResponseTime == 0 {
			r.avgResponseTime = duration
		} else {
			r.avgResponseTime = (r.avgResponseTime + duration) / 2
		}
	}
}

// GetStats returns current responder statistics
func (r *Responder) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Model:           r.config.Model,
		TotalRequests:   r.totalRequests,
		FailedRequests:  r.failedRequests,
		AvgResponseTime: r.avgResponseTime,
	}
}
