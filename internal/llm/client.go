// Package llm streams AI replies for the simulator.
package llm

import (
	"context"
	"strings"

	"github.com/capitalize-ai/support-session/internal/model"
)

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderEcho      Provider = "echo"
)

const defaultMaxTokens = 1024

// NewClient creates a new LLM client based on provider. An empty key selects
// the echo responder.
func NewClient(provider Provider, apiKey string) (Client, error) {
	if apiKey == "" {
		return NewEchoClient(0), nil
	}
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	case ProviderEcho:
		return NewEchoClient(0), nil
	default:
		return NewAnthropicClient(apiKey)
	}
}

// FromHistory converts conversation history into chat turns. Agent and AI
// messages become assistant turns, system messages are dropped, consecutive
// turns of the same role are merged and leading assistant turns are skipped
// so the result starts with the user.
func FromHistory(msgs []model.Message) []ChatMessage {
	var out []ChatMessage
	for _, m := range msgs {
		var role string
		switch m.Sender {
		case model.RoleUser:
			role = "user"
		case model.RoleAI, model.RoleAgent:
			role = "assistant"
		default:
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if len(out) == 0 && role != "user" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}
	return out
}

func maxTokens(req *CompletionRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}
