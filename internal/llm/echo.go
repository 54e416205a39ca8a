package llm

import (
	"context"
	"strings"
	"time"
)

// EchoClient streams a canned reply that quotes the last user turn. It lets
// the simulator run without provider credentials.
type EchoClient struct {
	delay time.Duration
}

// NewEchoClient creates an echo client pausing delay between tokens.
func NewEchoClient(delay time.Duration) *EchoClient {
	return &EchoClient{delay: delay}
}

// Name returns the provider name.
func (c *EchoClient) Name() string {
	return string(ProviderEcho)
}

// CompleteStream streams the reply word by word.
func (c *EchoClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()

	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	reply := "Thanks for reaching out. An agent will be with you shortly."
	if last != "" {
		reply = "You said: " + last
	}

	words := strings.SplitAfter(reply, " ")
	for i, w := range words {
		if c.delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := callback(w, i); err != nil {
			return nil, err
		}
	}

	return &CompletionResponse{
		Content:    reply,
		Model:      string(ProviderEcho),
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
