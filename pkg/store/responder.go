package store

import (
	"context"
	"sync"
)

// Responder computes the assistant reply for a prompt. Implementations back
// the stores' RequestAIReply workflow; the controller never sees them.
type Responder interface {
	Reply(ctx context.Context, chatID, prompt string) (string, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, chatID, prompt string) (string, error)

func (f ResponderFunc) Reply(ctx context.Context, chatID, prompt string) (string, error) {
	return f(ctx, chatID, prompt)
}

// CannedResponder rotates through a fixed list of assistant replies. It
// stands in when no real model backend is wired up.
type CannedResponder struct {
	mu      sync.Mutex
	replies []string
	next    int
}

var defaultCannedReplies = []string{
	"Hello! How can I help you today?",
	"That's interesting! Tell me more.",
	"I understand. What would you like to know?",
	"Thanks for your message! I'm here to assist you.",
	"Great question! Let me think about that.",
	"I'm an AI assistant. How can I be of service?",
}

// NewCannedResponder returns a responder cycling through the given replies,
// or a default set when none are provided.
func NewCannedResponder(replies ...string) *CannedResponder {
	if len(replies) == 0 {
		replies = defaultCannedReplies
	}
	return &CannedResponder{replies: replies}
}

func (r *CannedResponder) Reply(_ context.Context, _ string, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply := r.replies[r.next%len(r.replies)]
	r.next++
	return reply, nil
}
