// Package store defines the conversation-store contract the session
// controller consumes, its error classification, and two reference
// implementations (in-memory and SQLite) that publish change-feed snapshots
// over watermill.
package store

import (
	"context"

	"github.com/go-go-golems/parley/pkg/chat"
)

// DeleteResult reports the outcome of a cascade delete.
type DeleteResult struct {
	DeletedMessageCount int
}

// Client is the conversation-store contract. Queries and mutations are
// request/response; Subscribe* deliver full-list snapshots, at-least-once,
// until ctx is canceled (the returned channel is then closed).
type Client interface {
	// ListChats returns the user's chats ordered by UpdatedAt descending,
	// each carrying at most one most-recent message preview.
	ListChats(ctx context.Context, userID string) ([]chat.Chat, error)
	// ListMessages returns a chat's messages ordered by CreatedAt ascending.
	ListMessages(ctx context.Context, chatID string) ([]chat.Message, error)

	CreateChat(ctx context.Context, userID, title string) (chat.Chat, error)
	RenameChat(ctx context.Context, chatID, title string) (chat.Chat, error)
	// DeleteChat removes the chat and all its messages.
	DeleteChat(ctx context.Context, chatID string) (DeleteResult, error)
	InsertMessage(ctx context.Context, chatID string, role chat.Role, authorID, content string) (chat.Message, error)

	// RequestAIReply triggers the asynchronous reply workflow. The assistant
	// message, if any, arrives via SubscribeMessages rather than through this
	// call's return value.
	RequestAIReply(ctx context.Context, chatID, content string) (chat.Message, error)

	SubscribeChats(ctx context.Context, userID string) (<-chan []chat.Chat, error)
	SubscribeMessages(ctx context.Context, chatID string) (<-chan []chat.Message, error)
}
