package session

import "github.com/pkg/errors"

// Sentinel errors resolved locally, before any store I/O.
var (
	// ErrInvalidInput rejects empty content, unknown ids, or a missing
	// active chat.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoContent means title generation ran against a chat with no messages.
	ErrNoContent = errors.New("chat has no messages")
	// ErrNoTitleInferred means the chat has messages but inference produced
	// nothing usable.
	ErrNoTitleInferred = errors.New("no title could be inferred")
)

// NoticeKind classifies a short-lived notification surfaced to the
// presentation layer. None of these are fatal to the session.
type NoticeKind string

const (
	// NoticeTransient covers query/subscription failures; state is kept
	// stale and the operation is retriable.
	NoticeTransient NoticeKind = "transient"
	// NoticeMutationFailed covers failed inserts/creates/renames/deletes.
	// No automatic retry.
	NoticeMutationFailed NoticeKind = "mutation-failed"
	// NoticeResponseTimeout means the response awaiter expired with no
	// assistant reply.
	NoticeResponseTimeout NoticeKind = "response-timeout"
)

// Notice is one user-visible notification.
type Notice struct {
	Kind   NoticeKind
	ChatID string
	Text   string
}
