package chat

import (
	"regexp"
	"time"
)

// Role identifies the author side of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DeliveryStatus tracks a locally created message until the store confirms it.
// The zero value means the record is store-confirmed.
type DeliveryStatus string

const (
	DeliveryConfirmed DeliveryStatus = ""
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
)

// MaxContentLength is the maximum message content length in code points.
const MaxContentLength = 2000

// Message is one turn in a chat.
type Message struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chat_id"`
	Content   string         `json:"content"`
	Role      Role           `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	AuthorID  string         `json:"author_id,omitempty"`
	Delivery  DeliveryStatus `json:"delivery,omitempty"`
}

// Confirmed reports whether the store has acknowledged this message.
func (m Message) Confirmed() bool {
	return m.Delivery == DeliveryConfirmed
}

// MessagePreview is the one-line summary a chat carries for its most recent message.
type MessagePreview struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat is a titled conversation container.
type Chat struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	LastMessage *MessagePreview `json:"last_message,omitempty"`
}

const placeholderTitleLayout = "2006-01-02 15:04"

var placeholderTitleRe = regexp.MustCompile(`^New chat \d{4}-\d{2}-\d{2} \d{2}:\d{2}$`)

// PlaceholderTitle returns the timestamp-derived default title a chat is
// created with.
func PlaceholderTitle(t time.Time) string {
	return "New chat " + t.Format(placeholderTitleLayout)
}

// IsPlaceholderTitle reports whether a title still matches the creation
// placeholder. Automatic title rewrites are only legal while this holds.
func IsPlaceholderTitle(title string) bool {
	return title == "" || placeholderTitleRe.MatchString(title)
}

// ContentLength counts content length in code points.
func ContentLength(content string) int {
	return len([]rune(content))
}
