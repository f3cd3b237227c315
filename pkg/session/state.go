package session

import (
	"strings"

	"github.com/go-go-golems/parley/pkg/chat"
)

// ConnectionStatus reflects the health of the store connection as observed
// through queries and feed deliveries.
type ConnectionStatus string

const (
	StatusConnected  ConnectionStatus = "connected"
	StatusConnecting ConnectionStatus = "connecting"
	StatusError      ConnectionStatus = "error"
)

// Snapshot is a deep copy of the session state. The presentation layer only
// ever sees snapshots; nothing it holds aliases controller-owned memory.
type Snapshot struct {
	ActiveChatID     string
	Chats            []chat.Chat
	Messages         map[string][]chat.Message
	Typing           map[string]bool
	ConnectionStatus ConnectionStatus
}

// ActiveMessages returns the message sequence of the active chat.
func (s Snapshot) ActiveMessages() []chat.Message {
	if s.ActiveChatID == "" {
		return nil
	}
	return s.Messages[s.ActiveChatID]
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		ActiveChatID:     c.activeChatID,
		Chats:            cloneChats(c.chats),
		Messages:         make(map[string][]chat.Message, len(c.messages)),
		Typing:           make(map[string]bool, len(c.typing)),
		ConnectionStatus: c.conn,
	}
	for id, msgs := range c.messages {
		snap.Messages[id] = append([]chat.Message(nil), msgs...)
	}
	for id, t := range c.typing {
		if t {
			snap.Typing[id] = true
		}
	}
	return snap
}

func cloneChats(chats []chat.Chat) []chat.Chat {
	out := make([]chat.Chat, len(chats))
	for i, c := range chats {
		out[i] = c
		if c.LastMessage != nil {
			preview := *c.LastMessage
			out[i].LastMessage = &preview
		}
	}
	return out
}

func (c *Controller) findChatLocked(chatID string) (chat.Chat, bool) {
	for _, ch := range c.chats {
		if ch.ID == chatID {
			return ch, true
		}
	}
	return chat.Chat{}, false
}

// SearchChats filters the current chat list by a case-insensitive match on
// title or last-message preview. An empty query returns every chat.
func (c *Controller) SearchChats(query string) []chat.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return cloneChats(c.chats)
	}
	out := []chat.Chat{}
	for _, ch := range c.chats {
		if strings.Contains(strings.ToLower(ch.Title), query) {
			out = append(out, ch)
			continue
		}
		if ch.LastMessage != nil && strings.Contains(strings.ToLower(ch.LastMessage.Content), query) {
			out = append(out, ch)
			continue
		}
		for _, m := range c.messages[ch.ID] {
			if strings.Contains(strings.ToLower(m.Content), query) {
				out = append(out, ch)
				break
			}
		}
	}
	return cloneChats(out)
}
