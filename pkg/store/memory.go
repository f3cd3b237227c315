package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/feedstream"
)

// MemoryStore is a map-backed Client implementation. Every mutation publishes
// fresh list snapshots on the change feed, which makes it the reference
// behavior for subscription-driven reconciliation.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[string]chat.Chat
	owners   map[string]string // chat id -> user id
	messages map[string][]chat.Message

	pubsub        *feedstream.PubSub
	responder     Responder
	replyDelay    time.Duration
	actionAnomaly bool
	now           func() time.Time
}

var _ Client = &MemoryStore{}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithResponder sets the reply backend for RequestAIReply.
func WithResponder(r Responder) MemoryOption {
	return func(s *MemoryStore) { s.responder = r }
}

// WithReplyDelay delays the asynchronous assistant insert after an AI-reply
// request.
func WithReplyDelay(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.replyDelay = d }
}

// WithActionAnomaly makes RequestAIReply return the benign shape-mismatch
// error while still scheduling the assistant reply, reproducing the known
// response-shape noise of the remote action.
func WithActionAnomaly() MemoryOption {
	return func(s *MemoryStore) { s.actionAnomaly = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore builds a MemoryStore publishing feeds on the given pub/sub.
func NewMemoryStore(pubsub *feedstream.PubSub, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		chats:     map[string]chat.Chat{},
		owners:    map[string]string{},
		messages:  map[string][]chat.Message{},
		pubsub:    pubsub,
		responder: NewCannedResponder(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) ListChats(_ context.Context, userID string) ([]chat.Chat, error) {
	if s == nil {
		return nil, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatsForUserLocked(userID), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]chat.Message, error) {
	if s == nil {
		return nil, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, NewError(KindRemote, "listMessages", errors.Errorf("chat %s not found", chatID))
	}
	return s.messagesLocked(chatID), nil
}

func (s *MemoryStore) CreateChat(_ context.Context, userID, title string) (chat.Chat, error) {
	if s == nil {
		return chat.Chat{}, errors.New("memory store: nil store")
	}
	if userID == "" {
		return chat.Chat{}, NewError(KindRemote, "createChat", errors.New("userID is empty"))
	}
	now := s.now()
	if title == "" {
		title = chat.PlaceholderTitle(now)
	}
	c := chat.Chat{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.chats[c.ID] = c
	s.owners[c.ID] = userID
	chats := s.chatsForUserLocked(userID)
	s.mu.Unlock()

	s.publishChats(userID, chats)
	return c, nil
}

func (s *MemoryStore) RenameChat(_ context.Context, chatID, title string) (chat.Chat, error) {
	if s == nil {
		return chat.Chat{}, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return chat.Chat{}, NewError(KindRemote, "renameChat", errors.Errorf("chat %s not found", chatID))
	}
	c.Title = title
	c.UpdatedAt = s.now()
	s.chats[chatID] = c
	userID := s.owners[chatID]
	chats := s.chatsForUserLocked(userID)
	s.mu.Unlock()

	s.publishChats(userID, chats)
	return c, nil
}

func (s *MemoryStore) DeleteChat(_ context.Context, chatID string) (DeleteResult, error) {
	if s == nil {
		return DeleteResult{}, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	if _, ok := s.chats[chatID]; !ok {
		s.mu.Unlock()
		return DeleteResult{}, NewError(KindRemote, "deleteChat", errors.Errorf("chat %s not found", chatID))
	}
	deleted := len(s.messages[chatID])
	delete(s.messages, chatID)
	delete(s.chats, chatID)
	userID := s.owners[chatID]
	delete(s.owners, chatID)
	chats := s.chatsForUserLocked(userID)
	s.mu.Unlock()

	s.publishMessages(chatID, []chat.Message{})
	s.publishChats(userID, chats)
	return DeleteResult{DeletedMessageCount: deleted}, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, chatID string, role chat.Role, authorID, content string) (chat.Message, error) {
	if s == nil {
		return chat.Message{}, errors.New("memory store: nil store")
	}
	if role != chat.RoleUser && role != chat.RoleAssistant {
		return chat.Message{}, NewError(KindRemote, "insertMessage", errors.Errorf("invalid role %q", role))
	}
	if chat.ContentLength(content) > chat.MaxContentLength {
		return chat.Message{}, NewError(KindRemote, "insertMessage", errors.New("content exceeds maximum length"))
	}
	m := chat.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Content:   content,
		Role:      role,
		CreatedAt: s.now(),
		AuthorID:  authorID,
	}
	if err := s.appendMessage(m); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

func (s *MemoryStore) RequestAIReply(ctx context.Context, chatID, content string) (chat.Message, error) {
	if s == nil {
		return chat.Message{}, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	_, ok := s.chats[chatID]
	s.mu.Unlock()
	if !ok {
		return chat.Message{}, NewError(KindRemote, "requestAiReply", errors.Errorf("chat %s not found", chatID))
	}

	ack := chat.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      chat.RoleAssistant,
		CreatedAt: s.now(),
	}

	go s.deliverReply(ack.ID, chatID, content)

	if s.actionAnomaly {
		return chat.Message{}, NewError(KindShapeMismatch, "requestAiReply", errors.New("unexpected response shape"))
	}
	_ = ctx
	return ack, nil
}

// deliverReply computes and inserts the assistant message after the
// configured delay. The reply reaches consumers through the message feed.
func (s *MemoryStore) deliverReply(id, chatID, prompt string) {
	if s.replyDelay > 0 {
		time.Sleep(s.replyDelay)
	}
	reply, err := s.responder.Reply(context.Background(), chatID, prompt)
	if err != nil {
		log.Warn().Err(err).Str("component", "memory_store").Str("chat_id", chatID).Msg("responder failed; dropping reply")
		return
	}
	m := chat.Message{
		ID:        id,
		ChatID:    chatID,
		Content:   reply,
		Role:      chat.RoleAssistant,
		CreatedAt: s.now(),
	}
	if err := s.appendMessage(m); err != nil {
		log.Warn().Err(err).Str("component", "memory_store").Str("chat_id", chatID).Msg("could not deliver assistant reply")
	}
}

func (s *MemoryStore) SubscribeChats(ctx context.Context, userID string) (<-chan []chat.Chat, error) {
	if s == nil || s.pubsub == nil || s.pubsub.Subscriber == nil {
		return nil, errors.New("memory store: no feed subscriber")
	}
	raw, err := s.pubsub.Subscriber.Subscribe(ctx, feedstream.ChatsTopic(userID))
	if err != nil {
		return nil, NewError(KindNetwork, "subscribeChats", err)
	}
	out := make(chan []chat.Chat)
	go decodeFeed(raw, out, "chats feed")
	return out, nil
}

func (s *MemoryStore) SubscribeMessages(ctx context.Context, chatID string) (<-chan []chat.Message, error) {
	if s == nil || s.pubsub == nil || s.pubsub.Subscriber == nil {
		return nil, errors.New("memory store: no feed subscriber")
	}
	raw, err := s.pubsub.Subscriber.Subscribe(ctx, feedstream.MessagesTopic(chatID))
	if err != nil {
		return nil, NewError(KindNetwork, "subscribeMessages", err)
	}
	out := make(chan []chat.Message)
	go decodeFeed(raw, out, "messages feed")
	return out, nil
}

func (s *MemoryStore) appendMessage(m chat.Message) error {
	s.mu.Lock()
	c, ok := s.chats[m.ChatID]
	if !ok {
		s.mu.Unlock()
		return NewError(KindRemote, "insertMessage", errors.Errorf("chat %s not found", m.ChatID))
	}
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
	c.UpdatedAt = s.now()
	c.LastMessage = &chat.MessagePreview{
		ID:        m.ID,
		Content:   m.Content,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
	}
	s.chats[m.ChatID] = c
	userID := s.owners[m.ChatID]
	msgs := s.messagesLocked(m.ChatID)
	chats := s.chatsForUserLocked(userID)
	s.mu.Unlock()

	s.publishMessages(m.ChatID, msgs)
	s.publishChats(userID, chats)
	return nil
}

func (s *MemoryStore) chatsForUserLocked(userID string) []chat.Chat {
	out := make([]chat.Chat, 0, len(s.chats))
	for id, c := range s.chats {
		if s.owners[id] != userID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *MemoryStore) messagesLocked(chatID string) []chat.Message {
	msgs := append([]chat.Message(nil), s.messages[chatID]...)
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}

func (s *MemoryStore) publishChats(userID string, chats []chat.Chat) {
	publishSnapshot(s.pubsub, feedstream.ChatsTopic(userID), chats)
}

func (s *MemoryStore) publishMessages(chatID string, msgs []chat.Message) {
	publishSnapshot(s.pubsub, feedstream.MessagesTopic(chatID), msgs)
}

func publishSnapshot(pubsub *feedstream.PubSub, topic string, v any) {
	if pubsub == nil || pubsub.Publisher == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("feed snapshot marshal failed")
		return
	}
	if err := pubsub.Publisher.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("feed snapshot publish failed")
	}
}

// decodeFeed forwards decoded snapshots until the raw channel closes.
func decodeFeed[T any](raw <-chan *message.Message, out chan<- []T, what string) {
	defer close(out)
	for msg := range raw {
		var snapshot []T
		if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
			log.Warn().Err(err).Str("component", "store_feed").Msg(what + ": failed to decode snapshot")
			msg.Ack()
			continue
		}
		out <- snapshot
		msg.Ack()
	}
}
