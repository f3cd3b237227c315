// Package session implements the conversational session controller: it keeps
// a local, consistent view of a user's chats and messages synchronized with a
// conversation store through queries, mutations and push-based change feeds,
// while coordinating the asynchronous AI-reply workflow.
//
// Ownership model:
//   - The controller exclusively owns the session state; every mutation is
//     serialized through one mutex, whether it originates from a user
//     operation, a feed delivery or a timer expiry.
//   - The presentation layer only reads snapshots and receives hook
//     callbacks; it never touches controller-owned memory.
package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/identity"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/titles"
)

// DefaultResponseTimeout bounds the wait for an assistant reply after a
// message is sent.
const DefaultResponseTimeout = 10 * time.Second

// Config wires a Controller.
type Config struct {
	Store    store.Client
	Identity identity.Provider

	// ResponseTimeout overrides DefaultResponseTimeout (tests use short
	// deadlines).
	ResponseTimeout time.Duration
	// Clock overrides the time source.
	Clock func() time.Time

	// OnState receives a snapshot after every state change.
	OnState func(Snapshot)
	// OnNotice receives short-lived user-visible notifications.
	OnNotice func(Notice)
	// OnTyping reports the typing-indicator obligation per chat.
	OnTyping func(chatID string, typing bool)
}

// Controller is the top-level session orchestrator.
type Controller struct {
	store   store.Client
	id      identity.Provider
	timeout time.Duration
	now     func() time.Time

	onState  func(Snapshot)
	onNotice func(Notice)
	onTyping func(string, bool)

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool

	activeChatID string
	chats        []chat.Chat
	messages     map[string][]chat.Message
	awaiters     map[string]*Awaiter
	typing       map[string]bool
	conn         ConnectionStatus
	creating     bool

	msgFeedCancel context.CancelFunc
	msgFeedChat   string
}

// New builds a Controller. Call Start before issuing operations.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("session controller: store client is nil")
	}
	if cfg.Identity == nil {
		return nil, errors.New("session controller: identity provider is nil")
	}
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:    cfg.Store,
		id:       cfg.Identity,
		timeout:  timeout,
		now:      now,
		onState:  cfg.OnState,
		onNotice: cfg.OnNotice,
		onTyping: cfg.OnTyping,
		messages: map[string][]chat.Message{},
		awaiters: map[string]*Awaiter{},
		typing:   map[string]bool{},
		conn:     StatusConnecting,
	}, nil
}

// Start loads the initial chat list, subscribes to the chat feed, and either
// selects the most recent chat or creates one when the user has none.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("session controller: already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.baseCtx = runCtx
	c.cancel = cancel
	c.conn = StatusConnecting
	c.mu.Unlock()

	userID := c.id.UserID()
	if userID == "" {
		return errors.New("session controller: no current user")
	}

	chats, err := c.store.ListChats(runCtx, userID)
	if err != nil {
		c.degrade("load chats", err)
		return err
	}
	c.mu.Lock()
	c.chats = orderChats(chats)
	c.conn = StatusConnected
	c.mu.Unlock()
	c.emitState()

	feed, err := c.store.SubscribeChats(runCtx, userID)
	if err != nil {
		c.degrade("subscribe chats", err)
	} else {
		go c.consumeChatFeed(feed)
	}

	if len(chats) == 0 {
		// A user with zero chats gets one automatically.
		if _, err := c.CreateChat(""); err != nil {
			return err
		}
		return nil
	}
	c.SelectChat(chats[0].ID)
	return nil
}

// Close tears the controller down: feeds stop and armed awaiters are
// canceled.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	canceled := c.drainAwaitersLocked()
	c.mu.Unlock()
	for _, a := range canceled {
		a.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// SignOut delegates to the identity collaborator after teardown.
func (c *Controller) SignOut(ctx context.Context) error {
	c.Close()
	return c.id.SignOut(ctx)
}

// SelectChat makes chatID the active chat. Unknown ids are a silent no-op.
// Switching away cancels the previous chat's awaiter and clears its typing
// obligation.
func (c *Controller) SelectChat(chatID string) {
	c.mu.Lock()
	if _, ok := c.findChatLocked(chatID); !ok {
		c.mu.Unlock()
		return
	}
	if c.activeChatID == chatID {
		c.mu.Unlock()
		return
	}
	canceled, typingCleared, prev := c.setActiveLocked(chatID)
	ctx := c.runCtxLocked()
	c.mu.Unlock()

	if canceled != nil {
		canceled.Cancel()
	}
	if typingCleared {
		c.emitTyping(prev, false)
	}
	c.emitState()
	c.loadAndWatchMessages(ctx, chatID)
}

// CreateChat issues a create mutation and selects the new chat. While a
// creation is in flight further calls are no-ops. An empty title yields the
// store's timestamp placeholder.
func (c *Controller) CreateChat(title string) (chat.Chat, error) {
	c.mu.Lock()
	if c.creating {
		c.mu.Unlock()
		return chat.Chat{}, nil
	}
	c.creating = true
	ctx := c.runCtxLocked()
	c.mu.Unlock()

	userID := c.id.UserID()
	created, err := c.store.CreateChat(ctx, userID, strings.TrimSpace(title))

	c.mu.Lock()
	c.creating = false
	if err != nil {
		c.mu.Unlock()
		c.degrade("create chat", err)
		return chat.Chat{}, err
	}
	c.chats = orderChats(append(removeChat(c.chats, created.ID), created))
	canceled, typingCleared, prev := c.setActiveLocked(created.ID)
	c.mu.Unlock()

	if canceled != nil {
		canceled.Cancel()
	}
	if typingCleared {
		c.emitTyping(prev, false)
	}
	c.emitState()
	c.loadAndWatchMessages(ctx, created.ID)
	return created, nil
}

// SendMessage inserts a user message into the active chat, arms the response
// awaiter, and asynchronously requests the AI reply. The returned message is
// the store-confirmed record.
func (c *Controller) SendMessage(content string) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, errors.Wrap(ErrInvalidInput, "empty message")
	}
	if chat.ContentLength(content) > chat.MaxContentLength {
		return chat.Message{}, errors.Wrap(ErrInvalidInput, "message too long")
	}

	c.mu.Lock()
	chatID := c.activeChatID
	if chatID == "" {
		c.mu.Unlock()
		return chat.Message{}, errors.Wrap(ErrInvalidInput, "no active chat")
	}
	ctx := c.runCtxLocked()
	userID := c.id.UserID()
	optimistic := chat.Message{
		ID:        "local-" + uuid.NewString(),
		ChatID:    chatID,
		Content:   content,
		Role:      chat.RoleUser,
		CreatedAt: c.now(),
		AuthorID:  userID,
		Delivery:  chat.DeliverySending,
	}
	c.messages[chatID] = append(c.messages[chatID], optimistic)
	c.mu.Unlock()
	c.emitState()

	confirmed, err := c.store.InsertMessage(ctx, chatID, chat.RoleUser, userID, content)
	if err != nil {
		c.mu.Lock()
		c.messages[chatID] = markDelivery(c.messages[chatID], optimistic.ID, chat.DeliveryFailed)
		c.mu.Unlock()
		c.emitState()
		c.notify(Notice{Kind: NoticeMutationFailed, ChatID: chatID, Text: "message could not be sent"})
		return chat.Message{}, err
	}

	c.mu.Lock()
	if _, ok := c.findChatLocked(chatID); !ok {
		// Chat vanished while the insert was in flight; discard the result.
		delete(c.messages, chatID)
		c.mu.Unlock()
		return confirmed, nil
	}
	c.messages[chatID] = replaceMessage(c.messages[chatID], optimistic.ID, confirmed)
	c.armLocked(chatID)
	c.typing[chatID] = true
	c.mu.Unlock()

	c.emitTyping(chatID, true)
	c.emitState()

	go c.requestReply(ctx, chatID, content)
	return confirmed, nil
}

// RetryMessage re-sends a failed message of the active chat with its
// original content.
func (c *Controller) RetryMessage(messageID string) (chat.Message, error) {
	c.mu.Lock()
	chatID := c.activeChatID
	if chatID == "" {
		c.mu.Unlock()
		return chat.Message{}, errors.Wrap(ErrInvalidInput, "no active chat")
	}
	content := ""
	found := false
	for _, m := range c.messages[chatID] {
		if m.ID == messageID && m.Delivery == chat.DeliveryFailed {
			content = m.Content
			found = true
			break
		}
	}
	if !found {
		c.mu.Unlock()
		return chat.Message{}, errors.Wrap(ErrInvalidInput, "no failed message with that id")
	}
	// Drop the failed entry; SendMessage creates a fresh optimistic one.
	c.messages[chatID] = removeMessage(c.messages[chatID], messageID)
	c.mu.Unlock()
	c.emitState()

	return c.SendMessage(content)
}

// RenameChat issues the rename mutation and applies the confirmed record.
func (c *Controller) RenameChat(chatID, newTitle string) error {
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" {
		return errors.Wrap(ErrInvalidInput, "empty title")
	}
	c.mu.Lock()
	_, ok := c.findChatLocked(chatID)
	ctx := c.runCtxLocked()
	c.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrInvalidInput, "unknown chat")
	}

	updated, err := c.store.RenameChat(ctx, chatID, newTitle)
	if err != nil {
		c.notify(Notice{Kind: NoticeMutationFailed, ChatID: chatID, Text: "chat could not be renamed"})
		return err
	}
	c.mu.Lock()
	c.chats = orderChats(append(removeChat(c.chats, updated.ID), updated))
	c.mu.Unlock()
	c.emitState()
	return nil
}

// DeleteChat deletes a chat and all its messages. Deleting the active chat
// selects the next remaining chat in list order, or creates a fresh one when
// none remain.
func (c *Controller) DeleteChat(chatID string) error {
	c.mu.Lock()
	_, ok := c.findChatLocked(chatID)
	ctx := c.runCtxLocked()
	c.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrInvalidInput, "unknown chat")
	}

	res, err := c.store.DeleteChat(ctx, chatID)
	if err != nil {
		c.notify(Notice{Kind: NoticeMutationFailed, ChatID: chatID, Text: "chat could not be deleted"})
		return err
	}
	log.Debug().Str("component", "session").Str("chat_id", chatID).
		Int("deleted_messages", res.DeletedMessageCount).Msg("chat deleted")

	c.mu.Lock()
	c.chats = removeChat(c.chats, chatID)
	delete(c.messages, chatID)
	var canceled *Awaiter
	if a := c.awaiters[chatID]; a != nil {
		delete(c.awaiters, chatID)
		canceled = a
	}
	typingCleared := c.typing[chatID]
	delete(c.typing, chatID)
	wasActive := c.activeChatID == chatID
	nextID := ""
	if wasActive {
		c.activeChatID = ""
		if len(c.chats) > 0 {
			nextID = c.chats[0].ID
		}
	}
	c.mu.Unlock()

	if canceled != nil {
		canceled.Cancel()
	}
	if typingCleared {
		c.emitTyping(chatID, false)
	}
	c.emitState()

	if wasActive {
		if nextID != "" {
			c.SelectChat(nextID)
		} else if _, err := c.CreateChat(""); err != nil {
			return err
		}
	}
	return nil
}

// GenerateTitle runs title inference over a chat's messages and renames the
// chat when the result is usable and non-default.
func (c *Controller) GenerateTitle(chatID string) (string, error) {
	c.mu.Lock()
	current, ok := c.findChatLocked(chatID)
	msgs := append([]chat.Message(nil), c.messages[chatID]...)
	c.mu.Unlock()
	if !ok {
		return "", errors.Wrap(ErrInvalidInput, "unknown chat")
	}
	if len(msgs) == 0 {
		return "", ErrNoContent
	}

	title, inferred := titles.Infer(msgs)
	if !inferred {
		title, inferred = titles.Excerpt(msgs)
	}
	if !inferred || strings.TrimSpace(title) == "" {
		return "", ErrNoTitleInferred
	}
	if chat.IsPlaceholderTitle(title) || title == current.Title {
		return title, nil
	}
	if err := c.RenameChat(chatID, title); err != nil {
		return "", err
	}
	return title, nil
}

// Awaiter returns the armed awaiter for a chat, if any.
func (c *Controller) Awaiter(chatID string) (*Awaiter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.awaiters[chatID]
	return a, ok
}

// Snapshot returns a deep copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ---- internals ----

// armLocked arms the response awaiter for a chat. Arming while armed is a
// no-op returning the existing awaiter.
func (c *Controller) armLocked(chatID string) *Awaiter {
	if a, ok := c.awaiters[chatID]; ok {
		return a
	}
	a := armAwaiter(chatID, c.timeout, c.handleExpiry)
	c.awaiters[chatID] = a
	return a
}

// handleExpiry runs on the timer goroutine after the awaiter's exactly-once
// transition to expired.
func (c *Controller) handleExpiry(a *Awaiter) {
	chatID := a.ChatID()
	c.mu.Lock()
	if c.awaiters[chatID] == a {
		delete(c.awaiters, chatID)
	}
	typingCleared := c.typing[chatID]
	delete(c.typing, chatID)
	c.mu.Unlock()

	if typingCleared {
		c.emitTyping(chatID, false)
	}
	log.Debug().Str("component", "session").Str("chat_id", chatID).Msg("response awaiter expired")
	c.notify(Notice{Kind: NoticeResponseTimeout, ChatID: chatID, Text: "the assistant did not reply in time"})
	c.emitState()
}

// requestReply triggers the store's AI-reply action. The known benign
// response-shape anomaly is swallowed and the armed timer keeps governing the
// wait; any other failure cancels the wait immediately.
func (c *Controller) requestReply(ctx context.Context, chatID, content string) {
	_, err := c.store.RequestAIReply(ctx, chatID, content)
	if err == nil {
		return
	}
	if store.IsShapeMismatch(err) {
		log.Debug().Err(err).Str("component", "session").Str("chat_id", chatID).
			Msg("ignoring benign reply-action anomaly; awaiting feed delivery")
		return
	}

	c.mu.Lock()
	var canceled *Awaiter
	if a := c.awaiters[chatID]; a != nil {
		delete(c.awaiters, chatID)
		canceled = a
	}
	typingCleared := c.typing[chatID]
	delete(c.typing, chatID)
	c.mu.Unlock()

	if canceled != nil {
		canceled.Cancel()
	}
	if typingCleared {
		c.emitTyping(chatID, false)
	}
	log.Warn().Err(err).Str("component", "session").Str("chat_id", chatID).Msg("reply action failed")
	c.notify(Notice{Kind: NoticeMutationFailed, ChatID: chatID, Text: "assistant request failed"})
	c.emitState()
}

// setActiveLocked switches the active chat, reporting the previous chat's
// canceled awaiter and typing obligation.
func (c *Controller) setActiveLocked(chatID string) (canceled *Awaiter, typingCleared bool, prev string) {
	prev = c.activeChatID
	c.activeChatID = chatID
	if prev == "" || prev == chatID {
		return nil, false, prev
	}
	if a := c.awaiters[prev]; a != nil {
		delete(c.awaiters, prev)
		canceled = a
	}
	typingCleared = c.typing[prev]
	delete(c.typing, prev)
	return canceled, typingCleared, prev
}

func (c *Controller) drainAwaitersLocked() []*Awaiter {
	out := make([]*Awaiter, 0, len(c.awaiters))
	for id, a := range c.awaiters {
		delete(c.awaiters, id)
		out = append(out, a)
	}
	c.typing = map[string]bool{}
	return out
}

func (c *Controller) runCtxLocked() context.Context {
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}

// loadAndWatchMessages fetches a chat's messages and (re)starts its message
// feed. It is only effective while the chat stays active.
func (c *Controller) loadAndWatchMessages(ctx context.Context, chatID string) {
	msgs, err := c.store.ListMessages(ctx, chatID)
	if err != nil {
		c.degrade("load messages", err)
	} else {
		c.applyMessages(chatID, msgs)
	}

	c.mu.Lock()
	if c.activeChatID != chatID {
		c.mu.Unlock()
		return
	}
	if c.msgFeedCancel != nil {
		c.msgFeedCancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.msgFeedCancel = cancel
	c.msgFeedChat = chatID
	c.mu.Unlock()

	feed, err := c.store.SubscribeMessages(subCtx, chatID)
	if err != nil {
		cancel()
		c.degrade("subscribe messages", err)
		return
	}
	go c.consumeMessageFeed(chatID, feed)
}

func (c *Controller) consumeMessageFeed(chatID string, feed <-chan []chat.Message) {
	for snapshot := range feed {
		c.applyMessages(chatID, snapshot)
	}
	c.mu.Lock()
	stillWatching := c.msgFeedChat == chatID
	ctx := c.baseCtx
	c.mu.Unlock()
	if stillWatching && ctx != nil && ctx.Err() == nil {
		c.degrade("messages feed closed", nil)
	}
}

// applyMessages folds a full-list snapshot (fetched or pushed) into the
// chat's local sequence. Assistant arrival fulfills the armed awaiter,
// clears the typing obligation, and triggers the automatic title rewrite
// while the chat still carries its placeholder title.
func (c *Controller) applyMessages(chatID string, snapshot []chat.Message) {
	c.mu.Lock()
	local := c.messages[chatID]
	outcome := reconcileMessages(local, snapshot)
	c.messages[chatID] = outcome.merged
	c.conn = StatusConnected

	var fulfilled *Awaiter
	typingCleared := false
	autoTitle := false
	if outcome.assistantArrived {
		if a := c.awaiters[chatID]; a != nil {
			delete(c.awaiters, chatID)
			fulfilled = a
		}
		typingCleared = c.typing[chatID]
		delete(c.typing, chatID)
		if current, ok := c.findChatLocked(chatID); ok && chat.IsPlaceholderTitle(current.Title) {
			autoTitle = true
		}
	}
	c.mu.Unlock()

	if fulfilled != nil {
		fulfilled.Fulfill()
	}
	if typingCleared {
		c.emitTyping(chatID, false)
	}
	c.emitState()

	if autoTitle {
		if title, err := c.GenerateTitle(chatID); err != nil {
			log.Debug().Err(err).Str("component", "session").Str("chat_id", chatID).Msg("automatic title rewrite skipped")
		} else {
			log.Debug().Str("component", "session").Str("chat_id", chatID).Str("title", title).Msg("chat title inferred")
		}
	}
}

func (c *Controller) consumeChatFeed(feed <-chan []chat.Chat) {
	for snapshot := range feed {
		c.applyChats(snapshot)
	}
	c.mu.Lock()
	ctx := c.baseCtx
	c.mu.Unlock()
	if ctx != nil && ctx.Err() == nil {
		c.degrade("chats feed closed", nil)
	}
}

// applyChats replaces the chat list with a pushed snapshot. A chat removed
// remotely loses its awaiter and typing obligation; if it was active, the
// first remaining chat takes over.
func (c *Controller) applyChats(snapshot []chat.Chat) {
	c.mu.Lock()
	c.chats = orderChats(snapshot)
	c.conn = StatusConnected

	known := make(map[string]struct{}, len(c.chats))
	for _, ch := range c.chats {
		known[ch.ID] = struct{}{}
	}
	canceled := []*Awaiter{}
	clearedTyping := []string{}
	for id, a := range c.awaiters {
		if _, ok := known[id]; !ok {
			delete(c.awaiters, id)
			canceled = append(canceled, a)
		}
	}
	for id := range c.typing {
		if _, ok := known[id]; !ok {
			delete(c.typing, id)
			clearedTyping = append(clearedTyping, id)
		}
	}
	for id := range c.messages {
		if _, ok := known[id]; !ok {
			delete(c.messages, id)
		}
	}

	if c.activeChatID != "" {
		if _, ok := known[c.activeChatID]; !ok {
			c.activeChatID = ""
		}
	}
	// A session keeps an active chat whenever any chat exists, also when the
	// previously active one was removed remotely.
	nextID := ""
	reselect := false
	if c.activeChatID == "" && len(c.chats) > 0 {
		reselect = true
		nextID = c.chats[0].ID
	}
	ctx := c.runCtxLocked()
	c.mu.Unlock()

	for _, a := range canceled {
		a.Cancel()
	}
	for _, id := range clearedTyping {
		c.emitTyping(id, false)
	}
	c.emitState()

	if reselect && nextID != "" {
		c.mu.Lock()
		if c.activeChatID != "" {
			// Another operation selected a chat meanwhile.
			c.mu.Unlock()
			return
		}
		c.activeChatID = nextID
		c.mu.Unlock()
		c.emitState()
		c.loadAndWatchMessages(ctx, nextID)
	}
}

// degrade records a transient failure: the connection status drops to error,
// already-loaded state is kept, and a notice is surfaced.
func (c *Controller) degrade(op string, err error) {
	c.mu.Lock()
	c.conn = StatusError
	c.mu.Unlock()
	log.Warn().Err(err).Str("component", "session").Str("op", op).Msg("store connectivity degraded")
	c.notify(Notice{Kind: NoticeTransient, Text: op + " failed"})
	c.emitState()
}

func (c *Controller) emitState() {
	if c.onState == nil {
		return
	}
	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.onState(snap)
}

func (c *Controller) notify(n Notice) {
	if c.onNotice != nil {
		c.onNotice(n)
	}
}

func (c *Controller) emitTyping(chatID string, typing bool) {
	if c.onTyping != nil {
		c.onTyping(chatID, typing)
	}
}

func orderChats(chats []chat.Chat) []chat.Chat {
	out := cloneChats(chats)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func removeChat(chats []chat.Chat, chatID string) []chat.Chat {
	out := make([]chat.Chat, 0, len(chats))
	for _, c := range chats {
		if c.ID == chatID {
			continue
		}
		out = append(out, c)
	}
	return out
}

func removeMessage(msgs []chat.Message, id string) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == id {
			continue
		}
		out = append(out, m)
	}
	return out
}
