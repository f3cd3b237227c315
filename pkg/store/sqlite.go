package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/feedstream"
)

// SQLiteStore is a Client implementation over a local SQLite database. It
// mirrors the MemoryStore's ordering and feed semantics so a controller can
// run against either without behavioral drift.
type SQLiteStore struct {
	db *sql.DB

	pubsub     *feedstream.PubSub
	responder  Responder
	replyDelay time.Duration
	now        func() time.Time
}

var _ Client = &SQLiteStore{}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteResponder sets the reply backend for RequestAIReply.
func WithSQLiteResponder(r Responder) SQLiteOption {
	return func(s *SQLiteStore) { s.responder = r }
}

// WithSQLiteReplyDelay delays the asynchronous assistant insert.
func WithSQLiteReplyDelay(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) { s.replyDelay = d }
}

// WithSQLiteClock overrides the time source.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore opens (and migrates) the database at dsn.
func NewSQLiteStore(dsn string, pubsub *feedstream.PubSub, opts ...SQLiteOption) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{
		db:        db,
		pubsub:    pubsub,
		responder: NewCannedResponder(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			title         TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at_ms DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			chat_id       TEXT NOT NULL,
			role          TEXT NOT NULL,
			author_id     TEXT NOT NULL DEFAULT '',
			content       TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at_ms ASC, id ASC);
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite store: migrate")
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]chat.Chat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	return s.listChats(ctx, userID)
}

func (s *SQLiteStore) listChats(ctx context.Context, userID string) ([]chat.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at_ms, updated_at_ms
		FROM chats
		WHERE user_id = ?
		ORDER BY updated_at_ms DESC, id ASC
	`, userID)
	if err != nil {
		return nil, NewError(KindNetwork, "listChats", err)
	}
	defer func() { _ = rows.Close() }()

	chats := []chat.Chat{}
	for rows.Next() {
		var (
			c                    chat.Chat
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &createdMs, &updatedMs); err != nil {
			return nil, NewError(KindRemote, "listChats", err)
		}
		c.CreatedAt = msToTime(createdMs)
		c.UpdatedAt = msToTime(updatedMs)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewError(KindNetwork, "listChats", err)
	}

	for i := range chats {
		preview, ok, err := s.lastMessage(ctx, chats[i].ID)
		if err != nil {
			return nil, err
		}
		if ok {
			chats[i].LastMessage = &preview
		}
	}
	return chats, nil
}

func (s *SQLiteStore) lastMessage(ctx context.Context, chatID string) (chat.MessagePreview, bool, error) {
	var (
		p         chat.MessagePreview
		role      string
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, role, created_at_ms
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at_ms DESC, id DESC
		LIMIT 1
	`, chatID).Scan(&p.ID, &p.Content, &role, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.MessagePreview{}, false, nil
	}
	if err != nil {
		return chat.MessagePreview{}, false, NewError(KindRemote, "listChats", err)
	}
	p.Role = chat.Role(role)
	p.CreatedAt = msToTime(createdMs)
	return p, true, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	if ok, err := s.chatExists(ctx, chatID); err != nil {
		return nil, err
	} else if !ok {
		return nil, NewError(KindRemote, "listMessages", errors.Errorf("chat %s not found", chatID))
	}
	return s.listMessages(ctx, chatID)
}

func (s *SQLiteStore) listMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, author_id, content, created_at_ms
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at_ms ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, NewError(KindNetwork, "listMessages", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []chat.Message{}
	for rows.Next() {
		var (
			m         chat.Message
			role      string
			createdMs int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.AuthorID, &m.Content, &createdMs); err != nil {
			return nil, NewError(KindRemote, "listMessages", err)
		}
		m.Role = chat.Role(role)
		m.CreatedAt = msToTime(createdMs)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, NewError(KindNetwork, "listMessages", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) CreateChat(ctx context.Context, userID, title string) (chat.Chat, error) {
	if s == nil || s.db == nil {
		return chat.Chat{}, errors.New("sqlite store: db is nil")
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, userID, c.Title, timeToMs(c.CreatedAt), timeToMs(c.UpdatedAt))
	if err != nil {
		return chat.Chat{}, NewError(KindRemote, "createChat", err)
	}
	s.publishChatsFor(ctx, userID)
	return c, nil
}

func (s *SQLiteStore) RenameChat(ctx context.Context, chatID, title string) (chat.Chat, error) {
	if s == nil || s.db == nil {
		return chat.Chat{}, errors.New("sqlite store: db is nil")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, updated_at_ms = ? WHERE id = ?
	`, title, timeToMs(now), chatID)
	if err != nil {
		return chat.Chat{}, NewError(KindRemote, "renameChat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Chat{}, NewError(KindRemote, "renameChat", errors.Errorf("chat %s not found", chatID))
	}
	c, userID, err := s.getChat(ctx, chatID)
	if err != nil {
		return chat.Chat{}, err
	}
	s.publishChatsFor(ctx, userID)
	return c, nil
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) (DeleteResult, error) {
	if s == nil || s.db == nil {
		return DeleteResult{}, errors.New("sqlite store: db is nil")
	}
	_, userID, err := s.getChat(ctx, chatID)
	if err != nil {
		return DeleteResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, NewError(KindNetwork, "deleteChat", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Messages cascade first so the count reflects what the chat owned.
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return DeleteResult{}, NewError(KindRemote, "deleteChat", err)
	}
	deleted, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return DeleteResult{}, NewError(KindRemote, "deleteChat", err)
	}
	if err := tx.Commit(); err != nil {
		return DeleteResult{}, NewError(KindRemote, "deleteChat", err)
	}

	publishSnapshot(s.pubsub, feedstream.MessagesTopic(chatID), []chat.Message{})
	s.publishChatsFor(ctx, userID)
	return DeleteResult{DeletedMessageCount: int(deleted)}, nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, chatID string, role chat.Role, authorID, content string) (chat.Message, error) {
	if s == nil || s.db == nil {
		return chat.Message{}, errors.New("sqlite store: db is nil")
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
	if err := s.appendMessage(ctx, m); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

func (s *SQLiteStore) RequestAIReply(ctx context.Context, chatID, content string) (chat.Message, error) {
	if s == nil || s.db == nil {
		return chat.Message{}, errors.New("sqlite store: db is nil")
	}
	if ok, err := s.chatExists(ctx, chatID); err != nil {
		return chat.Message{}, err
	} else if !ok {
		return chat.Message{}, NewError(KindRemote, "requestAiReply", errors.Errorf("chat %s not found", chatID))
	}
	ack := chat.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      chat.RoleAssistant,
		CreatedAt: s.now(),
	}
	go s.deliverReply(ack.ID, chatID, content)
	return ack, nil
}

func (s *SQLiteStore) deliverReply(id, chatID, prompt string) {
	if s.replyDelay > 0 {
		time.Sleep(s.replyDelay)
	}
	ctx := context.Background()
	reply, err := s.responder.Reply(ctx, chatID, prompt)
	if err != nil {
		log.Warn().Err(err).Str("component", "sqlite_store").Str("chat_id", chatID).Msg("responder failed; dropping reply")
		return
	}
	m := chat.Message{
		ID:        id,
		ChatID:    chatID,
		Content:   reply,
		Role:      chat.RoleAssistant,
		CreatedAt: s.now(),
	}
	if err := s.appendMessage(ctx, m); err != nil {
		log.Warn().Err(err).Str("component", "sqlite_store").Str("chat_id", chatID).Msg("could not deliver assistant reply")
	}
}

func (s *SQLiteStore) SubscribeChats(ctx context.Context, userID string) (<-chan []chat.Chat, error) {
	if s == nil || s.pubsub == nil || s.pubsub.Subscriber == nil {
		return nil, errors.New("sqlite store: no feed subscriber")
	}
	raw, err := s.pubsub.Subscriber.Subscribe(ctx, feedstream.ChatsTopic(userID))
	if err != nil {
		return nil, NewError(KindNetwork, "subscribeChats", err)
	}
	out := make(chan []chat.Chat)
	go decodeFeed(raw, out, "chats feed")
	return out, nil
}

func (s *SQLiteStore) SubscribeMessages(ctx context.Context, chatID string) (<-chan []chat.Message, error) {
	if s == nil || s.pubsub == nil || s.pubsub.Subscriber == nil {
		return nil, errors.New("sqlite store: no feed subscriber")
	}
	raw, err := s.pubsub.Subscriber.Subscribe(ctx, feedstream.MessagesTopic(chatID))
	if err != nil {
		return nil, NewError(KindNetwork, "subscribeMessages", err)
	}
	out := make(chan []chat.Message)
	go decodeFeed(raw, out, "messages feed")
	return out, nil
}

func (s *SQLiteStore) appendMessage(ctx context.Context, m chat.Message) error {
	_, userID, err := s.getChat(ctx, m.ChatID)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindNetwork, "insertMessage", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, author_id, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChatID, string(m.Role), m.AuthorID, m.Content, timeToMs(m.CreatedAt)); err != nil {
		return NewError(KindRemote, "insertMessage", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET updated_at_ms = ? WHERE id = ?
	`, timeToMs(s.now()), m.ChatID); err != nil {
		return NewError(KindRemote, "insertMessage", err)
	}
	if err := tx.Commit(); err != nil {
		return NewError(KindRemote, "insertMessage", err)
	}

	msgs, err := s.listMessages(ctx, m.ChatID)
	if err == nil {
		publishSnapshot(s.pubsub, feedstream.MessagesTopic(m.ChatID), msgs)
	}
	s.publishChatsFor(ctx, userID)
	return nil
}

func (s *SQLiteStore) getChat(ctx context.Context, chatID string) (chat.Chat, string, error) {
	var (
		c                    chat.Chat
		userID               string
		createdMs, updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at_ms, updated_at_ms
		FROM chats WHERE id = ?
	`, chatID).Scan(&c.ID, &userID, &c.Title, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, "", NewError(KindRemote, "getChat", errors.Errorf("chat %s not found", chatID))
	}
	if err != nil {
		return chat.Chat{}, "", NewError(KindNetwork, "getChat", err)
	}
	c.CreatedAt = msToTime(createdMs)
	c.UpdatedAt = msToTime(updatedMs)
	return c, userID, nil
}

func (s *SQLiteStore) chatExists(ctx context.Context, chatID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, NewError(KindNetwork, "getChat", err)
	}
	return true, nil
}

func (s *SQLiteStore) publishChatsFor(ctx context.Context, userID string) {
	chats, err := s.listChats(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("component", "sqlite_store").Str("user_id", userID).Msg("could not build chats snapshot")
		return
	}
	publishSnapshot(s.pubsub, feedstream.ChatsTopic(userID), chats)
}

func timeToMs(t time.Time) int64 {
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
