package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/feedstream"
	"github.com/go-go-golems/parley/pkg/identity"
	"github.com/go-go-golems/parley/pkg/store"
)

const testUser = "u-test"

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) record(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) has(kind NoticeKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

func newTestStore(t *testing.T, opts ...store.MemoryOption) *store.MemoryStore {
	t.Helper()
	pubsub, err := feedstream.BuildPubSub(feedstream.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pubsub.Close() })
	return store.NewMemoryStore(pubsub, opts...)
}

func newTestController(t *testing.T, client store.Client, notices *noticeRecorder) *Controller {
	t.Helper()
	cfg := Config{
		Store:           client,
		Identity:        identity.NewStatic(testUser),
		ResponseTimeout: 2 * time.Second,
	}
	if notices != nil {
		cfg.OnNotice = notices.record
	}
	ctl, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(ctl.Close)
	return ctl
}

func TestStartCreatesChatForNewUser(t *testing.T) {
	s := newTestStore(t, store.WithReplyDelay(10*time.Millisecond))
	ctl := newTestController(t, s, nil)

	require.NoError(t, ctl.Start(context.Background()))

	snap := ctl.Snapshot()
	require.Len(t, snap.Chats, 1)
	require.Equal(t, snap.Chats[0].ID, snap.ActiveChatID)
	require.True(t, chat.IsPlaceholderTitle(snap.Chats[0].Title))
	require.Equal(t, StatusConnected, snap.ConnectionStatus)
}

func TestStartSelectsMostRecentChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	older, err := s.CreateChat(ctx, testUser, "older")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := s.CreateChat(ctx, testUser, "newer")
	require.NoError(t, err)

	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(ctx))

	snap := ctl.Snapshot()
	require.Len(t, snap.Chats, 2)
	require.Equal(t, newer.ID, snap.ActiveChatID)
	require.Equal(t, newer.ID, snap.Chats[0].ID)
	require.Equal(t, older.ID, snap.Chats[1].ID)
}

func TestSendMessageReceivesAssistantReply(t *testing.T) {
	s := newTestStore(t,
		store.WithReplyDelay(10*time.Millisecond),
		store.WithResponder(store.ResponderFunc(func(_ context.Context, _, _ string) (string, error) {
			return "the answer", nil
		})))
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	sent, err := ctl.SendMessage("  a question  ")
	require.NoError(t, err)
	require.Equal(t, "a question", sent.Content)
	require.True(t, sent.Confirmed())

	require.Eventually(t, func() bool {
		msgs := ctl.Snapshot().ActiveMessages()
		return len(msgs) == 2 && msgs[1].Role == chat.RoleAssistant
	}, 2*time.Second, 10*time.Millisecond)

	snap := ctl.Snapshot()
	msgs := snap.ActiveMessages()
	require.Equal(t, "a question", msgs[0].Content)
	require.Equal(t, "the answer", msgs[1].Content)
	require.False(t, snap.Typing[snap.ActiveChatID])

	_, armed := ctl.Awaiter(snap.ActiveChatID)
	require.False(t, armed)
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestStore(t)
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	_, err := ctl.SendMessage("   ")
	require.ErrorIs(t, err, ErrInvalidInput)

	long := make([]rune, chat.MaxContentLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = ctl.SendMessage(string(long))
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Empty(t, ctl.Snapshot().ActiveMessages())
}

func TestResponseTimeoutAfterBenignAnomaly(t *testing.T) {
	s := newTestStore(t,
		store.WithActionAnomaly(),
		store.WithReplyDelay(time.Hour))
	notices := &noticeRecorder{}
	ctl, err := New(Config{
		Store:           s,
		Identity:        identity.NewStatic(testUser),
		ResponseTimeout: 50 * time.Millisecond,
		OnNotice:        notices.record,
	})
	require.NoError(t, err)
	t.Cleanup(ctl.Close)
	require.NoError(t, ctl.Start(context.Background()))

	_, err = ctl.SendMessage("anyone there?")
	require.NoError(t, err)

	active := ctl.Snapshot().ActiveChatID
	require.Eventually(t, func() bool {
		return notices.has(NoticeResponseTimeout)
	}, 2*time.Second, 10*time.Millisecond)

	// The anomaly is benign: the wait ends by timeout, not action failure.
	require.False(t, notices.has(NoticeMutationFailed))
	require.False(t, ctl.Snapshot().Typing[active])
	_, armed := ctl.Awaiter(active)
	require.False(t, armed)
}

type failingActionStore struct {
	store.Client
}

func (s *failingActionStore) RequestAIReply(context.Context, string, string) (chat.Message, error) {
	return chat.Message{}, store.NewError(store.KindNetwork, "request ai reply", errors.New("connection refused"))
}

func TestRealActionFailureCancelsWait(t *testing.T) {
	s := newTestStore(t)
	notices := &noticeRecorder{}
	ctl := newTestController(t, &failingActionStore{Client: s}, notices)
	require.NoError(t, ctl.Start(context.Background()))

	_, err := ctl.SendMessage("hello?")
	require.NoError(t, err)

	active := ctl.Snapshot().ActiveChatID
	require.Eventually(t, func() bool {
		return notices.has(NoticeMutationFailed)
	}, 2*time.Second, 10*time.Millisecond)

	require.False(t, notices.has(NoticeResponseTimeout))
	require.False(t, ctl.Snapshot().Typing[active])
	_, armed := ctl.Awaiter(active)
	require.False(t, armed)
}

type failingInsertStore struct {
	store.Client
	mu       sync.Mutex
	failures int
}

func (s *failingInsertStore) InsertMessage(ctx context.Context, chatID string, role chat.Role, authorID, content string) (chat.Message, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return chat.Message{}, store.NewError(store.KindNetwork, "insert message", errors.New("connection reset"))
	}
	s.mu.Unlock()
	return s.Client.InsertMessage(ctx, chatID, role, authorID, content)
}

func TestRetryFailedMessage(t *testing.T) {
	s := newTestStore(t, store.WithReplyDelay(10*time.Millisecond))
	notices := &noticeRecorder{}
	flaky := &failingInsertStore{Client: s, failures: 1}
	ctl := newTestController(t, flaky, notices)
	require.NoError(t, ctl.Start(context.Background()))

	_, err := ctl.SendMessage("try me")
	require.Error(t, err)
	require.True(t, notices.has(NoticeMutationFailed))

	msgs := ctl.Snapshot().ActiveMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, chat.DeliveryFailed, msgs[0].Delivery)

	sent, err := ctl.RetryMessage(msgs[0].ID)
	require.NoError(t, err)
	require.Equal(t, "try me", sent.Content)
	require.True(t, sent.Confirmed())

	require.Eventually(t, func() bool {
		for _, m := range ctl.Snapshot().ActiveMessages() {
			if m.Delivery == chat.DeliveryFailed {
				return false
			}
		}
		return len(ctl.Snapshot().ActiveMessages()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryUnknownMessage(t *testing.T) {
	s := newTestStore(t)
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	_, err := ctl.RetryMessage("nope")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSelectChatUnknownIDIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	before := ctl.Snapshot().ActiveChatID
	ctl.SelectChat("missing")
	require.Equal(t, before, ctl.Snapshot().ActiveChatID)
}

func TestDeleteActiveChatSelectsNextInListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, title := range []string{"first", "second", "third"} {
		_, err := s.CreateChat(ctx, testUser, title)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(ctx))

	snap := ctl.Snapshot()
	require.Len(t, snap.Chats, 3)
	active := snap.ActiveChatID
	next := snap.Chats[1].ID

	require.NoError(t, ctl.DeleteChat(active))
	require.Eventually(t, func() bool {
		snap := ctl.Snapshot()
		return len(snap.Chats) == 2 && snap.ActiveChatID == next
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteLastChatAutoCreates(t *testing.T) {
	s := newTestStore(t)
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	first := ctl.Snapshot().ActiveChatID
	require.NoError(t, ctl.DeleteChat(first))

	require.Eventually(t, func() bool {
		snap := ctl.Snapshot()
		return len(snap.Chats) == 1 &&
			snap.ActiveChatID != first &&
			snap.ActiveChatID == snap.Chats[0].ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteUnknownChat(t *testing.T) {
	s := newTestStore(t)
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	require.ErrorIs(t, ctl.DeleteChat("missing"), ErrInvalidInput)
}

func TestRenameChat(t *testing.T) {
	s := newTestStore(t)
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	active := ctl.Snapshot().ActiveChatID
	require.NoError(t, ctl.RenameChat(active, "  Garden planning  "))

	snap := ctl.Snapshot()
	require.Equal(t, "Garden planning", snap.Chats[0].Title)

	require.ErrorIs(t, ctl.RenameChat(active, "   "), ErrInvalidInput)
	require.ErrorIs(t, ctl.RenameChat("missing", "x"), ErrInvalidInput)
}

func TestGenerateTitleRenamesFromFirstUserMessage(t *testing.T) {
	s := newTestStore(t, store.WithReplyDelay(10*time.Millisecond))
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	active := ctl.Snapshot().ActiveChatID
	_, err := ctl.GenerateTitle(active)
	require.ErrorIs(t, err, ErrNoContent)

	_, err = ctl.SendMessage("What is the capital of France?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, ch := range ctl.Snapshot().Chats {
			if ch.ID == active && ch.Title == "Capital of france" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSwitchingChatsCancelsPendingWait(t *testing.T) {
	s := newTestStore(t, store.WithReplyDelay(time.Hour))
	ctx := context.Background()
	other, err := s.CreateChat(ctx, testUser, "parked")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.CreateChat(ctx, testUser, "main")
	require.NoError(t, err)

	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(ctx))

	main := ctl.Snapshot().ActiveChatID
	_, err = ctl.SendMessage("slow one")
	require.NoError(t, err)

	a, armed := ctl.Awaiter(main)
	require.True(t, armed)

	ctl.SelectChat(other.ID)
	require.Equal(t, other.ID, ctl.Snapshot().ActiveChatID)
	require.Equal(t, AwaiterCanceled, a.State())
	require.False(t, ctl.Snapshot().Typing[main])

	_, armed = ctl.Awaiter(main)
	require.False(t, armed)
}

func TestSearchChats(t *testing.T) {
	s := newTestStore(t, store.WithReplyDelay(10*time.Millisecond))
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	require.NoError(t, ctl.RenameChat(ctl.Snapshot().ActiveChatID, "Sourdough basics"))
	_, err := ctl.SendMessage("my starter smells like acetone")
	require.NoError(t, err)

	require.Len(t, ctl.SearchChats("sourdough"), 1)
	require.Len(t, ctl.SearchChats("ACETONE"), 1)
	require.Empty(t, ctl.SearchChats("kubernetes"))
}

func TestSignOutStopsSession(t *testing.T) {
	s := newTestStore(t, store.WithReplyDelay(time.Hour))
	ctl := newTestController(t, s, nil)
	require.NoError(t, ctl.Start(context.Background()))

	active := ctl.Snapshot().ActiveChatID
	_, err := ctl.SendMessage("pending")
	require.NoError(t, err)
	a, armed := ctl.Awaiter(active)
	require.True(t, armed)

	require.NoError(t, ctl.SignOut(context.Background()))
	require.Equal(t, AwaiterCanceled, a.State())
}
