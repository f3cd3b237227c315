package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
)

var reconcileBase = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func confirmedMsg(id string, role chat.Role, content string, at time.Time) chat.Message {
	return chat.Message{
		ID:        id,
		ChatID:    "c-1",
		Content:   content,
		Role:      role,
		CreatedAt: at,
		AuthorID:  "u-1",
	}
}

func optimisticMsg(id, content string, at time.Time) chat.Message {
	m := confirmedMsg(id, chat.RoleUser, content, at)
	m.Delivery = chat.DeliverySending
	return m
}

func TestReconcileServerWinsOnIDCollision(t *testing.T) {
	local := []chat.Message{confirmedMsg("m-1", chat.RoleUser, "stale copy", reconcileBase)}
	incoming := []chat.Message{confirmedMsg("m-1", chat.RoleUser, "fresh copy", reconcileBase)}

	out := reconcileMessages(local, incoming)
	require.Len(t, out.merged, 1)
	require.Equal(t, "fresh copy", out.merged[0].Content)
	require.False(t, out.assistantArrived)
}

func TestReconcileDropsOptimisticOnConfirmedEcho(t *testing.T) {
	local := []chat.Message{optimisticMsg("local-1", "hello", reconcileBase)}
	incoming := []chat.Message{confirmedMsg("m-1", chat.RoleUser, "hello", reconcileBase.Add(2*time.Second))}

	out := reconcileMessages(local, incoming)
	require.Len(t, out.merged, 1)
	require.Equal(t, "m-1", out.merged[0].ID)
	require.True(t, out.merged[0].Confirmed())
}

func TestReconcileKeepsOptimisticOutsideEchoWindow(t *testing.T) {
	local := []chat.Message{optimisticMsg("local-1", "hello", reconcileBase)}
	incoming := []chat.Message{confirmedMsg("m-1", chat.RoleUser, "hello", reconcileBase.Add(optimisticMatchWindow+time.Second))}

	out := reconcileMessages(local, incoming)
	require.Len(t, out.merged, 2)
}

func TestReconcileKeepsConfirmedLocalMissingFromSnapshot(t *testing.T) {
	local := []chat.Message{
		confirmedMsg("m-1", chat.RoleUser, "first", reconcileBase),
		confirmedMsg("m-2", chat.RoleAssistant, "second", reconcileBase.Add(time.Second)),
	}
	// Stale snapshot missing m-2.
	incoming := []chat.Message{confirmedMsg("m-1", chat.RoleUser, "first", reconcileBase)}

	out := reconcileMessages(local, incoming)
	require.Len(t, out.merged, 2)
	require.False(t, out.assistantArrived)
}

func TestReconcileSortsByCreatedAtThenID(t *testing.T) {
	local := []chat.Message{}
	incoming := []chat.Message{
		confirmedMsg("m-b", chat.RoleUser, "tie b", reconcileBase),
		confirmedMsg("m-c", chat.RoleAssistant, "later", reconcileBase.Add(time.Minute)),
		confirmedMsg("m-a", chat.RoleUser, "tie a", reconcileBase),
	}

	out := reconcileMessages(local, incoming)
	require.Equal(t, []string{"m-a", "m-b", "m-c"}, []string{out.merged[0].ID, out.merged[1].ID, out.merged[2].ID})
}

func TestReconcileAssistantArrival(t *testing.T) {
	local := []chat.Message{confirmedMsg("m-1", chat.RoleUser, "question", reconcileBase)}
	incoming := []chat.Message{
		confirmedMsg("m-1", chat.RoleUser, "question", reconcileBase),
		confirmedMsg("m-2", chat.RoleAssistant, "answer", reconcileBase.Add(time.Second)),
	}

	out := reconcileMessages(local, incoming)
	require.True(t, out.assistantArrived)

	// Applying the same snapshot again must not re-signal arrival.
	again := reconcileMessages(out.merged, incoming)
	require.False(t, again.assistantArrived)
	require.Equal(t, out.merged, again.merged)
}

func TestReconcileNoArrivalWhenNewestIsUser(t *testing.T) {
	local := []chat.Message{}
	incoming := []chat.Message{
		confirmedMsg("m-1", chat.RoleAssistant, "welcome", reconcileBase),
		confirmedMsg("m-2", chat.RoleUser, "thanks", reconcileBase.Add(time.Second)),
	}

	out := reconcileMessages(local, incoming)
	require.False(t, out.assistantArrived)
}

func TestReconcileIsIdempotent(t *testing.T) {
	local := []chat.Message{optimisticMsg("local-1", "hello", reconcileBase)}
	incoming := []chat.Message{
		confirmedMsg("m-1", chat.RoleUser, "hello", reconcileBase),
		confirmedMsg("m-2", chat.RoleAssistant, "hi there", reconcileBase.Add(time.Second)),
	}

	first := reconcileMessages(local, incoming)
	second := reconcileMessages(first.merged, incoming)
	third := reconcileMessages(second.merged, incoming)
	require.Equal(t, first.merged, second.merged)
	require.Equal(t, second.merged, third.merged)
}

func TestReplaceMessageSwapsOptimisticForConfirmed(t *testing.T) {
	msgs := []chat.Message{
		optimisticMsg("local-1", "hello", reconcileBase),
		confirmedMsg("m-0", chat.RoleAssistant, "welcome", reconcileBase.Add(-time.Minute)),
	}
	confirmed := confirmedMsg("m-1", chat.RoleUser, "hello", reconcileBase.Add(time.Second))

	out := replaceMessage(msgs, "local-1", confirmed)
	require.Len(t, out, 2)
	require.Equal(t, "m-0", out[0].ID)
	require.Equal(t, "m-1", out[1].ID)
	require.True(t, out[1].Confirmed())
}

func TestMarkDelivery(t *testing.T) {
	msgs := []chat.Message{optimisticMsg("local-1", "hello", reconcileBase)}
	out := markDelivery(msgs, "local-1", chat.DeliveryFailed)
	require.Equal(t, chat.DeliveryFailed, out[0].Delivery)
}
