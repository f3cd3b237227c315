package session

import (
	"sort"
	"time"

	"github.com/go-go-golems/parley/pkg/chat"
)

// optimisticMatchWindow bounds the timestamp distance under which a confirmed
// record is treated as the echo of a local optimistic entry.
const optimisticMatchWindow = 30 * time.Second

type reconcileOutcome struct {
	merged []chat.Message
	// assistantArrived is set when the pass grew the sequence and its newest
	// entry is assistant-authored.
	assistantArrived bool
}

// reconcileMessages merges a fetched/pushed full-list snapshot with the local
// sequence for one chat. Server records win on id collisions; optimistic
// entries are dropped once a matching confirmed record appears; confirmed
// local records missing from the snapshot are kept (snapshots are
// at-least-once and may be stale, and messages are never deleted
// individually). The result is sorted by (CreatedAt, ID), which makes
// repeated reconciliation of the same input idempotent.
func reconcileMessages(local, incoming []chat.Message) reconcileOutcome {
	merged := make([]chat.Message, 0, len(incoming)+len(local))
	seen := make(map[string]struct{}, len(incoming))
	for _, m := range incoming {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Delivery = chat.DeliveryConfirmed
		merged = append(merged, m)
	}

	for _, m := range local {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		if !m.Confirmed() && hasConfirmedEcho(incoming, m) {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	arrived := len(merged) > len(local) &&
		len(merged) > 0 &&
		merged[len(merged)-1].Role == chat.RoleAssistant

	return reconcileOutcome{merged: merged, assistantArrived: arrived}
}

// hasConfirmedEcho reports whether the snapshot contains a confirmed record
// matching an optimistic entry: same content, role and author, created within
// the match window.
func hasConfirmedEcho(incoming []chat.Message, optimistic chat.Message) bool {
	for _, m := range incoming {
		if m.Content != optimistic.Content || m.Role != optimistic.Role || m.AuthorID != optimistic.AuthorID {
			continue
		}
		delta := m.CreatedAt.Sub(optimistic.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= optimisticMatchWindow {
			return true
		}
	}
	return false
}

// replaceMessage swaps an optimistic entry for the confirmed record the
// store returned for it. The confirmed record keeps its server-assigned id.
func replaceMessage(msgs []chat.Message, optimisticID string, confirmed chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == optimisticID || m.ID == confirmed.ID {
			continue
		}
		out = append(out, m)
	}
	confirmed.Delivery = chat.DeliveryConfirmed
	out = append(out, confirmed)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// markDelivery updates the delivery status of one message in place.
func markDelivery(msgs []chat.Message, id string, status chat.DeliveryStatus) []chat.Message {
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].Delivery = status
			break
		}
	}
	return msgs
}
