package session

import (
	"sync"
	"time"
)

// AwaiterState is the lifecycle position of one response awaiter. An awaiter
// is created armed and reaches exactly one terminal state; re-arming a chat
// means creating a fresh awaiter after the old one left the controller's map.
type AwaiterState int

const (
	AwaiterArmed AwaiterState = iota
	AwaiterFulfilled
	AwaiterExpired
	AwaiterCanceled
)

func (s AwaiterState) String() string {
	switch s {
	case AwaiterArmed:
		return "armed"
	case AwaiterFulfilled:
		return "fulfilled"
	case AwaiterExpired:
		return "expired"
	case AwaiterCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Awaiter is the per-chat timer bounding how long the controller waits for
// an assistant reply. The deadline timer is the only cancellable resource
// the controller owns.
type Awaiter struct {
	chatID string

	mu    sync.Mutex
	state AwaiterState
	timer *time.Timer
}

// armAwaiter starts the deadline timer. onExpire runs at most once, on the
// timer goroutine, and only if no other terminal transition happened first.
func armAwaiter(chatID string, deadline time.Duration, onExpire func(a *Awaiter)) *Awaiter {
	a := &Awaiter{chatID: chatID, state: AwaiterArmed}
	a.timer = time.AfterFunc(deadline, func() {
		if a.transition(AwaiterExpired) && onExpire != nil {
			onExpire(a)
		}
	})
	return a
}

// ChatID returns the chat this awaiter governs.
func (a *Awaiter) ChatID() string {
	return a.chatID
}

// State returns the current lifecycle position.
func (a *Awaiter) State() AwaiterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Fulfill records assistant arrival. Returns false if a terminal transition
// already happened.
func (a *Awaiter) Fulfill() bool {
	return a.transition(AwaiterFulfilled)
}

// Cancel stops the wait because the chat was deselected or deleted, or the
// reply action failed for real.
func (a *Awaiter) Cancel() bool {
	return a.transition(AwaiterCanceled)
}

// transition moves armed -> to and stops the timer. The lock is released
// before any caller-side work so expiry callbacks can re-enter the
// controller without ordering hazards.
func (a *Awaiter) transition(to AwaiterState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AwaiterArmed {
		return false
	}
	a.state = to
	if a.timer != nil {
		a.timer.Stop()
	}
	return true
}
