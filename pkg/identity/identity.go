// Package identity is the boundary contract for the external identity
// collaborator. Token acquisition and refresh live entirely behind it.
package identity

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Provider supplies the current user and exposes sign-out.
type Provider interface {
	UserID() string
	SignOut(ctx context.Context) error
}

// Static is a fixed-user Provider for local stores, tests and the CLI.
type Static struct {
	mu        sync.Mutex
	userID    string
	signedOut bool
}

var _ Provider = &Static{}

// NewStatic returns a provider for the given user id.
func NewStatic(userID string) *Static {
	return &Static{userID: userID}
}

func (s *Static) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signedOut {
		return ""
	}
	return s.userID
}

func (s *Static) SignOut(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signedOut {
		return errors.New("already signed out")
	}
	s.signedOut = true
	return nil
}
