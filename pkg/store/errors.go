package store

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error crossing the store boundary. The controller keys
// its recovery behavior off this structured code rather than matching on
// human-readable error text.
type Kind int

const (
	// KindNetwork is a transport failure; the operation may succeed on retry.
	KindNetwork Kind = iota
	// KindRemote means the store received and rejected the operation.
	KindRemote
	// KindShapeMismatch is the benign response-shape anomaly the AI-reply
	// action is known to produce while the reply still arrives via the feed.
	KindShapeMismatch
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRemote:
		return "remote"
	case KindShapeMismatch:
		return "shape-mismatch"
	default:
		return "unknown"
	}
}

// Error wraps a store failure with its classification and the operation that
// produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified store error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are treated
// as remote failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindRemote
}

// IsShapeMismatch reports whether err is the benign AI-reply anomaly.
func IsShapeMismatch(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindShapeMismatch
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNetwork
}
