package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNoImages = errors.New("no images to process")
	ErrDuration = errors.New("display time must be positive")
)

// Kind classifies why a run failed
type Kind int

const (
	// KindInput covers bad requests: empty batches, unreadable files, a
	// non-positive display time or an unsupported mode.
	KindInput Kind = iota + 1
	// KindGeometry means the computed crop has no area
	KindGeometry
	// KindCollaborator wraps failures of the detector, the video writer or
	// the re-encoder.
	KindCollaborator
	// KindCanceled wraps the context error when a run is interrupted
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindGeometry:
		return "geometry"
	case KindCollaborator:
		return "collaborator"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
