package custody

import (
	"errors"
	"fmt"
)

// Kind separates transport failures from semantic rejections.
type Kind int

const (
	// KindUnavailable means the authority could not be reached or its
	// reply could not be read.
	KindUnavailable Kind = iota + 1
	// KindRejected means the authority answered with a failure status.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	// ErrUnavailable matches every *Error of KindUnavailable.
	ErrUnavailable = errors.New("custody authority unavailable")
	// ErrRejected matches every *Error of KindRejected.
	ErrRejected = errors.New("custody authority rejected the request")
)

// Error is the typed failure of a custody operation.
type Error struct {
	Kind      Kind
	Operation Operation
	Reason    ResultReason
	Message   string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindUnavailable && e.Err != nil:
		return fmt.Sprintf("custody %s: unavailable: %v", e.Operation, e.Err)
	case e.Message != "":
		return fmt.Sprintf("custody %s: %s: %s", e.Operation, e.Reason, e.Message)
	default:
		return fmt.Sprintf("custody %s: %s", e.Operation, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrUnavailable and ErrRejected by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

func unavailable(op Operation, err error) *Error {
	return &Error{Kind: KindUnavailable, Operation: op, Reason: ReasonGeneralFailure, Err: err}
}

// IsRetryable reports whether repeating the whole operation may succeed.
// Transport failures are retryable; of the rejections only a general
// failure is.
func IsRetryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == KindUnavailable || ce.Reason == ReasonGeneralFailure
}

// HasReason reports whether err is a rejection carrying reason.
func HasReason(err error, reason ResultReason) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindRejected && ce.Reason == reason
}
