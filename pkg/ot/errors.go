package ot

import (
	"errors"
	"fmt"
)

// Sentinel errors every error in this package wraps, so callers can test
// with errors.Is instead of matching on message text.
var (
	// ErrPrecondition means the caller asked for something the current
	// state makes impossible: undoing with nothing to undo, redoing
	// with nothing to redo, generating a request for an unknown user.
	ErrPrecondition = errors.New("ot: precondition violated")

	// ErrProtocol means a request arrived from a peer that this engine
	// cannot make sense of: a vector whose issuer component is not the
	// next slot of the issuer's log, a reference to an unknown
	// participant, an Undo/Redo with no available target in the issuer's
	// log.
	ErrProtocol = errors.New("ot: protocol violated")

	// ErrInternal means translate/transform reached a state the
	// algorithm's own invariants say is impossible. Seeing this means a
	// bug in this package, not bad input.
	ErrInternal = errors.New("ot: internal invariant violated")
)

// PreconditionError wraps ErrPrecondition with context.
type PreconditionError struct{ msg string }

func (e *PreconditionError) Error() string { return "ot: precondition violated: " + e.msg }
func (e *PreconditionError) Unwrap() error  { return ErrPrecondition }

func preconditionf(format string, args ...any) error {
	return &PreconditionError{msg: fmt.Sprintf(format, args...)}
}

// ProtocolError wraps ErrProtocol with context.
type ProtocolError struct{ msg string }

func (e *ProtocolError) Error() string { return "ot: protocol violated: " + e.msg }
func (e *ProtocolError) Unwrap() error  { return ErrProtocol }

func protocolf(format string, args ...any) error {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

// InternalError wraps ErrInternal with context.
type InternalError struct{ msg string }

func (e *InternalError) Error() string { return "ot: internal invariant violated: " + e.msg }
func (e *InternalError) Unwrap() error  { return ErrInternal }

func internalf(format string, args ...any) error {
	return &InternalError{msg: fmt.Sprintf(format, args...)}
}

// IsPrecondition reports whether err is (or wraps) ErrPrecondition, the
// error kind used for caller-correctable failures like undoing with
// nothing to undo.
func IsPrecondition(err error) bool { return errors.Is(err, ErrPrecondition) }

// IsProtocol reports whether err is (or wraps) ErrProtocol.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// IsInternal reports whether err is (or wraps) ErrInternal.
func IsInternal(err error) bool { return errors.Is(err, ErrInternal) }
