package ot

import "github.com/shiv248/adopted/internal/vclock"

// Kind tags the three request variants adOPTed exchanges between
// participants.
type Kind int

const (
	// KindDo carries an Operation to apply.
	KindDo Kind = iota
	// KindUndo requests reversal of the most recent undoable request
	// this user issued.
	KindUndo
	// KindRedo requests re-application of the most recently undone
	// request this user issued.
	KindRedo
)

func (k Kind) String() string {
	switch k {
	case KindDo:
		return "Do"
	case KindUndo:
		return "Undo"
	case KindRedo:
		return "Redo"
	default:
		return "Unknown"
	}
}

// Request is a single Do/Undo/Redo action, stamped with the state vector
// in which it was produced and the issuing participant. It is treated as
// immutable after construction; the engine works with copies when it
// needs to mutate a request along a translation path.
type Request struct {
	Kind   Kind
	User   PID
	Vector *vclock.Vector
	// Op carries the operation for a Do request. It is nil for Undo/Redo
	// requests as constructed by a caller; the transformation engine
	// populates the Op of intermediate translation results even for
	// Undo/Redo kinds, since every translate() ultimately resolves to a
	// concrete operation to apply.
	Op Operation
}

// NewDo constructs a Do request.
func NewDo(vector *vclock.Vector, user PID, op Operation) *Request {
	return &Request{Kind: KindDo, User: user, Vector: vector, Op: op}
}

// NewUndo constructs an Undo request.
func NewUndo(vector *vclock.Vector, user PID) *Request {
	return &Request{Kind: KindUndo, User: user, Vector: vector}
}

// NewRedo constructs a Redo request.
func NewRedo(vector *vclock.Vector, user PID) *Request {
	return &Request{Kind: KindRedo, User: user, Vector: vector}
}

// Copy returns an independent copy of r.
func (r *Request) Copy() *Request {
	cp := &Request{Kind: r.Kind, User: r.User, Vector: r.Vector.Copy()}
	if r.Op != nil {
		cp.Op = r.Op.Copy()
	}
	return cp
}

// AffectsBuffer reports whether executing r mutates the document buffer.
// A Do request affects the buffer iff its operation does; Undo and Redo
// always affect the buffer (they exist only to reverse or replay a buffer
// mutation).
func (r *Request) AffectsBuffer() bool {
	if r.Kind != KindDo {
		return true
	}
	return AffectsBuffer(r.Op)
}
