// Package textop provides the sample text operations the transformation
// engine in package ot is exercised against: inserting and deleting a
// run of runes at a position, addressed the way libinftext addresses
// text operations — by rune offset, not byte offset.
package textop

import (
	"fmt"

	"github.com/shiv248/adopted/pkg/buffer"
	"github.com/shiv248/adopted/pkg/ot"
)

// Insert inserts Text at Position.
type Insert struct {
	Position int
	Text     string
}

// Delete removes Length runes starting at Position. Deleted holds the
// text that was actually removed, captured by MakeReversible once the
// operation has been translated to the state it is about to execute at;
// it is empty until then.
type Delete struct {
	Position int
	Length   int
	Deleted  string
}

func runeLen(s string) int { return buffer.RuneCount(s) }

func doc(buf ot.Buffer) (*buffer.Document, error) {
	d, ok := buf.(*buffer.Document)
	if !ok {
		return nil, fmt.Errorf("textop: buffer is not a *buffer.Document")
	}
	return d, nil
}

// Copy returns an independent copy of op.
func (op Insert) Copy() ot.Operation { return Insert{Position: op.Position, Text: op.Text} }

// Apply inserts op's text into buffer at op.Position.
func (op Insert) Apply(_ ot.PID, buf ot.Buffer) error {
	d, err := doc(buf)
	if err != nil {
		return err
	}
	return d.InsertAt(op.Position, op.Text)
}

// Transform adjusts op's position to account for against having already
// been applied.
func (op Insert) Transform(against ot.Operation, cid ot.ConcurrencyID) (ot.Operation, error) {
	switch other := against.(type) {
	case Insert:
		switch {
		case op.Position < other.Position:
			return op.Copy(), nil
		case op.Position > other.Position:
			return Insert{Position: op.Position + runeLen(other.Text), Text: op.Text}, nil
		default:
			// Same position: the concurrency ID breaks the tie so both
			// sides agree on one winner without consulting anything
			// beyond who issued each request.
			if cid == ot.ConcurrencySelf {
				return op.Copy(), nil
			}
			return Insert{Position: op.Position + runeLen(other.Text), Text: op.Text}, nil
		}
	case Delete:
		switch {
		case op.Position >= other.Position+other.Length:
			return Insert{Position: op.Position - other.Length, Text: op.Text}, nil
		case op.Position < other.Position:
			return op.Copy(), nil
		default:
			return Insert{Position: other.Position, Text: op.Text}, nil
		}
	default:
		return nil, fmt.Errorf("textop: Insert cannot transform against %T", against)
	}
}

// Mirror realizes repeated undo/redo of this insert: undone once
// (distance odd) it is the deletion of what it inserted; undone an even
// number of times it is itself again.
func (op Insert) Mirror(distance int) ot.Operation {
	if distance%2 == 0 {
		return op.Copy()
	}
	return Delete{Position: op.Position, Length: runeLen(op.Text), Deleted: op.Text}
}

// Fold collapses one telescoping Undo/Redo pair of some other user that
// this operation was transformed past rather than against: the pair
// cancels with no net effect, so op passes through unchanged. The
// translation path that calls Fold only ever folds one adjacent
// Do/Undo-or-Redo pair at a time (see DESIGN.md), so distance is always
// exactly 2; an odd distance would mean a single unmatched toggle
// survived the fold, which that path cannot produce.
func (op Insert) Fold(_ ot.PID, distance int) ot.Operation {
	if distance%2 != 0 {
		panic("textop: Fold received an odd distance, which the request log's associated-request chain cannot produce")
	}
	return op.Copy()
}

// IsReversible reports that an insert always carries what it needs to be
// undone (the text it inserted).
func (op Insert) IsReversible() bool { return true }

// MakeReversible is a no-op for Insert: it is already reversible.
func (op Insert) MakeReversible(_ ot.Operation, _ ot.Buffer) (ot.Operation, bool) {
	return op, true
}

// Flags reports that Insert mutates the buffer, unless it inserts no text.
func (op Insert) Flags() ot.OpFlags {
	if op.Text == "" {
		return 0
	}
	return ot.FlagAffectsBuffer
}

// NeedsConcurrencyID reports true when against is also an Insert at the
// same position this operation targets.
func (op Insert) NeedsConcurrencyID(against ot.Operation) bool {
	other, ok := against.(Insert)
	return ok && other.Position == op.Position
}

// Copy returns an independent copy of op.
func (op Delete) Copy() ot.Operation {
	return Delete{Position: op.Position, Length: op.Length, Deleted: op.Deleted}
}

// Apply removes op.Length runes at op.Position from buffer.
func (op Delete) Apply(_ ot.PID, buf ot.Buffer) error {
	d, err := doc(buf)
	if err != nil {
		return err
	}
	_, err = d.DeleteAt(op.Position, op.Length)
	return err
}

// Transform adjusts op's range to account for against having already
// been applied.
func (op Delete) Transform(against ot.Operation, cid ot.ConcurrencyID) (ot.Operation, error) {
	switch other := against.(type) {
	case Insert:
		insertedAt := other.Position
		insertedLen := runeLen(other.Text)
		switch {
		case insertedAt <= op.Position:
			return Delete{Position: op.Position + insertedLen, Length: op.Length, Deleted: op.Deleted}, nil
		case insertedAt >= op.Position+op.Length:
			return op.Copy(), nil
		default:
			// The insert landed inside the range being deleted: split
			// the delete so the inserted text survives.
			firstLen := insertedAt - op.Position
			secondLen := op.Length - firstLen
			return SplitDelete{
				Delete{Position: op.Position, Length: firstLen},
				Delete{Position: insertedAt + insertedLen, Length: secondLen},
			}, nil
		}
	case Delete:
		switch {
		case op.Position+op.Length <= other.Position:
			return op.Copy(), nil
		case op.Position >= other.Position+other.Length:
			return Delete{Position: op.Position - other.Length, Length: op.Length, Deleted: op.Deleted}, nil
		default:
			// Overlapping deletes: shrink to whatever this delete would
			// still remove once other's range is gone.
			lo := op.Position
			hi := op.Position + op.Length
			if other.Position > lo {
				lo = other.Position
			}
			if other.Position+other.Length < hi {
				hi = other.Position + other.Length
			}
			overlap := hi - lo
			if overlap < 0 {
				overlap = 0
			}
			newLen := op.Length - overlap
			newPos := op.Position
			if other.Position < op.Position {
				shift := other.Length - overlap
				newPos -= shift
			}
			return Delete{Position: newPos, Length: newLen, Deleted: ""}, nil
		}
	default:
		return nil, fmt.Errorf("textop: Delete cannot transform against %T", against)
	}
}

// Mirror realizes repeated undo/redo of this delete: undone once
// (distance odd) it is the reinsertion of the text it removed; undone an
// even number of times it is itself again. Deleted must already be
// populated (via MakeReversible) for an odd distance.
func (op Delete) Mirror(distance int) ot.Operation {
	if distance%2 == 0 {
		return op.Copy()
	}
	return Insert{Position: op.Position, Text: op.Deleted}
}

// Fold mirrors Insert.Fold's reasoning for deletes: a toggle pair folded
// by the translation path always cancels, so distance is always even.
func (op Delete) Fold(_ ot.PID, distance int) ot.Operation {
	if distance%2 != 0 {
		panic("textop: Fold received an odd distance, which the request log's associated-request chain cannot produce")
	}
	return op.Copy()
}

// IsReversible reports whether the deleted text has already been
// captured.
func (op Delete) IsReversible() bool { return op.Deleted != "" || op.Length == 0 }

// MakeReversible captures the text translated would remove from buffer,
// so a later Mirror can reinsert it.
func (op Delete) MakeReversible(translated ot.Operation, buf ot.Buffer) (ot.Operation, bool) {
	t, ok := translated.(Delete)
	if !ok {
		return op, false
	}
	d, err := doc(buf)
	if err != nil {
		return op, false
	}
	if t.Position+t.Length > d.RuneLen() {
		return op, false
	}
	text := string([]rune(d.String())[t.Position : t.Position+t.Length])
	return Delete{Position: op.Position, Length: op.Length, Deleted: text}, true
}

// Flags reports that Delete mutates the buffer, unless it removes nothing.
func (op Delete) Flags() ot.OpFlags {
	if op.Length == 0 {
		return 0
	}
	return ot.FlagAffectsBuffer
}

// NeedsConcurrencyID reports false: overlapping deletes resolve purely
// from their ranges, with no symmetric tie to break.
func (op Delete) NeedsConcurrencyID(ot.Operation) bool { return false }

// SplitDelete is the transform result of a Delete whose range an
// intervening Insert landed inside: applying it is deleting both halves.
type SplitDelete [2]Delete

func (s SplitDelete) Copy() ot.Operation { return SplitDelete{s[0], s[1]} }

func (s SplitDelete) Apply(user ot.PID, buf ot.Buffer) error {
	if err := s[1].Apply(user, buf); err != nil {
		return err
	}
	return s[0].Apply(user, buf)
}

func (s SplitDelete) Transform(against ot.Operation, cid ot.ConcurrencyID) (ot.Operation, error) {
	a, err := s[0].Transform(against, cid)
	if err != nil {
		return nil, err
	}
	b, err := s[1].Transform(against, cid)
	if err != nil {
		return nil, err
	}
	return SplitDelete{a.(Delete), b.(Delete)}, nil
}

func (s SplitDelete) Mirror(distance int) ot.Operation {
	if distance%2 == 0 {
		return s.Copy()
	}
	return Insert{Position: s[0].Position, Text: s[0].Deleted + s[1].Deleted}
}

// Fold mirrors Insert.Fold's reasoning: see there for why distance is
// always even on the one path that calls Fold.
func (s SplitDelete) Fold(_ ot.PID, distance int) ot.Operation {
	if distance%2 != 0 {
		panic("textop: Fold received an odd distance, which the request log's associated-request chain cannot produce")
	}
	return s.Copy()
}

func (s SplitDelete) IsReversible() bool { return s[0].IsReversible() && s[1].IsReversible() }

func (s SplitDelete) MakeReversible(translated ot.Operation, buf ot.Buffer) (ot.Operation, bool) {
	t, ok := translated.(SplitDelete)
	if !ok {
		return s, false
	}
	a, ok1 := s[0].MakeReversible(t[0], buf)
	b, ok2 := s[1].MakeReversible(t[1], buf)
	if !ok1 || !ok2 {
		return s, false
	}
	return SplitDelete{a.(Delete), b.(Delete)}, true
}

func (s SplitDelete) Flags() ot.OpFlags { return ot.FlagAffectsBuffer }

func (s SplitDelete) NeedsConcurrencyID(ot.Operation) bool { return false }
