package ot

// logSlot is one entry in a RequestLog, addressed by its absolute slot
// number (the owner's vector component at the time it was appended).
type logSlot struct {
	req *Request

	// associated is the absolute slot this entry's Undo/Redo targets, or
	// -1 for a Do entry (or an Undo/Redo with no recorded target, which
	// should not occur past construction-time validation).
	associated int

	// nextInChain is the absolute slot of a later entry that associates
	// back to this one (set when that later entry is appended), or -1
	// if none yet exists. Following nextInChain repeatedly reaches
	// upper_related(r).
	nextInChain int
}

// RequestLog is the append-only, per-participant sequence of requests
// described in spec §4.2: dense between Begin() and End(), with
// associated-request linkage between Undo/Redo entries and the Do/Redo
// or Undo they target, and bounded prefix trimming via RemovePrefixUpto.
type RequestLog struct {
	owner   PID
	begin   int // slot number of the oldest retained entry
	entries []logSlot
}

// NewRequestLog creates an empty log for the given owner.
func NewRequestLog(owner PID) *RequestLog {
	return &RequestLog{owner: owner}
}

// Owner returns the participant this log belongs to.
func (l *RequestLog) Owner() PID { return l.owner }

// Begin returns the slot number of the oldest retained request.
func (l *RequestLog) Begin() int { return l.begin }

// End returns one past the slot number of the newest request (so
// End()-Begin() == the number of retained requests).
func (l *RequestLog) End() int { return l.begin + len(l.entries) }

// Len returns the number of retained requests.
func (l *RequestLog) Len() int { return len(l.entries) }

// Get returns the request at absolute slot n. n must satisfy
// Begin() <= n < End().
func (l *RequestLog) Get(n int) *Request {
	return l.entries[n-l.begin].req
}

// Add appends r to the log. The caller must have already set r's own
// vector component for this log's owner to End() (true by construction
// for every request Algorithm builds, since a participant's current
// vector component always tracks its log length). Undo/Redo entries are
// linked to the current last entry; an Undo must follow a Do/Redo and a
// Redo must follow an Undo, which Algorithm validates before calling Add.
func (l *RequestLog) Add(r *Request) {
	slot := l.End()
	if int(r.Vector.Get(l.owner)) != slot {
		panic("ot: request appended out of order with its own log position")
	}

	associated := -1
	if r.Kind != KindDo {
		if len(l.entries) == 0 {
			panic("ot: Undo/Redo appended to empty request log")
		}
		last := slot - 1
		associated = last
		l.entries[last-l.begin].nextInChain = slot
	}

	l.entries = append(l.entries, logSlot{req: r, associated: associated, nextInChain: -1})
}

// NextUndo returns the request that a new Undo by this user would
// target, or nil if none is available. Per spec §4.2's tie-break: a Do
// or Redo becomes undoable as soon as it is added; an Undo does not (it
// is itself reversed by a Redo, not a further Undo).
func (l *RequestLog) NextUndo() *Request {
	if len(l.entries) == 0 {
		return nil
	}
	last := l.entries[len(l.entries)-1]
	if last.req.Kind == KindUndo {
		return nil
	}
	return last.req
}

// NextRedo returns the request that a new Redo by this user would
// target, or nil if none is available.
func (l *RequestLog) NextRedo() *Request {
	if len(l.entries) == 0 {
		return nil
	}
	last := l.entries[len(l.entries)-1]
	if last.req.Kind != KindUndo {
		return nil
	}
	return last.req
}

// PrevAssociated returns the request r's Undo/Redo targets, or nil if r
// is a Do request (which has no associated predecessor). r need not
// already be appended to the log: Add's invariant is that an Undo/Redo
// always associates with the literal immediately preceding slot, so this
// is computed from r's own vector component rather than read back out of
// a stored entry, which also lets a freshly constructed Undo/Redo (not
// yet appended) resolve what it targets before Add is called on it.
func (l *RequestLog) PrevAssociated(r *Request) *Request {
	if r.Kind == KindDo {
		return nil
	}
	idx := int(r.Vector.Get(l.owner)) - l.begin - 1
	if idx < 0 || idx >= len(l.entries) {
		panic("ot: PrevAssociated on request outside retained log range")
	}
	return l.entries[idx].req
}

// OriginalRequest walks r's Undo/Redo/Do chain backward via
// PrevAssociated until it reaches the original Do ancestor, and returns
// it. If r is itself a Do, it returns r.
func (l *RequestLog) OriginalRequest(r *Request) *Request {
	cur := r
	for cur.Kind != KindDo {
		cur = l.PrevAssociated(cur)
	}
	return cur
}

// UpperRelated returns the newest request transitively linked to r
// through associated-request chains (following nextInChain forward). If
// no later request associates to r, UpperRelated returns r.
func (l *RequestLog) UpperRelated(r *Request) *Request {
	idx := int(r.Vector.Get(l.owner)) - l.begin
	for {
		next := l.entries[idx].nextInChain
		if next < 0 {
			return l.entries[idx].req
		}
		idx = next - l.begin
	}
}

// RemovePrefixUpto discards every retained slot strictly below n. It is
// the caller's responsibility (see Algorithm.gcLogs) to never discard a
// request that is still prev_associated of another request present in
// any log.
func (l *RequestLog) RemovePrefixUpto(n int) {
	if n <= l.begin {
		return
	}
	if n > l.End() {
		n = l.End()
	}
	drop := n - l.begin
	l.entries = l.entries[drop:]
	l.begin = n
}
