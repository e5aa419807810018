package ot

import "github.com/shiv248/adopted/internal/vclock"

// localState tracks the last can-undo/can-redo verdicts reported to a
// locally-owned participant, so events fire only on change.
type localState struct {
	canUndo bool
	canRedo bool
}

// Algorithm orchestrates one document's worth of adOPTed state: the
// participant table, the current (locally known) state vector, pending
// out-of-order requests, and the buffer every executed operation is
// applied to. It is not safe for concurrent use; callers are expected
// to run every Algorithm method for a given document from a single
// logical executor (e.g. one goroutine reading a mailbox channel).
type Algorithm struct {
	users   *UserTable
	current *vclock.Vector
	buffer  Buffer
	queue   []*Request

	// MaxTotalLogSize bounds how far behind priv.current a request's
	// origin may fall before it becomes un-undoable and eligible for
	// log garbage collection. Zero means unbounded.
	MaxTotalLogSize uint64

	local map[PID]*localState

	// OnApplyRequest is invoked after a request (local or remote) has
	// been translated to the current state and should be realized
	// against the caller's view of the buffer.
	OnApplyRequest func(user PID, translated *Request)
	// OnCanUndoChanged fires when a local participant's undo
	// availability flips.
	OnCanUndoChanged func(user PID, can bool)
	// OnCanRedoChanged fires when a local participant's redo
	// availability flips.
	OnCanRedoChanged func(user PID, can bool)
}

// NewAlgorithm creates an engine with an empty participant table at the
// zero state vector, operating on buffer.
func NewAlgorithm(buffer Buffer) *Algorithm {
	return &Algorithm{
		users:   NewUserTable(),
		current: vclock.New(),
		buffer:  buffer,
		local:   make(map[PID]*localState),
	}
}

// Current returns the engine's current state vector. Callers must treat
// it as read-only.
func (a *Algorithm) Current() *vclock.Vector { return a.current }

// AddUser registers a remote participant.
func (a *Algorithm) AddUser(pid PID, initial *vclock.Vector) {
	a.users.AddUser(pid, initial)
}

// AddLocalUser registers a participant owned by this host and begins
// tracking its undo/redo availability.
func (a *Algorithm) AddLocalUser(pid PID, initial *vclock.Vector) {
	a.users.AddLocalUser(pid, initial)
	a.local[pid] = &localState{}
	a.recomputeUndoRedo()
}

// RemoveLocalUser demotes a locally-owned participant back to remote and
// stops tracking its undo/redo availability. Its log and recorded vector
// are left intact; other participants' translations may still need them.
func (a *Algorithm) RemoveLocalUser(pid PID) {
	a.users.RemoveLocalUser(pid)
	delete(a.local, pid)
}

// CanUndo reports whether the given local participant currently has an
// undoable request.
func (a *Algorithm) CanUndo(user PID) bool {
	ls, ok := a.local[user]
	return ok && ls.canUndo
}

// CanRedo reports whether the given local participant currently has a
// redoable request.
func (a *Algorithm) CanRedo(user PID) bool {
	ls, ok := a.local[user]
	return ok && ls.canRedo
}

// GenerateRequest builds a Do request for op issued by user, applies it
// to the buffer, and returns the request to broadcast to other
// participants.
func (a *Algorithm) GenerateRequest(user PID, op Operation) (*Request, error) {
	return a.generate(user, op, true)
}

// GenerateRequestNoExec builds and records a Do request without applying
// it to the buffer; the caller is responsible for applying op's effect
// itself before the next request is generated or received.
func (a *Algorithm) GenerateRequestNoExec(user PID, op Operation) (*Request, error) {
	return a.generate(user, op, false)
}

func (a *Algorithm) generate(user PID, op Operation, apply bool) (*Request, error) {
	if !a.users.IsLocal(user) {
		return nil, preconditionf("user %d is not local", user)
	}

	req := NewDo(a.current.Copy(), user, op)
	if err := a.execute(req, apply); err != nil {
		return nil, err
	}
	a.gcLogs()
	a.recomputeUndoRedo()
	return req, nil
}

// GenerateUndo builds an Undo request for user's most recent undoable
// request, applies its inverse to the buffer, and returns the request to
// broadcast.
func (a *Algorithm) GenerateUndo(user PID) (*Request, error) {
	if !a.users.IsLocal(user) {
		return nil, preconditionf("user %d is not local", user)
	}
	if !a.CanUndo(user) {
		return nil, preconditionf("user %d has nothing to undo", user)
	}

	req := NewUndo(a.current.Copy(), user)
	if err := a.execute(req, true); err != nil {
		return nil, err
	}
	a.gcLogs()
	a.recomputeUndoRedo()
	return req, nil
}

// GenerateRedo builds a Redo request for user's most recently undone
// request, applies it to the buffer, and returns the request to
// broadcast.
func (a *Algorithm) GenerateRedo(user PID) (*Request, error) {
	if !a.users.IsLocal(user) {
		return nil, preconditionf("user %d is not local", user)
	}
	if !a.CanRedo(user) {
		return nil, preconditionf("user %d has nothing to redo", user)
	}

	req := NewRedo(a.current.Copy(), user)
	if err := a.execute(req, true); err != nil {
		return nil, err
	}
	a.gcLogs()
	a.recomputeUndoRedo()
	return req, nil
}

// ReceiveRequest processes a request received from a remote participant.
// If its vector is not yet reachable from the current state it is
// queued until the intervening requests arrive.
func (a *Algorithm) ReceiveRequest(req *Request) error {
	if a.users.IsLocal(req.User) {
		return preconditionf("request from %d claims to be local", req.User)
	}
	_, userVector, ok := a.users.Get(req.User)
	if !ok {
		return protocolf("request from unknown participant %d", req.User)
	}

	if userVector.CausallyBefore(req.Vector) {
		next := req.Vector.Copy()
		if req.AffectsBuffer() {
			next.Add(req.User, 1)
		}
		a.users.SetVector(req.User, next)
	}

	if !req.Vector.CausallyBefore(a.current) {
		a.queue = append(a.queue, req)
	} else {
		if err := a.execute(req, true); err != nil {
			return err
		}
		a.drainQueue()
	}

	a.gcLogs()
	a.recomputeUndoRedo()
	return nil
}

func (a *Algorithm) drainQueue() {
	for {
		progressed := false
		for i, queued := range a.queue {
			if queued.Vector.CausallyBefore(a.current) {
				if err := a.execute(queued, true); err == nil {
					a.queue = append(a.queue[:i], a.queue[i+1:]...)
					progressed = true
				}
				break
			}
		}
		if !progressed {
			return
		}
	}
}

// execute translates req to the current state, applies it to the
// buffer, records it in the issuing log when it affects the buffer, and
// advances priv.current.
func (a *Algorithm) execute(req *Request, apply bool) error {
	log := a.users.Log(req.User)
	if log == nil {
		return protocolf("execute: unknown participant %d", req.User)
	}
	if slot := req.Vector.Get(req.User); int(slot) != log.End() {
		return protocolf("execute: request from %d is stamped for slot %d, log expects %d", req.User, slot, log.End())
	}
	if (req.Kind == KindUndo && log.NextUndo() == nil) || (req.Kind == KindRedo && log.NextRedo() == nil) {
		return protocolf("execute: %s from %d has no target in its log", req.Kind, req.User)
	}

	logRequest := req
	if req.Kind != KindDo {
		original := log.OriginalRequest(req)
		v := original.Vector.Copy()
		v.Set(req.User, req.Vector.Get(req.User))
		switch req.Kind {
		case KindUndo:
			logRequest = NewUndo(v, req.User)
		case KindRedo:
			logRequest = NewRedo(v, req.User)
		}
	}

	translated, err := a.translateRequest(logRequest.Copy(), a.current)
	if err != nil {
		return err
	}

	if req.Kind == KindDo {
		if AffectsBuffer(req.Op) {
			logRequest = req
			if !req.Op.IsReversible() {
				if reversible, ok := req.Op.MakeReversible(translated.Op, a.buffer); ok {
					logRequest = NewDo(req.Vector, req.User, reversible)
				}
			}
		} else {
			logRequest = nil
		}
	}

	if logRequest != nil {
		log.Add(logRequest)
		a.current.Add(req.User, 1)
		a.propagateCurrentToLocalUsers()
	}

	if apply && a.OnApplyRequest != nil {
		a.OnApplyRequest(req.User, translated)
	}
	if apply && translated.Op != nil {
		if err := translated.Op.Apply(req.User, a.buffer); err != nil {
			return err
		}
	}

	return nil
}

// propagateCurrentToLocalUsers keeps every local participant's recorded
// UserTable vector equal to priv.current: a local participant always
// executes synchronously (see execute), so it has by definition
// incorporated everything up to current the moment current advances.
// Without this, gcLogs' vdiff comparisons against a local participant's
// recorded vector would use a stale value and block eviction it need
// not block.
func (a *Algorithm) propagateCurrentToLocalUsers() {
	for pid := range a.local {
		a.users.SetVector(pid, a.current.Copy())
	}
}

// canUndoRedo reports whether request (the next undoable/redoable entry
// in log, or nil) is still within the bounded log-retention window.
func (a *Algorithm) canUndoRedo(log *RequestLog, request *Request) bool {
	if request == nil {
		return false
	}
	if a.MaxTotalLogSize == 0 {
		return true
	}
	original := log.OriginalRequest(request)
	diff := vclock.VDiff(original.Vector, a.current, a.users.PIDs())
	return diff < a.MaxTotalLogSize
}

func (a *Algorithm) recomputeUndoRedo() {
	for _, pid := range a.users.PIDs() {
		ls, ok := a.local[pid]
		if !ok {
			continue
		}
		log := a.users.Log(pid)
		canUndo := a.canUndoRedo(log, log.NextUndo())
		canRedo := a.canUndoRedo(log, log.NextRedo())

		if ls.canUndo != canUndo {
			ls.canUndo = canUndo
			if a.OnCanUndoChanged != nil {
				a.OnCanUndoChanged(pid, canUndo)
			}
		}
		if ls.canRedo != canRedo {
			ls.canRedo = canRedo
			if a.OnCanRedoChanged != nil {
				a.OnCanRedoChanged(pid, canRedo)
			}
		}
	}
}

// logRemoval is a candidate group of requests old enough to discard,
// together with whatever still-live requests block the discard.
type logRemoval struct {
	log      *RequestLog
	upper    *Request
	blockers []*Request
}

// gcLogs trims every participant's request log down to what remains
// necessary: a request older than MaxTotalLogSize (measured against the
// slowest participant; one that has not yet seen it counts as zero) is
// removed unless some
// other participant's log still holds a request that references it
// through an associated-request chain.
func (a *Algorithm) gcLogs() {
	if a.MaxTotalLogSize == 0 {
		return
	}
	removals := a.createRemovals()
	a.findBlockers(removals)
	a.performRemovals(removals)
}

func (a *Algorithm) createRemovals() []*logRemoval {
	var removals []*logRemoval
	pids := a.users.PIDs()

	for _, pid := range pids {
		log := a.users.Log(pid)
		if log.Len() == 0 {
			continue
		}
		oldest := log.Get(log.Begin())

		// vdiff from the oldest retained request to the slowest
		// participant, where a participant that has not yet seen it
		// contributes 0; a bug in the reference
		// implementation this engine is modeled on used a stale
		// per-participant vdiff here instead of this minimum, which let
		// requests get evicted before every participant had actually
		// caught up with them.
		minVdiff := ^uint64(0)
		for _, other := range pids {
			otherVector := a.users.Vector(other)
			if oldest.Vector.CausallyBefore(otherVector) {
				d := vclock.VDiff(oldest.Vector, otherVector, pids)
				if d < minVdiff {
					minVdiff = d
				}
			} else if minVdiff > 0 {
				minVdiff = 0
			}
		}

		if minVdiff > a.MaxTotalLogSize {
			removals = append(removals, &logRemoval{
				log:   log,
				upper: log.UpperRelated(oldest),
			})
		}
	}

	return removals
}

func (a *Algorithm) findBlockers(removals []*logRemoval) {
	for _, removal := range removals {
		uid := removal.upper.User
		upperComp := int(removal.upper.Vector.Get(uid))

		for _, pid := range a.users.PIDs() {
			log := a.users.Log(pid)
			begin, end := log.Begin(), log.End()

			for begin < end {
				mid := (begin + end) / 2
				if int(log.Get(mid).Vector.Get(uid)) <= upperComp {
					begin = mid + 1
				} else {
					end = mid
				}
			}

			if begin > log.Begin() {
				candidate := log.Get(begin - 1)
				if int(candidate.Vector.Get(uid)) <= upperComp {
					removal.blockers = append(removal.blockers, candidate)
				}
			}
		}
	}
}

func (a *Algorithm) performRemovals(removals []*logRemoval) {
	for _, removal := range removals {
		if len(removal.blockers) == 0 {
			n := removal.upper.Vector.Get(removal.upper.User)
			removal.log.RemovePrefixUpto(int(n) + 1)
		}
	}
}
