package ot

import "github.com/shiv248/adopted/internal/vclock"

// isComponentReachable reports whether v's component for participant is
// justified by walking backward through that participant's log: a Do
// entry must have already been incorporated (vector+1@participant
// causally before v); an Undo/Redo entry recurses to whatever it is
// associated with.
func (a *Algorithm) isComponentReachable(v *vclock.Vector, participant PID) bool {
	log := a.users.Log(participant)
	current := v

	for {
		n := current.Get(participant)
		if n == 0 {
			return true
		}
		if int(n)-1 < log.Begin() {
			// Trimmed from the log: every participant has long since
			// incorporated it, so it cannot fail to be reachable.
			return true
		}

		req := log.Get(int(n) - 1)
		if req.Kind == KindDo {
			w := req.Vector.Copy()
			w.Add(participant, 1)
			return w.CausallyBefore(v)
		}

		current = log.PrevAssociated(req).Vector
	}
}

// isReachable reports whether every component of v is justified, i.e.
// v describes a state every participant's log can actually account for.
func (a *Algorithm) isReachable(v *vclock.Vector) bool {
	for _, pid := range a.users.PIDs() {
		if !a.isComponentReachable(v, pid) {
			return false
		}
	}
	return true
}

// concurrencyID picks a stable, symmetric tie-break for two requests
// that touch the same position and both need one: the lower PID is
// always told ConcurrencySelf (keep position), the higher ConcurrencyOther
// (yield position). Computed identically regardless of which side calls
// it, so both participants converge on the same resulting document.
func concurrencyID(request, against *Request) ConcurrencyID {
	if request.User < against.User {
		return ConcurrencySelf
	}
	return ConcurrencyOther
}

// transformRequest finds the least common successor of request's and
// against's origins, translates both there, translates the result on to
// at, and finally transforms request's operation against against's.
func (a *Algorithm) transformRequest(request, against *Request, at *vclock.Vector) (*Request, error) {
	lcs := vclock.LeastCommonSuccessor(request.Vector, against.Vector, a.users.PIDs())

	lcsAgainst, err := a.translateRequest(against.Copy(), lcs)
	if err != nil {
		return nil, err
	}
	lcsRequest, err := a.translateRequest(request, lcs)
	if err != nil {
		return nil, err
	}

	atAgainst, err := a.translateRequest(lcsAgainst, at)
	if err != nil {
		return nil, err
	}
	result, err := a.translateRequest(lcsRequest, at)
	if err != nil {
		return nil, err
	}

	cid := ConcurrencyNone
	if result.Op.NeedsConcurrencyID(atAgainst.Op) {
		cid = concurrencyID(request, against)
	}

	transformed, err := result.Op.Transform(atAgainst.Op, cid)
	if err != nil {
		return nil, err
	}

	out := result.Copy()
	out.Op = transformed
	return out, nil
}

// translateRequest computes the operation request would need to carry to
// be applied at state to, given the requests every participant's log
// already records. It never mutates request; the returned Request may
// alias request (when no translation is needed) or an unrelated request
// discovered along the way (when a late mirror resolves the translation)
// — callers besides the recursion itself should only read the result's
// Op, not assume its Kind/User/Vector describe the translation target.
//
// The search follows five ordered strategies, preferring the cheapest
// one that applies: identity, late mirror (an Undo/Redo already at its
// target once its own component is rolled back), late fold (skip past a
// concurrent Undo/Redo pair that cancels out), a transform that avoids
// folding across a Do later, and finally an unconditional transform.
func (a *Algorithm) translateRequest(request *Request, to *vclock.Vector) (*Request, error) {
	log := a.users.Log(request.User)
	if log == nil {
		return nil, protocolf("translate: request from unknown participant %d", request.User)
	}

	vector := request.Vector
	v := to.Copy()

	if request.Kind != KindDo {
		associated := log.PrevAssociated(request)
		if associated == nil {
			return nil, internalf("translate: %s request has no associated request", request.Kind)
		}

		v.Set(request.User, associated.Vector.Get(request.User))

		if a.isReachable(v) {
			result, err := a.translateRequest(associated.Copy(), v)
			if err != nil {
				return nil, err
			}
			distance := int(to.Get(request.User)) - int(v.Get(request.User))
			out := result.Copy()
			out.Op = out.Op.Mirror(distance)
			return out, nil
		}
		v.Set(request.User, to.Get(request.User))
	} else if vector.Equal(to) {
		return request, nil
	}

	for _, uid := range a.users.PIDs() {
		if uid == request.User {
			continue
		}
		n := v.Get(uid)
		if n == 0 {
			continue
		}

		ulog := a.users.Log(uid)
		associated := ulog.Get(int(n) - 1)

		if associated.Kind != KindDo {
			prior := ulog.PrevAssociated(associated)
			if prior == nil {
				return nil, internalf("translate: %s request has no associated request", associated.Kind)
			}
			v.Set(uid, prior.Vector.Get(uid))

			if a.isReachable(v) && vector.CausallyBefore(v) {
				result, err := a.translateRequest(request, v)
				if err != nil {
					return nil, err
				}
				distance := int(to.Get(uid)) - int(v.Get(uid))
				out := result.Copy()
				out.Op = out.Op.Fold(uid, distance)
				return out, nil
			}
			v.Set(uid, to.Get(uid))
		} else if vector.Get(uid) < to.Get(uid) {
			v.Set(uid, n-1)
			if a.isReachable(v) {
				return a.transformRequest(request, associated, v)
			}
			v.Set(uid, n)
		}
	}

	for _, uid := range a.users.PIDs() {
		if uid == request.User {
			continue
		}
		n := v.Get(uid)
		if n == 0 {
			continue
		}

		if vector.Get(uid) < to.Get(uid) {
			v.Set(uid, n-1)
			if a.isReachable(v) {
				ulog := a.users.Log(uid)
				associated := ulog.Get(int(n) - 1)
				return a.transformRequest(request, associated, v)
			}
			v.Set(uid, n)
		}
	}

	return nil, internalf("translate: no transform strategy applied for request from %d to target vector", request.User)
}
