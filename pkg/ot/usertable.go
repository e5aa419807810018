package ot

import (
	"sort"

	"github.com/shiv248/adopted/internal/vclock"
)

// participant tracks one user's live state: the log of requests they have
// issued, the current (server) state vector, and whether this host owns
// the connection (local) or merely relays it (remote).
type participant struct {
	log    *RequestLog
	vector *vclock.Vector
	local  bool
}

// UserTable holds every participant known to an Algorithm instance and
// the bookkeeping needed to answer "who is known" and "what have they
// seen" questions the transformation engine and the garbage collector
// both depend on.
type UserTable struct {
	users map[PID]*participant
	// order records participants in the order they were added; PIDs()
	// returns a copy of it sorted by id.
	order []PID
}

// NewUserTable returns an empty table.
func NewUserTable() *UserTable {
	return &UserTable{users: make(map[PID]*participant)}
}

// AddUser registers a remote (non-owning) participant with an empty
// log at the given initial vector.
func (t *UserTable) AddUser(pid PID, initial *vclock.Vector) {
	t.add(pid, initial, false)
}

// AddLocalUser registers a participant owned by this host: Algorithm
// will append every Do/Undo/Redo this user issues locally to its log
// before broadcasting.
func (t *UserTable) AddLocalUser(pid PID, initial *vclock.Vector) {
	t.add(pid, initial, true)
}

func (t *UserTable) add(pid PID, initial *vclock.Vector, local bool) {
	if _, ok := t.users[pid]; ok {
		return
	}
	v := vclock.New()
	if initial != nil {
		v = initial.Copy()
	}
	t.users[pid] = &participant{log: NewRequestLog(pid), vector: v, local: local}
	t.order = append(t.order, pid)
}

// RemoveLocalUser demotes a locally-owned participant back to remote:
// it stops being a host-owned connection, but its table entry, log, and
// recorded vector all survive, since other participants' logs may still
// reference its history via associated-request links and future
// translations may still need to walk it.
func (t *UserTable) RemoveLocalUser(pid PID) {
	if p, ok := t.users[pid]; ok {
		p.local = false
	}
}

// Get returns the participant's log and current vector, or (nil, nil,
// false) if pid is unknown.
func (t *UserTable) Get(pid PID) (log *RequestLog, vector *vclock.Vector, ok bool) {
	p, ok := t.users[pid]
	if !ok {
		return nil, nil, false
	}
	return p.log, p.vector, true
}

// Log returns pid's request log, or nil if pid is unknown.
func (t *UserTable) Log(pid PID) *RequestLog {
	p, ok := t.users[pid]
	if !ok {
		return nil
	}
	return p.log
}

// Vector returns pid's current state vector, or nil if pid is unknown.
func (t *UserTable) Vector(pid PID) *vclock.Vector {
	p, ok := t.users[pid]
	if !ok {
		return nil
	}
	return p.vector
}

// SetVector replaces pid's recorded current vector. Algorithm calls this
// after executing a request to record that pid has now seen it.
func (t *UserTable) SetVector(pid PID, v *vclock.Vector) {
	if p, ok := t.users[pid]; ok {
		p.vector = v
	}
}

// IsLocal reports whether pid is owned by this host.
func (t *UserTable) IsLocal(pid PID) bool {
	p, ok := t.users[pid]
	return ok && p.local
}

// PIDs returns every known participant id in a stable, ascending order.
func (t *UserTable) PIDs() []PID {
	out := make([]PID, len(t.order))
	copy(out, t.order)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of known participants.
func (t *UserTable) Len() int { return len(t.users) }
