// Package vclock implements the state-vector algebra the adOPTed
// transformation engine is built on: a sparse map from participant id to
// a monotonically increasing tick, with causal comparison, componentwise
// difference, and least-common-successor.
package vclock

import (
	"encoding/json"
	"sort"
)

// PID identifies a participant. It is a stable, non-zero integer assigned
// externally (by the session host, not by this package).
type PID uint64

// Vector is a state vector: participant id -> tick. A missing entry reads
// as zero. The zero value is a valid, empty vector.
type Vector struct {
	ticks map[PID]uint64
}

// New returns an empty state vector.
func New() *Vector {
	return &Vector{ticks: make(map[PID]uint64)}
}

// Get returns the tick recorded for p, or 0 if p is unknown to this vector.
func (v *Vector) Get(p PID) uint64 {
	if v == nil || v.ticks == nil {
		return 0
	}
	return v.ticks[p]
}

// Set assigns the tick for p.
func (v *Vector) Set(p PID, n uint64) {
	if v.ticks == nil {
		v.ticks = make(map[PID]uint64)
	}
	if n == 0 {
		delete(v.ticks, p)
		return
	}
	v.ticks[p] = n
}

// Add adds k to the tick recorded for p.
func (v *Vector) Add(p PID, k uint64) {
	v.Set(p, v.Get(p)+k)
}

// Copy returns an independent copy of v.
func (v *Vector) Copy() *Vector {
	c := New()
	for p, n := range v.ticks {
		c.ticks[p] = n
	}
	return c
}

// Equal reports whether v and w record the same tick for every participant
// (missing entries and explicit zero entries are equivalent).
func (v *Vector) Equal(w *Vector) bool {
	for p, n := range v.ticks {
		if w.Get(p) != n {
			return false
		}
	}
	for p, n := range w.ticks {
		if v.Get(p) != n {
			return false
		}
	}
	return true
}

// CausallyBefore reports whether v[p] <= w[p] for every participant p, i.e.
// whether every request recorded in v has also been recorded in w.
func (v *Vector) CausallyBefore(w *Vector) bool {
	for p, n := range v.ticks {
		if w.Get(p) < n {
			return false
		}
	}
	return true
}

// VDiff returns the sum, over every participant currently known to the
// caller (the live participant set, not the union of the two vectors' own
// supports), of w[p]-v[p]. The caller must ensure v is causally before w;
// VDiff is not a pure function of the two vectors alone.
func VDiff(v, w *Vector, participants []PID) uint64 {
	var total uint64
	for _, p := range participants {
		total += w.Get(p) - v.Get(p)
	}
	return total
}

// LeastCommonSuccessor returns the componentwise maximum of v and w over
// the given participant set: the smallest vector that both v and w are
// causally before.
func LeastCommonSuccessor(v, w *Vector, participants []PID) *Vector {
	result := New()
	for _, p := range participants {
		a, b := v.Get(p), w.Get(p)
		if b > a {
			a = b
		}
		if a != 0 {
			result.ticks[p] = a
		}
	}
	return result
}

// vectorJSON is the deterministic wire form: a sorted list of (pid, tick)
// pairs, since Go map iteration order is not stable.
type vectorJSON struct {
	Pid  PID    `json:"pid"`
	Tick uint64 `json:"tick"`
}

// MarshalJSON encodes the vector as a key-sorted array for deterministic
// wire output.
func (v *Vector) MarshalJSON() ([]byte, error) {
	entries := make([]vectorJSON, 0, len(v.ticks))
	for p, n := range v.ticks {
		entries = append(entries, vectorJSON{Pid: p, Tick: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Pid < entries[j].Pid })
	return json.Marshal(entries)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var entries []vectorJSON
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	v.ticks = make(map[PID]uint64, len(entries))
	for _, e := range entries {
		if e.Tick != 0 {
			v.ticks[e.Pid] = e.Tick
		}
	}
	return nil
}
