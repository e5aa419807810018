package vclock

import "testing"

func TestGetDefaultsToZero(t *testing.T) {
	v := New()
	if v.Get(7) != 0 {
		t.Fatalf("expected 0 for unknown participant")
	}
}

func TestSetAndGet(t *testing.T) {
	v := New()
	v.Set(1, 5)
	if v.Get(1) != 5 {
		t.Fatalf("got %d, want 5", v.Get(1))
	}
	v.Set(1, 0)
	if v.Get(1) != 0 {
		t.Fatalf("setting to 0 should clear the entry")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	v := New()
	v.Set(1, 3)
	c := v.Copy()
	c.Set(1, 9)
	if v.Get(1) != 3 {
		t.Fatalf("mutating copy affected original")
	}
}

func TestEqual(t *testing.T) {
	a := New()
	a.Set(1, 2)
	b := New()
	b.Set(1, 2)
	b.Set(2, 0)
	if !a.Equal(b) {
		t.Fatalf("vectors with only zero-valued differences should be equal")
	}
	b.Set(2, 1)
	if a.Equal(b) {
		t.Fatalf("vectors should differ once a real entry diverges")
	}
}

func TestCausallyBefore(t *testing.T) {
	a := New()
	a.Set(1, 1)
	b := New()
	b.Set(1, 2)
	b.Set(2, 1)
	if !a.CausallyBefore(b) {
		t.Fatalf("a should be causally before b")
	}
	if b.CausallyBefore(a) {
		t.Fatalf("b should not be causally before a")
	}

	// Disjoint supports: comparisons use 0 defaults.
	c := New()
	c.Set(3, 1)
	if a.CausallyBefore(c) {
		t.Fatalf("a has component 1:1 that c lacks, should not be before c")
	}
}

func TestVDiff(t *testing.T) {
	a := New()
	a.Set(1, 1)
	a.Set(2, 1)
	b := New()
	b.Set(1, 3)
	b.Set(2, 2)

	// Only participant 1 and 2 known.
	if got := VDiff(a, b, []PID{1, 2}); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}

	// A participant that joined later with 0 ticks contributes 0.
	if got := VDiff(a, b, []PID{1, 2, 3}); got != 3 {
		t.Fatalf("newly joined participant with 0 ticks should contribute 0, got %d", got)
	}
}

func TestLeastCommonSuccessor(t *testing.T) {
	a := New()
	a.Set(1, 3)
	a.Set(2, 1)
	b := New()
	b.Set(1, 1)
	b.Set(2, 4)

	lcs := LeastCommonSuccessor(a, b, []PID{1, 2})
	if lcs.Get(1) != 3 || lcs.Get(2) != 4 {
		t.Fatalf("got (%d,%d), want (3,4)", lcs.Get(1), lcs.Get(2))
	}
	if !a.CausallyBefore(lcs) || !b.CausallyBefore(lcs) {
		t.Fatalf("lcs must be a successor of both inputs")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	v := New()
	v.Set(5, 2)
	v.Set(1, 9)

	data, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Vector
	if err := decoded.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !v.Equal(&decoded) {
		t.Fatalf("round trip changed the vector")
	}
}
