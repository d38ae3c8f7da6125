package clock

import "testing"

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Ordering
	}{
		{"both empty", VectorClock{}, VectorClock{}, Equal},
		{"identical", VectorClock{"n1": 1, "n2": 2}, VectorClock{"n1": 1, "n2": 2}, Equal},
		{"strictly before", VectorClock{"n1": 1}, VectorClock{"n1": 2}, Before},
		{"strictly after", VectorClock{"n1": 3, "n2": 1}, VectorClock{"n1": 2, "n2": 1}, After},
		{"concurrent", VectorClock{"n1": 2, "n2": 1}, VectorClock{"n1": 1, "n2": 2}, Concurrent},
		{"disjoint nodes concurrent", VectorClock{"a": 2}, VectorClock{"b": 3}, Concurrent},
		{"missing entries read as zero", VectorClock{"n1": 1}, VectorClock{"n1": 1, "n2": 1}, Before},
		{"zero entry equals absent", VectorClock{"n1": 1, "n2": 0}, VectorClock{"n1": 1}, Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareAntisymmetric(t *testing.T) {
	a := VectorClock{"n1": 1, "n2": 5}
	b := VectorClock{"n1": 2, "n2": 5}
	if Compare(a, b) != Before {
		t.Errorf("Compare(a, b) = %v, want Before", Compare(a, b))
	}
	if Compare(b, a) != After {
		t.Errorf("Compare(b, a) = %v, want After", Compare(b, a))
	}
}

func TestTickOrdering(t *testing.T) {
	vc := VectorClock{"n1": 1}
	ticked := vc.Copy().Tick("n1").Tick("n1")
	if got := Compare(ticked, vc); got != After {
		t.Errorf("Compare(tick(tick(vc)), vc) = %v, want After", got)
	}
}

func TestMergeTakesPointwiseMax(t *testing.T) {
	a := VectorClock{"n1": 3, "n2": 1}
	b := VectorClock{"n2": 4, "n3": 2}
	a.Merge(b)

	want := VectorClock{"n1": 3, "n2": 4, "n3": 2}
	if Compare(a, want) != Equal {
		t.Errorf("Merge result = %v, want %v", a, want)
	}
	if !Dominates(a, b) {
		t.Error("merged clock must dominate both inputs")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	a := VectorClock{"n1": 1}
	b := a.Copy()
	b.Tick("n1")
	if a["n1"] != 1 {
		t.Errorf("Copy shares storage: original mutated to %d", a["n1"])
	}
}

func TestDominates(t *testing.T) {
	a := VectorClock{"n1": 2, "n2": 2}
	b := VectorClock{"n1": 2, "n2": 1}
	if !Dominates(a, b) {
		t.Error("Dominates(a, b) = false, want true")
	}
	if Dominates(b, a) {
		t.Error("Dominates(b, a) = true, want false")
	}
	if !Dominates(a, a.Copy()) {
		t.Error("a must dominate its own copy")
	}
}

func TestIsConcurrentWithAny(t *testing.T) {
	vc := VectorClock{"n1": 1, "n3": 1}
	heads := []VectorClock{
		{"n1": 2},             // concurrent with vc
		{"n1": 1, "n3": 2},    // after vc
	}
	if !IsConcurrentWithAny(vc, heads) {
		t.Error("IsConcurrentWithAny = false, want true")
	}
	if IsConcurrentWithAny(vc, heads[1:]) {
		t.Error("IsConcurrentWithAny against only a descendant = true, want false")
	}
	if IsConcurrentWithAny(vc, nil) {
		t.Error("IsConcurrentWithAny against nothing = true, want false")
	}
}

func TestOrderingString(t *testing.T) {
	tests := []struct {
		o    Ordering
		want string
	}{
		{Before, "before"},
		{After, "after"},
		{Concurrent, "concurrent"},
		{Equal, "equal"},
		{Ordering(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
