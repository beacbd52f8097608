package negotiation

import "testing"

func TestShouldInitiateExactlyOneCaller(t *testing.T) {
	pairs := [][2]string{
		{"2", "5"},
		{"5", "2"},
		{"1", "100"},
		{"9", "10"}, // numeric compare, not lexicographic
		{"alice", "bob"},
		{"user-42", "user-7"},
		{"42", "user-7"}, // mixed falls back to byte compare
	}

	for _, p := range pairs {
		a, b := p[0], p[1]
		ab := ShouldInitiate(a, b)
		ba := ShouldInitiate(b, a)
		if ab == ba {
			t.Errorf("ShouldInitiate(%q,%q)=%v and ShouldInitiate(%q,%q)=%v; want exactly one true", a, b, ab, b, a, ba)
		}
	}
}

func TestShouldInitiateNumericOrder(t *testing.T) {
	if !ShouldInitiate("5", "2") {
		t.Error("ShouldInitiate(5,2) = false, want true")
	}
	if ShouldInitiate("2", "5") {
		t.Error("ShouldInitiate(2,5) = true, want false")
	}
	if !ShouldInitiate("10", "9") {
		t.Error("ShouldInitiate(10,9) = false, want true (numeric, not lexicographic)")
	}
}

func TestShouldInitiateIrreflexive(t *testing.T) {
	for _, id := range []string{"1", "42", "alice"} {
		if ShouldInitiate(id, id) {
			t.Errorf("ShouldInitiate(%q,%q) = true, want false", id, id)
		}
	}
}

func TestResolveGlareComplementsShouldInitiate(t *testing.T) {
	pairs := [][2]string{{"2", "5"}, {"5", "2"}, {"alice", "bob"}, {"bob", "alice"}, {"9", "10"}}

	for _, p := range pairs {
		local, remote := p[0], p[1]
		res := ResolveGlare(local, remote)
		if ShouldInitiate(local, remote) && res != IgnoreRemote {
			t.Errorf("ResolveGlare(%q,%q) = %v, want ignore-remote for the initiating side", local, remote, res)
		}
		if !ShouldInitiate(local, remote) && res != RollbackLocal {
			t.Errorf("ResolveGlare(%q,%q) = %v, want rollback-local for the non-initiating side", local, remote, res)
		}
	}
}

func TestResolveGlareExactlyOneRollback(t *testing.T) {
	a, b := "2", "5"
	ra := ResolveGlare(a, b)
	rb := ResolveGlare(b, a)
	if ra == rb {
		t.Fatalf("both sides resolved glare the same way (%v); exactly one must roll back", ra)
	}
	if ra != RollbackLocal {
		t.Errorf("lower id %q should roll back, got %v", a, ra)
	}
	if rb != IgnoreRemote {
		t.Errorf("higher id %q should ignore the remote offer, got %v", b, rb)
	}
}
