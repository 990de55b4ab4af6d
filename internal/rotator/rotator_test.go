package rotator

import "testing"

func TestGetNextEmptyPool(t *testing.T) {
	var r Rotator[string]
	if _, ok := r.GetNext(); ok {
		t.Fatal("expected no item from an empty pool")
	}
	if _, ok := r.Peek(); ok {
		t.Fatal("expected no item from Peek on an empty pool")
	}
}

func TestGetNextChecksBeforeAdvance(t *testing.T) {
	r := New([]string{"a", "b"}, 2)

	// First call in a fresh window must return the current item without
	// advancing: currentUses starts at 0 < usesPerRotation.
	got, ok := r.GetNext()
	if !ok || got != "a" {
		t.Fatalf("first call = %q, %v, want a, true", got, ok)
	}
	got, ok = r.GetNext()
	if !ok || got != "a" {
		t.Fatalf("second call = %q, %v, want a, true", got, ok)
	}
	got, ok = r.GetNext()
	if !ok || got != "b" {
		t.Fatalf("third call = %q, %v, want b, true", got, ok)
	}
}

func TestRoundRobinDistribution(t *testing.T) {
	items := []int{1, 2, 3}
	r := New(items, 2)

	counts := map[int]int{}
	const n = 37
	for i := 0; i < n; i++ {
		v, ok := r.GetNext()
		if !ok {
			t.Fatal("unexpected empty pool")
		}
		counts[v]++
	}

	k := len(items)
	uses := 2
	// Each full rotation window hands out `uses` calls per item, so an item
	// appears uses*floor(n/(k*uses)) to uses*ceil(n/(k*uses)) times.
	lo := uses * (n / (k * uses))
	hi := uses * ((n + k*uses - 1) / (k * uses))
	for _, v := range items {
		c := counts[v]
		if c < lo || c > hi {
			t.Errorf("item %d appeared %d times, want between %d and %d", v, c, lo, hi)
		}
	}
}

func TestSetItemsResetsState(t *testing.T) {
	r := New([]string{"a", "b"}, 1)
	r.GetNext()
	r.GetNext() // now pointing at b

	r.SetItems([]string{"x", "y", "z"}, 0) // clamps to 1
	got, ok := r.Peek()
	if !ok || got != "x" {
		t.Fatalf("after SetItems Peek() = %q, %v, want x, true", got, ok)
	}
}

func TestPeekDoesNotMutate(t *testing.T) {
	r := New([]string{"a", "b"}, 5)
	for i := 0; i < 10; i++ {
		if got, _ := r.Peek(); got != "a" {
			t.Fatalf("Peek mutated state at iteration %d: got %q", i, got)
		}
	}
}
