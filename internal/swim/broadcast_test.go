package swim

import "testing"

func TestBroadcastQueue_FetchOrdersByTransmitCount(t *testing.T) {
	q := NewBroadcastQueue()
	q.Push("a", []byte("aaaa"))
	q.Push("b", []byte("bbbb"))

	// One fetch bumps both to transmits=1; a freshly pushed "c" has
	// transmits=0, so a fetch whose budget fits one item must pick it.
	first := q.Fetch(4, 1024)
	if len(first) != 2 {
		t.Fatalf("len(first fetch) = %d, want 2", len(first))
	}
	q.Push("c", []byte("cccc"))
	second := q.Fetch(4, 4)
	if len(second) != 1 || string(second[0]) != "cccc" {
		t.Fatalf("second fetch = %q, want [cccc] (lowest transmit count first)", second)
	}
}

func TestBroadcastQueue_FetchRespectsByteBudget(t *testing.T) {
	q := NewBroadcastQueue()
	q.Push("a", make([]byte, 100))
	q.Push("b", make([]byte, 100))

	out := q.Fetch(4, 150)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1 (budget only fits one item)", len(out))
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (unfetched item stays queued)", q.Len())
	}
}

func TestBroadcastQueue_EvictsAtMaxTransmits(t *testing.T) {
	q := NewBroadcastQueue()
	q.Push("a", []byte("x"))

	for i := 0; i < 3; i++ {
		out := q.Fetch(3, 1024)
		if len(out) != 1 {
			t.Fatalf("fetch %d: len(out) = %d, want 1", i, len(out))
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() after %d fetches at maxTransmits=3 = %d, want 0 (evicted)", 3, q.Len())
	}
}

func TestBroadcastQueue_PushReplacesExistingSubject(t *testing.T) {
	q := NewBroadcastQueue()
	q.Push("a", []byte("old"))
	q.Fetch(10, 1024) // bump transmits to 1
	q.Push("a", []byte("new"))

	out := q.Fetch(10, 1024)
	if len(out) != 1 || string(out[0]) != "new" {
		t.Fatalf("Fetch() = %v, want [new] (replace resets transmits and payload)", out)
	}
}

func TestBroadcastQueue_FetchEmptyQueue(t *testing.T) {
	q := NewBroadcastQueue()
	out := q.Fetch(4, 1024)
	if len(out) != 0 {
		t.Errorf("Fetch() on empty queue = %v, want empty", out)
	}
}

func TestBroadcastQueue_IndexStaysConsistentAfterManyPushes(t *testing.T) {
	q := NewBroadcastQueue()
	subjects := []string{"a", "b", "c", "d", "e", "f", "g"}
	for round := 0; round < 5; round++ {
		for _, s := range subjects {
			q.Push(s, []byte(s))
		}
	}
	if q.Len() != len(subjects) {
		t.Fatalf("Len() = %d, want %d (repeated pushes to the same subjects must not grow the queue)", q.Len(), len(subjects))
	}

	out := q.Fetch(10, 1024)
	if len(out) != len(subjects) {
		t.Fatalf("Fetch() returned %d items, want %d", len(out), len(subjects))
	}
}
