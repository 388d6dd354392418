package swim

import (
	"testing"
	"time"
)

func TestSuspicionTimeout_LargerClusterYieldsLargerTau(t *testing.T) {
	_, minSmall, _, _ := suspicionTimeout(3, time.Second, 5, 6)
	_, minLarge, _, _ := suspicionTimeout(300, time.Second, 5, 6)

	if minLarge <= minSmall {
		t.Errorf("minTimeout for n=300 (%v) should exceed n=3 (%v)", minLarge, minSmall)
	}
}

func TestSuspicionTimeout_MaxExceedsMin(t *testing.T) {
	_, minT, maxT, _ := suspicionTimeout(20, time.Second, 5, 6)
	if maxT <= minT {
		t.Errorf("maxTimeout (%v) should exceed minTimeout (%v)", maxT, minT)
	}
}

func TestSuspicionTimeout_SmallClusterHasNoConfirmationWindow(t *testing.T) {
	k, _, maxT, initial := suspicionTimeout(2, time.Second, 5, 6)
	if k != 0 {
		t.Errorf("k for a 2-node cluster = %d, want 0 (not enough peers to confirm)", k)
	}
	if initial != maxT {
		t.Errorf("initial = %v, want maxTimeout %v when k=0", initial, maxT)
	}
}

func TestSuspectRecord_ConfirmIgnoresDuplicatePeer(t *testing.T) {
	r := newSuspectRecord(&Node{Name: "target"}, 3, 100*time.Millisecond, 600*time.Millisecond)

	if _, ok := r.confirm("peer-a", 0); !ok {
		t.Fatal("first confirmation from peer-a should be accepted")
	}
	if _, ok := r.confirm("peer-a", 0); ok {
		t.Error("duplicate confirmation from peer-a should be rejected")
	}
}

func TestSuspectRecord_ConfirmRejectedWhenKIsZero(t *testing.T) {
	r := newSuspectRecord(&Node{Name: "target"}, 0, 100*time.Millisecond, 600*time.Millisecond)
	if _, ok := r.confirm("peer-a", 0); ok {
		t.Error("confirm should be rejected when k=0")
	}
}

func TestSuspectRecord_ConfirmShrinksTimeoutTowardMin(t *testing.T) {
	r := newSuspectRecord(&Node{Name: "target"}, 3, 100*time.Millisecond, 600*time.Millisecond)

	remaining, ok := r.confirm("peer-a", 0)
	if !ok {
		t.Fatal("confirmation should be accepted")
	}
	if remaining > 600*time.Millisecond {
		t.Errorf("remaining = %v, want <= maxTimeout 600ms", remaining)
	}
	if remaining < 0 {
		t.Errorf("remaining = %v, want >= 0", remaining)
	}
}

func TestSuspectRecord_ConfirmBeyondKIsRejected(t *testing.T) {
	r := newSuspectRecord(&Node{Name: "target"}, 1, 100*time.Millisecond, 600*time.Millisecond)

	if _, ok := r.confirm("peer-a", 0); !ok {
		t.Fatal("confirmation within k should be accepted")
	}
	if _, ok := r.confirm("peer-b", 0); ok {
		t.Error("confirmation beyond k should be rejected")
	}
}

func TestSuspectRecord_ConfirmNeverReturnsNegativeRemaining(t *testing.T) {
	r := newSuspectRecord(&Node{Name: "target"}, 3, 100*time.Millisecond, 600*time.Millisecond)
	remaining, ok := r.confirm("peer-a", time.Hour) // elapsed far exceeds any timeout
	if !ok {
		t.Fatal("confirmation should be accepted")
	}
	if remaining != 0 {
		t.Errorf("remaining = %v, want 0 when elapsed exceeds computed timeout", remaining)
	}
}
