package swim

import (
	"math"
	"time"
)

// suspicionTimeout computes the canonical SWIM adaptive suspicion timeout,
// extended with min/max adaptive bounds that the single-multiplier
// reference version does not have.
//
//	n           cluster size
//	interval    probeInterval
//	minMulti    suspicionMinMulti
//	maxMulti    suspicionMaxMulti
//
// Returns (k, minTimeout, maxTimeout, initial) where k is the expected
// number of independent confirmations before the minimum timeout applies,
// and initial is the duration the suspicion Timer should be armed with on
// entry to SUSPECT.
func suspicionTimeout(n int, interval time.Duration, minMulti, maxMulti int) (k int, minTimeout, maxTimeout, initial time.Duration) {
	base := math.Log10(math.Max(1, float64(n)))
	if base < 1 {
		base = 1
	}
	tau := time.Duration(base * float64(interval))

	minTimeout = time.Duration(minMulti) * tau
	maxTimeout = time.Duration(maxMulti) * minTimeout

	k = minMulti - 2
	if k < 0 {
		k = 0
	}
	if n-2 < k {
		k = 0
	}

	if k < 1 {
		initial = maxTimeout
	} else {
		initial = minTimeout
	}
	return k, minTimeout, maxTimeout, initial
}

// confirm records a distinct peer's SUSPECT confirmation for this record
// and returns the new timeout the suspicion Timer should be reset to, or
// false if the confirmation was a duplicate (already-seen peer) or the
// record's k is 0 (confirmation-based rescaling not in effect).
//
// Called by NodeManager.onNodeSuspect whenever a duplicate SUSPECT report
// arrives for a node already under suspicion.
func (r *SuspectRecord) confirm(from string, elapsed time.Duration) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.k < 1 {
		return 0, false
	}
	if _, seen := r.confirmations[from]; seen {
		return 0, false
	}
	r.confirmations[from] = struct{}{}
	i := len(r.confirmations)
	if i > r.k {
		return 0, false
	}

	ratio := math.Log10(float64(i)+1) / math.Log10(float64(r.k)+1)
	span := float64(r.maxTimeout - r.minTimeout)
	newTimeout := time.Duration(float64(r.maxTimeout) - ratio*span)
	if newTimeout < r.minTimeout {
		newTimeout = r.minTimeout
	}
	remaining := newTimeout - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
