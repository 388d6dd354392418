package swim

import "sync"

// broadcastItem is a serialized gossip message ready to piggy-back on an
// outgoing datagram.
type broadcastItem struct {
	subject   string
	payload   []byte
	transmits int
}

// BroadcastQueue is the gossip disseminator: a priority queue of pending
// items keyed by subject node name, ordered by transmit count so the
// least-sent items always go out first. It is a binary min-heap
// generalized from a static base priority to a transmit count that
// increases every time an item is fetched, and from age-based starvation
// boosting to a transmit-count eviction policy: no item is ever dropped
// for age alone, only for reaching the caller-supplied retransmit limit.
//
// Push is O(log n); Fetch pops and reinserts every queued item. All
// operations are safe for concurrent use.
type BroadcastQueue struct {
	mu    sync.Mutex
	items []*broadcastItem
	index map[string]int // subject -> position in items, kept in sync by swap ops
}

// NewBroadcastQueue returns an empty queue.
func NewBroadcastQueue() *BroadcastQueue {
	return &BroadcastQueue{
		index: make(map[string]int),
	}
}

// Push enqueues payload under subject. An existing item for the same
// subject is replaced outright — its transmit count resets, since the new
// payload supersedes whatever state was pending before.
func (q *BroadcastQueue) Push(subject string, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i, ok := q.index[subject]; ok {
		q.items[i].payload = payload
		q.items[i].transmits = 0
		q.siftDown(i)
		q.siftUp(i)
		return
	}

	item := &broadcastItem{subject: subject, payload: payload}
	q.items = append(q.items, item)
	i := len(q.items) - 1
	q.index[subject] = i
	q.siftUp(i)
}

// Fetch returns an ordered batch of payloads whose combined length does not
// exceed maxBytes, preferring the items with the lowest transmit count.
// Every returned item's transmit counter is incremented; any item whose
// count then reaches maxTransmits is evicted from the queue, so an item is
// returned at most maxTransmits times. Returns an
// empty slice if the queue is empty or nothing fits.
func (q *BroadcastQueue) Fetch(maxTransmits, maxBytes int) [][]byte {
	if maxTransmits <= 0 || maxBytes <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out [][]byte
	used := 0

	// Pop-and-collect in transmit-count order, then reinsert the survivors.
	// The queue is small (bounded by cluster size) so this is cheap.
	var held []*broadcastItem
	for len(q.items) > 0 {
		item := q.popMin()
		if used+len(item.payload) > maxBytes {
			held = append(held, item)
			continue
		}
		used += len(item.payload)
		item.transmits++
		out = append(out, item.payload)
		if item.transmits < maxTransmits {
			held = append(held, item)
		}
		// else: evicted, do not reinsert.
	}
	for _, item := range held {
		q.items = append(q.items, item)
		q.siftUp(len(q.items) - 1)
	}
	q.reindex()

	return out
}

// Len reports the number of pending items.
func (q *BroadcastQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ─── Min-heap internals, keyed on transmits; ties fall to heap position ────

func (q *BroadcastQueue) less(i, j int) bool {
	return q.items[i].transmits < q.items[j].transmits
}

func (q *BroadcastQueue) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].subject] = i
	q.index[q.items[j].subject] = j
}

func (q *BroadcastQueue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if q.less(i, parent) {
			q.swap(i, parent)
			i = parent
		} else {
			break
		}
	}
}

func (q *BroadcastQueue) siftDown(i int) {
	n := len(q.items)
	for {
		smallest := i
		left, right := 2*i+1, 2*i+2
		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			break
		}
		q.swap(i, smallest)
		i = smallest
	}
}

// popMin removes and returns the minimum-transmit item. Caller holds q.mu.
func (q *BroadcastQueue) popMin() *broadcastItem {
	top := q.items[0]
	last := len(q.items) - 1
	q.items[0] = q.items[last]
	q.items = q.items[:last]
	if len(q.items) > 0 {
		q.siftDown(0)
	}
	return top
}

// reindex rebuilds the subject->position map after a bulk reinsertion.
// Caller holds q.mu.
func (q *BroadcastQueue) reindex() {
	for k := range q.index {
		delete(q.index, k)
	}
	for i, item := range q.items {
		q.index[item.subject] = i
	}
}
