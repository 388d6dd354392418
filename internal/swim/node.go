package swim

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// NodeStatus is the lifecycle state of a membership record.
type NodeStatus int

const (
	// StatusDead is the initial value on discovery, before any
	// ALIVE/SUSPECT/DEAD message has been processed for the node.
	StatusDead NodeStatus = iota
	StatusAlive
	StatusSuspect
)

func (s NodeStatus) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Node is the membership record for one process in the cluster.
type Node struct {
	Name            string
	Host            string
	Port            uint16
	Incarnation     uint64
	Version         uint8
	Metadata        map[string]string
	Status          NodeStatus
	StatusChangedAt time.Time

	// conn is the transient TCP sync stream for this node, if one is
	// currently open. Owned by the node so it can be closed without
	// reaching back into ClusterCore's connection table.
	conn net.Conn
}

// Addr renders the node's UDP/TCP endpoint as "host:port".
func (n *Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}

// closeConn closes and clears any open TCP sync stream. Safe to call when
// no stream is open.
func (n *Node) closeConn() {
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
}

func (n *Node) cloneMetadata() map[string]string {
	if n.Metadata == nil {
		return nil
	}
	out := make(map[string]string, len(n.Metadata))
	for k, v := range n.Metadata {
		out[k] = v
	}
	return out
}

// snapshot returns a copy of the node safe to hand to callers outside the
// NodeManager lock (Members(), gossip encoding, sync payloads). The
// transient conn handle is intentionally dropped from snapshots.
func (n *Node) snapshot() Node {
	return Node{
		Name:            n.Name,
		Host:            n.Host,
		Port:            n.Port,
		Incarnation:     n.Incarnation,
		Version:         n.Version,
		Metadata:        n.cloneMetadata(),
		Status:          n.Status,
		StatusChangedAt: n.StatusChangedAt,
	}
}

// mergeMetadata unions src into the node's metadata, last writer wins per
// key. A nil src is a no-op.
func (n *Node) mergeMetadata(src map[string]string) {
	if len(src) == 0 {
		return
	}
	if n.Metadata == nil {
		n.Metadata = make(map[string]string, len(src))
	}
	for k, v := range src {
		n.Metadata[k] = v
	}
}

// SuspectRecord is auxiliary state held only while a node is SUSPECT.
type SuspectRecord struct {
	node          *Node
	timer         *Timer
	k             int
	minTimeout    time.Duration
	maxTimeout    time.Duration
	confirmations map[string]struct{} // distinct peer names that also suspect this node

	mu         sync.Mutex
	changedAt  time.Time // stamp of the status change that created this record
}

func newSuspectRecord(n *Node, k int, minTimeout, maxTimeout time.Duration) *SuspectRecord {
	return &SuspectRecord{
		node:          n,
		k:             k,
		minTimeout:    minTimeout,
		maxTimeout:    maxTimeout,
		confirmations: make(map[string]struct{}),
		changedAt:     time.Now(),
	}
}

// probeWaiter correlates an outstanding probe with its resolution. exactly
// one waiter exists per seq at any time; a single value is sent on result
// exactly once via sync.Once so ACK, NACK, and timeout race safely (first
// writer wins).
type probeWaiter struct {
	seq    uint64
	target string
	once   sync.Once
	result chan bool // true = ack, false = nack/timeout
}

func newProbeWaiter(seq uint64, target string) *probeWaiter {
	return &probeWaiter{
		seq:    seq,
		target: target,
		result: make(chan bool, 1),
	}
}

// resolve delivers ok on the waiter's result channel exactly once. Later
// calls are no-ops, implementing first-writer-wins.
func (w *probeWaiter) resolve(ok bool) {
	w.once.Do(func() {
		w.result <- ok
	})
}

