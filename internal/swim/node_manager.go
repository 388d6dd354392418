package swim

import (
	"math/rand/v2"
	"sync"
	"time"
)

// NodeManager holds the authoritative in-memory membership and drives the
// SWIM state machine's alive/suspect/dead transitions. All mutating
// handlers acquire a single exclusive lock; the lock is never held while
// emitting events, so a handler that calls back into NodeManager does not
// deadlock.
//
// Incarnation arbitration and refutation follow the canonical SWIM
// reference algorithm (aliveNode/suspectNode/deadNode), extended with an
// adaptive min/max suspicion timeout and a confirmation-counting hook the
// reference algorithm does not have. The handlers return no errors: reports
// about unknown nodes or with conflicting addresses are logged, and stale
// reports are ignored.
type NodeManager struct {
	mu        sync.Mutex
	nodesMap  map[string]int
	nodes     []*Node
	localName string
	leaving   bool
	localSeq  *SequenceGenerator

	suspects map[string]*SuspectRecord

	broadcast *BroadcastQueue
	events    *EventManager
	cfg       *Config
}

// NewNodeManager constructs an empty NodeManager. cfg must already have
// withDefaults applied.
func NewNodeManager(cfg *Config, broadcast *BroadcastQueue, events *EventManager) *NodeManager {
	return &NodeManager{
		nodesMap:  make(map[string]int),
		localSeq:  NewSequenceGenerator(),
		suspects:  make(map[string]*SuspectRecord),
		broadcast: broadcast,
		events:    events,
		cfg:       cfg,
	}
}

// setLocalNode registers the embedding process's own identity. Called once
// at startup; allocates incarnation 1 and runs the normal onNodeAlive path
// with bootstrap=true.
func (m *NodeManager) setLocalNode(name, host string, port uint16, metadata map[string]string) {
	m.mu.Lock()
	m.localName = name
	m.mu.Unlock()

	incarnation := m.localSeq.Next() // first call returns 1
	m.onNodeAlive(name, incarnation, host, port, metadata, true)
}

// leaveLocalNode marks the local node as leaving and broadcasts DEAD about
// itself. After this call, refutation is suppressed for DEAD messages
// about the local node — they are accepted instead of triggering a
// re-alive broadcast.
func (m *NodeManager) leaveLocalNode() {
	m.mu.Lock()
	m.leaving = true
	name := m.localName
	var incarnation uint64
	if idx, ok := m.nodesMap[name]; ok {
		incarnation = m.nodes[idx].Incarnation
	}
	m.mu.Unlock()

	m.onNodeDead(name, incarnation, name)
}

// onNodeAlive applies an ALIVE report to the membership table.
func (m *NodeManager) onNodeAlive(name string, incarnation uint64, host string, port uint16, metadata map[string]string, bootstrap bool) {
	m.mu.Lock()

	idx, known := m.nodesMap[name]
	var n *Node
	if !known {
		n = &Node{Name: name, Host: host, Port: port, Status: StatusDead}
		idx = m.insertNewNode(n)
	} else {
		n = m.nodes[idx]
		if n.Host != "" && n.Port != 0 && (n.Host != host || n.Port != port) {
			m.mu.Unlock()
			m.cfg.Logger.Printf("swim: ignoring ALIVE for %s: address conflict (have %s:%d, got %s:%d)",
				name, n.Host, n.Port, host, port)
			return
		}
	}

	if incarnation <= n.Incarnation {
		m.mu.Unlock()
		return // stale, including the idempotent-replay case
	}

	if n.Status == StatusSuspect {
		m.cancelSuspicionLocked(name)
	}

	wasStatus := n.Status
	n.Incarnation = incarnation
	n.Status = StatusAlive
	n.StatusChangedAt = time.Now()
	n.Host, n.Port = host, port
	n.mergeMetadata(metadata)

	m.enqueueBroadcastLocked(&AliveMessage{
		Node:        name,
		Incarnation: incarnation,
		Host:        n.Host,
		Port:        n.Port,
		Metadata:    n.cloneMetadata(),
	})

	snap := n.snapshot()
	m.updateMemberGaugeLocked()
	m.mu.Unlock()

	_ = bootstrap // informational only: unknown-node path is identical either way
	if wasStatus != StatusAlive {
		m.events.Emit(EventNodeAlive, &snap)
	}
}

// onNodeSuspect applies a SUSPECT report to the membership table. sender
// is the peer reporting the suspicion, used for distinct-sender
// confirmation counting; a duplicate SUSPECT for an already-suspect node
// records the confirmation rather than being a no-op.
func (m *NodeManager) onNodeSuspect(name string, incarnation uint64, sender string, metadata map[string]string) {
	m.mu.Lock()

	idx, known := m.nodesMap[name]
	if !known {
		m.mu.Unlock()
		m.cfg.Logger.Printf("swim: ignoring SUSPECT for unknown node %s", name)
		return
	}
	n := m.nodes[idx]

	if n.Status == StatusDead {
		m.mu.Unlock()
		return
	}
	if incarnation < n.Incarnation {
		m.mu.Unlock()
		return // stale
	}

	if name == m.localName {
		m.refuteLocked(n)
		m.mu.Unlock()
		m.cfg.Metrics.Refutations.Inc()
		return
	}

	if n.Status == StatusSuspect {
		m.recordConfirmationLocked(name, sender)
		m.mu.Unlock()
		return
	}

	n.Incarnation = incarnation
	n.Status = StatusSuspect
	n.StatusChangedAt = time.Now()
	n.mergeMetadata(metadata)

	k, minT, maxT, initial := suspicionTimeout(len(m.nodes), m.cfg.ProbeInterval, m.cfg.SuspicionMinMulti, m.cfg.SuspicionMaxMulti)
	rec := newSuspectRecord(n, k, minT, maxT)
	rec.timer = NewTimer(initial, func() { m.onSuspicionExpired(name) })
	rec.timer.start()
	m.suspects[name] = rec

	m.enqueueBroadcastLocked(&SuspectMessage{Node: name, Incarnation: incarnation, Sender: m.localName})

	snap := n.snapshot()
	m.mu.Unlock()

	m.cfg.Metrics.Suspicions.Inc()
	m.events.Emit(EventNodeSuspect, &snap)
}

// onSuspicionExpired fires when a SuspectRecord's Timer elapses without
// being cancelled by a newer ALIVE/DEAD. It promotes the node to DEAD at
// its last-known incarnation.
func (m *NodeManager) onSuspicionExpired(name string) {
	m.mu.Lock()
	idx, known := m.nodesMap[name]
	if !known {
		m.mu.Unlock()
		return
	}
	if _, stillSuspect := m.suspects[name]; !stillSuspect {
		m.mu.Unlock()
		return // cancelled between firing and lock acquisition
	}
	incarnation := m.nodes[idx].Incarnation
	m.mu.Unlock()

	m.cfg.Metrics.Promotions.Inc()
	m.onNodeDead(name, incarnation, m.localNameSnapshot())
}

// onNodeDead applies a DEAD report to the membership table.
func (m *NodeManager) onNodeDead(name string, incarnation uint64, sender string) {
	m.mu.Lock()

	idx, known := m.nodesMap[name]
	if !known {
		m.mu.Unlock()
		m.cfg.Logger.Printf("swim: ignoring DEAD for unknown node %s", name)
		return
	}
	n := m.nodes[idx]

	if n.Status == StatusDead {
		m.mu.Unlock()
		return
	}
	if incarnation < n.Incarnation {
		m.mu.Unlock()
		return // stale
	}

	if name == m.localName && !m.leaving {
		m.refuteLocked(n)
		m.mu.Unlock()
		m.cfg.Metrics.Refutations.Inc()
		return
	}

	if n.Status == StatusSuspect {
		m.cancelSuspicionLocked(name)
	}

	wasStatus := n.Status
	n.Incarnation = incarnation
	n.Status = StatusDead
	n.StatusChangedAt = time.Now()
	n.closeConn()

	m.enqueueBroadcastLocked(&DeadMessage{Node: name, Incarnation: incarnation, Sender: sender})

	snap := n.snapshot()
	m.updateMemberGaugeLocked()
	m.mu.Unlock()

	if wasStatus != StatusDead {
		m.events.Emit(EventNodeDead, &snap)
	}
}

// refuteLocked bumps the local incarnation and broadcasts ALIVE about the
// local node, refuting a stale SUSPECT or DEAD report. Caller holds m.mu
// and n must be the local node's record.
func (m *NodeManager) refuteLocked(n *Node) {
	newIncarnation := m.localSeq.Next()
	n.Incarnation = newIncarnation
	n.Status = StatusAlive
	n.StatusChangedAt = time.Now()
	m.enqueueBroadcastLocked(&AliveMessage{
		Node:        n.Name,
		Incarnation: newIncarnation,
		Host:        n.Host,
		Port:        n.Port,
		Metadata:    n.cloneMetadata(),
	})
}

// recordConfirmationLocked implements the confirmation-counting hook that
// rescales a suspicion timeout as independent peers corroborate it. Caller
// holds m.mu.
func (m *NodeManager) recordConfirmationLocked(name, sender string) {
	if sender == "" || sender == name {
		return
	}
	rec, ok := m.suspects[name]
	if !ok {
		return
	}
	elapsed := time.Since(rec.changedAt)
	if newTimeout, changed := rec.confirm(sender, elapsed); changed {
		rec.timer.reset(newTimeout)
	}
}

// cancelSuspicionLocked stops and removes the SuspectRecord for name, if
// any. Caller holds m.mu.
func (m *NodeManager) cancelSuspicionLocked(name string) {
	if rec, ok := m.suspects[name]; ok {
		rec.timer.stop()
		delete(m.suspects, name)
	}
}

// insertNewNode appends n and swaps it into a uniformly random existing
// slot: new nodes must not always land at the tail, or probe order would
// deterministically delay detecting them. Caller holds m.mu. Returns n's
// final index.
func (m *NodeManager) insertNewNode(n *Node) int {
	oldLen := len(m.nodes)
	offset := 0
	if oldLen > 0 {
		offset = rand.IntN(oldLen)
	}
	m.nodes = append(m.nodes, n)
	m.nodes[offset], m.nodes[oldLen] = m.nodes[oldLen], m.nodes[offset]
	m.nodesMap[m.nodes[offset].Name] = offset
	m.nodesMap[m.nodes[oldLen].Name] = oldLen
	return offset
}

// enqueueBroadcastLocked encodes msg and pushes it onto the broadcast
// queue keyed by the subject node name. Caller holds m.mu.
func (m *NodeManager) enqueueBroadcastLocked(msg any) {
	frame, err := encodeFrame(msg)
	if err != nil {
		m.cfg.Logger.Printf("swim: failed to encode broadcast: %v", err)
		return
	}
	m.broadcast.Push(subjectOf(msg), frame)
	m.cfg.Metrics.BroadcastQueueLen.Set(float64(m.broadcast.Len()))
}

func (m *NodeManager) updateMemberGaugeLocked() {
	m.cfg.Metrics.MemberCount.Set(float64(len(m.nodes)))
}

func subjectOf(msg any) string {
	switch v := msg.(type) {
	case *AliveMessage:
		return v.Node
	case *SuspectMessage:
		return v.Node
	case *DeadMessage:
		return v.Node
	default:
		return ""
	}
}

func (m *NodeManager) localNameSnapshot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localName
}

// byName returns a snapshot copy of the node named name, if known.
func (m *NodeManager) byName(name string) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.nodesMap[name]
	if !ok {
		return Node{}, false
	}
	return m.nodes[idx].snapshot(), true
}

// at returns a snapshot copy of the node at position i in the ordered
// membership, for round-robin probe selection.
func (m *NodeManager) at(i int) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.nodes) {
		return Node{}, false
	}
	return m.nodes[i].snapshot(), true
}

// length returns the current membership size (any status).
func (m *NodeManager) length() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// members returns a snapshot of the full ordered membership.
func (m *NodeManager) members() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, len(m.nodes))
	for i, n := range m.nodes {
		out[i] = n.snapshot()
	}
	return out
}

// randomAliveExcept returns up to k distinct nodes that are ALIVE and not
// named in exclude, in random order. Used for indirect-probe relay
// selection and the sync scheduler's random peer pick.
func (m *NodeManager) randomAliveExcept(k int, exclude map[string]struct{}) []Node {
	m.mu.Lock()
	candidates := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.Status != StatusAlive {
			continue
		}
		if _, skip := exclude[n.Name]; skip {
			continue
		}
		candidates = append(candidates, n)
	}
	m.mu.Unlock()

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]Node, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].snapshot()
	}
	return out
}
