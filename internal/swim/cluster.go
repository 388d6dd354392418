package swim

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// probeOutcome distinguishes why a probeWaiter resolved, since a cancelled
// wait (shutdown) must never be treated as a failure that marks a node
// SUSPECT.
type probeOutcome int

const (
	outcomeAck probeOutcome = iota
	outcomeFail
	outcomeCancelled
)

// Cluster is the top-level orchestrator that schedules probes and
// full-state sync, receives datagrams and streams, dispatches typed
// messages into NodeManager, and piggy-backs gossip onto outgoing
// datagrams. It is the type embedders construct directly.
//
// The goroutine/ticker structure follows a conventional probe/dispatch
// loop, extended with round-robin (not random) probe selection, a real
// TCP sync path, MTU-bounded piggyback, and seq-preserving indirect probe
// forwarding.
type Cluster struct {
	cfg       Config
	nm        *NodeManager
	broadcast *BroadcastQueue
	events    *EventManager
	probeSeq  *SequenceGenerator

	waitersMu sync.Mutex
	waiters   map[uint64]*probeWaiter

	probeIndexMu sync.Mutex
	probeIndex   int

	udpConn     *net.UDPConn
	tcpListener net.Listener

	wg     sync.WaitGroup
	stopCh chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// NewCluster validates cfg and constructs a Cluster. The cluster does not
// touch the network until Start is called.
func NewCluster(cfg Config) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	broadcast := NewBroadcastQueue()
	events := NewEventManager(cfg.Logger)
	nm := NewNodeManager(&cfg, broadcast, events)

	return &Cluster{
		cfg:       cfg,
		nm:        nm,
		broadcast: broadcast,
		events:    events,
		probeSeq:  NewSequenceGenerator(),
		waiters:   make(map[uint64]*probeWaiter),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start opens the UDP and TCP listeners, registers the local node, and
// starts the probe and sync schedulers, in that order. Idempotent.
func (c *Cluster) Start() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return nil
	}

	udpConn, err := listenUDP(c.cfg.BindHost, c.cfg.BindPort)
	if err != nil {
		return err
	}
	c.udpConn = udpConn

	tcpLn, err := listenTCP(c.cfg.BindHost, c.cfg.BindPort)
	if err != nil {
		udpConn.Close()
		return err
	}
	c.tcpListener = tcpLn

	c.nm.setLocalNode(c.cfg.NodeName, c.cfg.NodeHost, c.cfg.NodePort, nil)

	c.wg.Add(4)
	go c.recvLoop()
	go c.acceptLoop()
	go c.probeLoop()
	go c.syncLoop()

	c.started = true
	return nil
}

// Stop cancels both schedulers, closes the listeners (which unblocks the
// read loops), and waits for every goroutine to exit. Idempotent.
func (c *Cluster) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.started || c.stopped {
		return nil
	}
	close(c.stopCh)
	if c.udpConn != nil {
		c.udpConn.Close()
	}
	if c.tcpListener != nil {
		c.tcpListener.Close()
	}
	c.wg.Wait()
	c.stopped = true
	return nil
}

// Join bootstraps membership against one or more existing cluster members,
// addressed as "host:port", by performing a full-state TCP sync against
// each in turn.
func (c *Cluster) Join(peers ...string) error {
	var firstErr error
	for _, p := range peers {
		host, portStr, err := net.SplitHostPort(p)
		if err != nil {
			if firstErr == nil {
				firstErr = &ConfigError{Field: "peer", Reason: err.Error()}
			}
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			if firstErr == nil {
				firstErr = &ConfigError{Field: "peer port", Reason: err.Error()}
			}
			continue
		}
		if err := c.syncHost(host, uint16(port)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send delivers data to node. Reliable sends (or payloads over 65000
// bytes) go out over a fresh TCP connection; everything else rides a UDP
// datagram alongside any gossip that fits.
func (c *Cluster) Send(node string, data []byte, reliable bool) error {
	target, ok := c.nm.byName(node)
	if !ok {
		return fmt.Errorf("swim: send: unknown node %q", node)
	}
	msg := &UserMessage{Data: data, Sender: c.cfg.NodeName}

	if reliable || len(data) > 65000 {
		addr := target.Addr()
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return &TransportError{Op: "dial", Addr: addr, Err: err}
		}
		defer conn.Close()
		return writeFrame(conn, msg)
	}

	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	addr, err := resolveUDPAddr(target.Host, target.Port)
	if err != nil {
		return err
	}
	c.sendUDP(addr, c.buildDatagram(frame))
	return nil
}

// Ping performs a synchronous direct probe (falling back to indirect
// probing on timeout, exactly as the probe scheduler would) and reports
// whether the node was confirmed alive.
func (c *Cluster) Ping(node string) (bool, error) {
	target, ok := c.nm.byName(node)
	if !ok {
		return false, fmt.Errorf("swim: ping: unknown node %q", node)
	}
	return c.probeNode(target), nil
}

// Subscribe registers handler for event (one of EventNodeAlive,
// EventNodeSuspect, EventNodeDead).
func (c *Cluster) Subscribe(event string, handler Handler) { c.events.On(event, handler) }

// Unsubscribe deregisters handler from event.
func (c *Cluster) Unsubscribe(event string, handler Handler) { c.events.Off(event, handler) }

// Members returns a snapshot of the current membership, any status.
func (c *Cluster) Members() []Node { return c.nm.members() }

// Leave gracefully removes the local node from the cluster by broadcasting
// DEAD about itself. It does not stop the listeners or schedulers; call
// Stop for that.
func (c *Cluster) Leave() error {
	c.nm.leaveLocalNode()
	return nil
}

// ─── Probe scheduling ───────────────────────────────────────────────────────

func (c *Cluster) probeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			target, ok := c.nextProbeTarget()
			if !ok {
				continue
			}
			// The probe itself runs on a fresh goroutine so a slow probe
			// never delays the next tick.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.probeNode(target)
			}()
		}
	}
}

// nextProbeTarget advances the round-robin cursor to the next eligible
// (non-local, non-DEAD) member, wrapping to 0 at the end of the ordered
// membership. Returns false if no eligible member exists.
func (c *Cluster) nextProbeTarget() (Node, bool) {
	n := c.nm.length()
	if n == 0 {
		return Node{}, false
	}

	c.probeIndexMu.Lock()
	defer c.probeIndexMu.Unlock()

	for tries := 0; tries < n; tries++ {
		if c.probeIndex >= n {
			c.probeIndex = 0
		}
		idx := c.probeIndex
		c.probeIndex++

		node, ok := c.nm.at(idx)
		if !ok {
			continue
		}
		if node.Name == c.cfg.NodeName || node.Status == StatusDead {
			continue
		}
		return node, true
	}
	return Node{}, false
}

// probeNode performs a direct PING probe against target, falling back to
// an indirect probe on timeout. Returns true if the target was confirmed
// alive, directly or via indirect rescue.
func (c *Cluster) probeNode(target Node) bool {
	seq := c.probeSeq.Next()
	waiter := newProbeWaiter(seq, target.Name)
	c.registerWaiter(waiter)
	defer c.unregisterWaiter(seq)

	addr, err := resolveUDPAddr(target.Host, target.Port)
	if err != nil {
		c.cfg.Logger.Printf("swim: %v", err)
		return false
	}
	host, port := c.cfg.NodeHost, c.cfg.NodePort
	ping, err := encodeFrame(&PingMessage{Seq: seq, Target: target.Name, Sender: c.cfg.NodeName, SenderHost: host, SenderPort: port})
	if err != nil {
		c.cfg.Logger.Printf("swim: %v", err)
		return false
	}
	c.sendUDP(addr, c.buildDatagram(ping))
	c.cfg.Metrics.ProbesSent.Inc()

	switch c.waitFor(waiter, c.cfg.ProbeTimeout) {
	case outcomeAck:
		c.cfg.Metrics.ProbesAcked.Inc()
		c.reviveIfSuspect(target.Name)
		return true
	case outcomeCancelled:
		return false // shutdown: never mark SUSPECT
	}

	c.cfg.Metrics.ProbesTimedOut.Inc()
	cur, found := c.nm.byName(target.Name)
	if !found {
		return false
	}
	c.nm.onNodeSuspect(target.Name, cur.Incarnation, c.cfg.NodeName, nil)
	return c.probeNodeIndirect(target, c.cfg.ProbeIndirectNodes)
}

// probeNodeIndirect relays a PING through up to k random ALIVE peers
// (excluding target and the local node). Any relayed ACK revives the
// target exactly as a direct ACK would.
func (c *Cluster) probeNodeIndirect(target Node, k int) bool {
	if k <= 0 {
		return false
	}
	exclude := map[string]struct{}{target.Name: {}, c.cfg.NodeName: {}}
	relays := c.nm.randomAliveExcept(k, exclude)
	if len(relays) == 0 {
		return false
	}

	results := make(chan bool, len(relays))
	for _, relay := range relays {
		c.sendIndirectProbe(relay, target, results)
	}

	for range relays {
		if <-results {
			c.reviveIfSuspect(target.Name)
			return true
		}
	}
	return false
}

func (c *Cluster) sendIndirectProbe(relay, target Node, results chan<- bool) {
	seq := c.probeSeq.Next()
	waiter := newProbeWaiter(seq, target.Name)
	c.registerWaiter(waiter)

	addr, err := resolveUDPAddr(relay.Host, relay.Port)
	if err != nil {
		c.unregisterWaiter(seq)
		results <- false
		return
	}
	host, port := c.cfg.NodeHost, c.cfg.NodePort
	frame, err := encodeFrame(&PingReqMessage{
		Seq: seq, Target: target.Name, TargetHost: target.Host, TargetPort: target.Port,
		Sender: c.cfg.NodeName, SenderHost: host, SenderPort: port,
	})
	if err != nil {
		c.unregisterWaiter(seq)
		results <- false
		return
	}
	c.sendUDP(addr, c.buildDatagram(frame))
	c.cfg.Metrics.IndirectProbes.Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		outcome := c.waitFor(waiter, c.cfg.ProbeTimeout)
		c.unregisterWaiter(seq)
		results <- outcome == outcomeAck
	}()
}

func (c *Cluster) reviveIfSuspect(name string) {
	cur, found := c.nm.byName(name)
	if !found || cur.Status != StatusSuspect {
		return
	}
	c.nm.onNodeAlive(name, cur.Incarnation, cur.Host, cur.Port, nil, false)
}

// handlePingReq implements the relay side of an indirect probe: PING the
// target on the requester's behalf and forward ACK/NACK back carrying the
// *original* seq, never the relay's own probe seq.
func (c *Cluster) handlePingReq(m *PingReqMessage) {
	seq := c.probeSeq.Next()
	waiter := newProbeWaiter(seq, m.Target)
	c.registerWaiter(waiter)

	targetAddr, err := resolveUDPAddr(m.TargetHost, m.TargetPort)
	if err != nil {
		c.unregisterWaiter(seq)
		return
	}
	host, port := c.cfg.NodeHost, c.cfg.NodePort
	ping, err := encodeFrame(&PingMessage{Seq: seq, Target: m.Target, Sender: c.cfg.NodeName, SenderHost: host, SenderPort: port})
	if err != nil {
		c.unregisterWaiter(seq)
		return
	}
	c.sendUDP(targetAddr, c.buildDatagram(ping))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		outcome := c.waitFor(waiter, c.cfg.ProbeTimeout)
		c.unregisterWaiter(seq)
		if outcome == outcomeCancelled {
			return
		}

		origAddr, err := resolveUDPAddr(m.SenderHost, m.SenderPort)
		if err != nil {
			return
		}
		var frame []byte
		if outcome == outcomeAck {
			frame, err = encodeFrame(&AckMessage{Seq: m.Seq, Sender: c.cfg.NodeName})
		} else {
			frame, err = encodeFrame(&NackMessage{Seq: m.Seq, Sender: c.cfg.NodeName})
		}
		if err != nil {
			return
		}
		c.sendUDP(origAddr, c.buildDatagram(frame))
	}()
}

// waitFor blocks until w resolves, timeout elapses, or the cluster is
// stopped, and returns which. On timeout or shutdown it resolves w itself
// so a late ACK racing in afterward is a harmless no-op (first-writer-wins
// via sync.Once on the waiter).
func (c *Cluster) waitFor(w *probeWaiter, timeout time.Duration) probeOutcome {
	select {
	case ok := <-w.result:
		if ok {
			return outcomeAck
		}
		return outcomeFail
	case <-time.After(timeout):
		w.resolve(false)
		return outcomeFail
	case <-c.stopCh:
		w.resolve(false)
		return outcomeCancelled
	}
}

func (c *Cluster) registerWaiter(w *probeWaiter) {
	c.waitersMu.Lock()
	c.waiters[w.seq] = w
	c.waitersMu.Unlock()
}

func (c *Cluster) unregisterWaiter(seq uint64) {
	c.waitersMu.Lock()
	delete(c.waiters, seq)
	c.waitersMu.Unlock()
}

func (c *Cluster) resolveWaiter(seq uint64, ok bool) {
	c.waitersMu.Lock()
	w, found := c.waiters[seq]
	c.waitersMu.Unlock()
	if found {
		w.resolve(ok)
	}
}

// ─── Sync scheduling ────────────────────────────────────────────────────────

func (c *Cluster) syncLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runSyncTick()
		}
	}
}

func (c *Cluster) runSyncTick() {
	exclude := map[string]struct{}{c.cfg.NodeName: {}}
	candidates := c.nm.randomAliveExcept(c.cfg.SyncNodes, exclude)
	if len(candidates) == 0 {
		return
	}
	target := candidates[0]
	if err := c.syncNode(target); err != nil {
		c.cfg.Logger.Printf("swim: %v", err)
	}
}

// ─── Datagram dispatch ──────────────────────────────────────────────────────

// dispatchDatagram is the single dispatch site for every inbound message
// kind: a tagged union switch generalized from a small handful of message
// kinds to the full set this package defines.
func (c *Cluster) dispatchDatagram(msg any, from *net.UDPAddr) {
	switch m := msg.(type) {
	case *AliveMessage:
		c.nm.onNodeAlive(m.Node, m.Incarnation, m.Host, m.Port, m.Metadata, false)
	case *SuspectMessage:
		c.nm.onNodeSuspect(m.Node, m.Incarnation, m.Sender, nil)
	case *DeadMessage:
		c.nm.onNodeDead(m.Node, m.Incarnation, m.Sender)
	case *PingMessage:
		if m.Target != c.cfg.NodeName {
			c.cfg.Logger.Printf("swim: dropping PING addressed to %q (not us)", m.Target)
			return
		}
		reply, err := encodeFrame(&AckMessage{Seq: m.Seq, Sender: c.cfg.NodeName})
		if err != nil {
			c.cfg.Logger.Printf("swim: %v", err)
			return
		}
		c.sendUDP(from, c.buildDatagram(reply))
	case *PingReqMessage:
		c.handlePingReq(m)
	case *AckMessage:
		c.resolveWaiter(m.Seq, true)
	case *NackMessage:
		c.resolveWaiter(m.Seq, false)
	case *UserMessage:
		if c.cfg.UserMessageHandler != nil {
			c.cfg.UserMessageHandler(m.Data, m.Sender)
		}
	default:
		c.cfg.Logger.Printf("swim: %v", &ProtocolError{Reason: fmt.Sprintf("unexpected datagram kind %T", msg)})
	}
}
