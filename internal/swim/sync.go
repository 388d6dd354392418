package swim

import (
	"net"
	"strconv"
)

// listenTCP opens the TCP listener used for full-state sync and reliable
// USER sends.
func listenTCP(host string, port uint16) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: addr, Err: err}
	}
	return ln, nil
}

// acceptLoop accepts inbound TCP streams until the listener is closed.
func (c *Cluster) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.tcpListener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				c.cfg.Logger.Printf("swim: tcp accept error: %v", err)
				continue
			}
		}
		c.wg.Add(1)
		go c.handleStream(conn)
	}
}

// handleStream serves exactly one inbound TCP connection: reads one frame,
// acts on it, replies when required, and closes the stream. A stream could
// multiplex sequential frames in principle; this server handles one
// request/response pair per connection, matching the sync exchange it
// actually carries (SYNC request -> SYNC reply, or a fire-and-forget USER
// send).
func (c *Cluster) handleStream(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	msg, err := readFrame(conn)
	if err != nil {
		c.cfg.Logger.Printf("swim: %v", &TransportError{Op: "stream read", Addr: conn.RemoteAddr().String(), Err: err})
		return
	}

	switch m := msg.(type) {
	case *SyncMessage:
		c.applySyncEntries(m.Nodes)
		reply := &SyncMessage{Nodes: c.localSyncEntries()}
		if err := writeFrame(conn, reply); err != nil {
			c.cfg.Logger.Printf("swim: %v", &TransportError{Op: "stream write", Addr: conn.RemoteAddr().String(), Err: err})
		}
		c.cfg.Metrics.SyncRounds.Inc()
	case *UserMessage:
		if c.cfg.UserMessageHandler != nil {
			c.cfg.UserMessageHandler(m.Data, m.Sender)
		}
	default:
		c.cfg.Logger.Printf("swim: %v", &ProtocolError{Reason: "unexpected message kind on stream"})
	}
}

// localSyncEntries snapshots the full membership into wire form.
func (c *Cluster) localSyncEntries() []SyncNodeEntry {
	members := c.nm.members()
	out := make([]SyncNodeEntry, len(members))
	for i, n := range members {
		out[i] = SyncNodeEntry{
			Node:        n.Name,
			Host:        n.Host,
			Port:        n.Port,
			Version:     n.Version,
			Incarnation: n.Incarnation,
			Status:      n.Status,
			Metadata:    n.Metadata,
		}
	}
	return out
}

// applySyncEntries merges each remote entry through the normal
// alive/suspect/dead handlers. A remote DEAD is intentionally downgraded
// to SUSPECT: an unverified third-party kill report is not trusted as
// strongly as one this node observed directly by probing, so the node
// gets one more round of direct verification before this node also calls
// it dead.
func (c *Cluster) applySyncEntries(entries []SyncNodeEntry) {
	for _, e := range entries {
		switch e.Status {
		case StatusAlive:
			c.nm.onNodeAlive(e.Node, e.Incarnation, e.Host, e.Port, e.Metadata, false)
		case StatusSuspect:
			c.nm.onNodeSuspect(e.Node, e.Incarnation, "", e.Metadata)
		case StatusDead:
			c.nm.onNodeSuspect(e.Node, e.Incarnation, "", e.Metadata)
		}
	}
}

// syncHost opens a fresh TCP connection to host:port, sends the full local
// state, reads the reply, and merges it. Used both by Join (to bootstrap
// against a seed peer) and by the periodic sync scheduler.
//
// A connection-level error aborts the exchange without retrying; the
// periodic scheduler simply tries a different peer on its next tick.
func (c *Cluster) syncHost(host string, port uint16) error {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.cfg.Metrics.SyncFailures.Inc()
		return &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	defer conn.Close()

	req := &SyncMessage{Nodes: c.localSyncEntries()}
	if err := writeFrame(conn, req); err != nil {
		c.cfg.Metrics.SyncFailures.Inc()
		return &TransportError{Op: "stream write", Addr: addr, Err: err}
	}

	reply, err := readFrame(conn)
	if err != nil {
		c.cfg.Metrics.SyncFailures.Inc()
		return &TransportError{Op: "stream read", Addr: addr, Err: err}
	}
	sm, ok := reply.(*SyncMessage)
	if !ok {
		return &ProtocolError{Reason: "sync reply was not a SYNC message"}
	}
	c.applySyncEntries(sm.Nodes)
	c.cfg.Metrics.SyncRounds.Inc()
	return nil
}

// syncNode performs a full-state exchange against an already-known node.
func (c *Cluster) syncNode(target Node) error {
	return c.syncHost(target.Host, target.Port)
}
