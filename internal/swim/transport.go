package swim

import (
	"math"
	"net"
	"strconv"
)

// maxUDPPacket is large enough for any single incoming datagram this
// package sends (the outbound budget is 512 bytes), with headroom for a
// misbehaving or third-party sender.
const maxUDPPacket = 65536

// nominalMTU bounds outbound UDP datagrams.
const nominalMTU = 512

// listenUDP opens the UDP listener for probes, acks, and gossip.
func listenUDP(host string, port uint16) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, &ConfigError{Field: "BindHost/BindPort", Reason: err.Error()}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: addr.String(), Err: err}
	}
	return conn, nil
}

// recvLoop reads datagrams until the socket is closed (the signal for
// shutdown — Stop closes c.udpConn, which unblocks ReadFromUDP with a
// "use of closed network connection" error that recvLoop treats as exit).
func (c *Cluster) recvLoop() {
	defer c.wg.Done()
	buf := make([]byte, maxUDPPacket)
	for {
		n, from, err := c.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				c.cfg.Logger.Printf("swim: udp read error: %v", err)
				continue
			}
		}
		plain, err := c.cfg.Cipher.Open(buf[:n])
		if err != nil {
			c.cfg.Logger.Printf("swim: udp decrypt failed from %s: %v", from, err)
			continue
		}
		msgs, err := decodeAllFrames(plain)
		for _, msg := range msgs {
			c.dispatchDatagram(msg, from)
		}
		if err != nil {
			c.cfg.Logger.Printf("swim: udp decode error from %s: %v", from, err)
		}
	}
}

// sendUDP encrypts (if configured) and writes a single datagram to addr.
// Failures are logged and dropped — UDP is best-effort and gossip retries
// via the broadcast queue on the next outgoing datagram.
func (c *Cluster) sendUDP(addr *net.UDPAddr, payload []byte) {
	sealed, err := c.cfg.Cipher.Seal(payload)
	if err != nil {
		c.cfg.Logger.Printf("swim: encrypt failed for %s: %v", addr, err)
		return
	}
	if _, err := c.udpConn.WriteToUDP(sealed, addr); err != nil {
		c.cfg.Logger.Printf("swim: %v", &TransportError{Op: "sendto", Addr: addr.String(), Err: err})
	}
}

// buildDatagram concatenates primary with whatever piggy-back gossip fits
// under the MTU budget:
//
//	maxTransmits = ceil(log10(n+1)) * retransmitMulti
//	maxBytes     = 512 - len(primary)
func (c *Cluster) buildDatagram(primary []byte) []byte {
	n := c.nm.length()
	maxTransmits := int(math.Ceil(math.Log10(float64(n+1)))) * c.cfg.RetransmitMulti
	if maxTransmits < c.cfg.RetransmitMulti {
		maxTransmits = c.cfg.RetransmitMulti // ceil(log10(x<=1))==0 for tiny clusters; never starve gossip entirely
	}
	maxBytes := nominalMTU - len(primary)

	out := make([]byte, len(primary))
	copy(out, primary)
	if maxBytes <= 0 {
		return out
	}
	for _, item := range c.broadcast.Fetch(maxTransmits, maxBytes) {
		out = append(out, item...)
	}
	c.cfg.Metrics.BroadcastQueueLen.Set(float64(c.broadcast.Len()))
	return out
}

func resolveUDPAddr(host string, port uint16) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, &TransportError{Op: "resolve", Addr: net.JoinHostPort(host, strconv.Itoa(int(port))), Err: err}
	}
	return addr, nil
}
