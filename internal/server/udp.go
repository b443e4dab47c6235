package server

import (
	"errors"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/vecdns/vecdns/internal/dns"
)

// readUDPBatch drains datagrams into the listener's vector, up to
// udp_conn_vector_len per pass. Oversized datagrams (kernel-truncated past
// 512 bytes) are kept in the vector with TOO_LARGE so they still reach the
// query log; they are never answered.
//
// Returns the number of datagrams received this pass. On EAGAIN the
// listener's waiting_for_read flag is set so the next readiness edge
// re-queues it.
func (s *Shard) readUDPBatch(c *Conn) int {
	u := c.udp
	got := 0
	for u.nRead < len(u.slots) {
		slot := u.slots[u.nRead]
		q := slot.q
		n, oobn, flags, from, err := unix.Recvmsg(c.fd, q.Req[:dns.MaxUDPRequestSize], slot.oob[:], 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				c.waitingForRead = true
				return got
			}
			// Transient socket errors (e.g. ICMP-induced) are logged; the
			// listener stays usable and is re-queued by the caller.
			s.applogf("udp recvmsg fd=%d: %v", c.fd, err)
			c.waitingForRead = true
			return got
		}

		q.ReqLen = n
		q.Pending = true
		q.RecvTime = s.wall
		q.Client = sockaddrToAddrPort(from)
		q.Local = c.local
		slot.oobN = oobn
		if flags&unix.MSG_TRUNC != 0 {
			q.EndCode = dns.EndTooLarge
		}

		u.nRead++
		got++
		s.counters.UDPQueries.Add(1)
	}
	return got
}

// udpLocalAddr recovers the datagram's destination address from the slot's
// ancillary data (IP_PKTINFO / IPV6_PKTINFO); the listener port is reused
// since a listener only ever binds one port.
func (s *Shard) udpLocalAddr(c *Conn, slot *udpSlot) netip.AddrPort {
	if slot.oobN == 0 {
		return c.local
	}
	var dst net.IP
	if c.v6 {
		var cm ipv6.ControlMessage
		if cm.Parse(slot.oob[:slot.oobN]) == nil {
			dst = cm.Dst
		}
	} else {
		var cm ipv4.ControlMessage
		if cm.Parse(slot.oob[:slot.oobN]) == nil {
			dst = cm.Dst
		}
	}
	if dst == nil {
		return c.local
	}
	addr, ok := netip.AddrFromSlice(dst)
	if !ok {
		return c.local
	}
	return netip.AddrPortFrom(addr.Unmap(), c.local.Port())
}

// replyControl builds the ancillary data for a reply so it leaves from the
// address the request arrived on (q.Local, as recovered by udpLocalAddr).
func (c *Conn) replyControl(q *dns.Query) []byte {
	src := q.Local.Addr()
	if !src.IsValid() || src.IsUnspecified() {
		return nil
	}
	if c.v6 {
		cm := ipv6.ControlMessage{Src: src.AsSlice()}
		return cm.Marshal()
	}
	cm := ipv4.ControlMessage{Src: src.Unmap().AsSlice()}
	return cm.Marshal()
}

// sendUDPBatch flushes packed responses from writeIdx onward, one sendmsg
// per datagram, advancing writeIdx as it goes. On EAGAIN the connection parks
// on waiting_for_write and the next writable edge resumes from writeIdx.
//
// Returns datagrams sent and whether the batch is fully flushed.
func (s *Shard) sendUDPBatch(c *Conn) (int, bool) {
	u := c.udp
	sent := 0
	for u.writeIdx < u.nRead {
		slot := u.slots[u.writeIdx]
		q := slot.q
		if q.RespLen == 0 {
			u.writeIdx++
			continue
		}
		err := unix.Sendmsg(c.fd, q.Resp[:q.RespLen], c.replyControl(q), addrPortToSockaddr(q.Client), 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				c.waitingForWrite = true
				return sent, false
			}
			// Per-datagram send errors are logged and the reply dropped.
			s.applogf("udp sendmsg fd=%d dst=%s: %v", c.fd, q.Client, err)
			u.writeIdx++
			continue
		}
		q.SendTime = s.wall
		sent++
		u.writeIdx++
	}
	return sent, true
}
