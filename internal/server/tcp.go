package server

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vecdns/vecdns/internal/dns"
)

// assignConnID picks the next free connection id for this shard: scan
// forward from base+1, wrapping through zero, and take the first id not in
// the LRU set. Failure needs every 64-bit id in use and is theoretical, but
// the terminal state exists so the accept path has a defined way out.
func (s *Shard) assignConnID() (uint64, bool) {
	for id := s.idBase + 1; id != s.idBase; id++ {
		if !s.conns.contains(id) {
			s.idBase = id
			return id, true
		}
	}
	return 0, false
}

// acceptPass drains pending connections off a TCP listener, bounded by the
// per-iteration accept cap and the shard connection limit. On EAGAIN the
// listener parks on waiting_for_read; on hitting either cap it is re-queued
// so the remaining backlog is drained next iteration (no new readiness edge
// will announce it under edge triggering).
func (s *Shard) acceptPass(c *Conn) {
	for accepted := 0; accepted < s.cfg.TCP.ListenerMaxAcceptNewConn; accepted++ {
		if s.conns.len() >= s.cfg.TCP.ConnsPerVlMax {
			s.counters.TCPConnLimit.Add(1)
			s.tcpAcceptQ.push(c)
			return
		}

		nfd, sa, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				c.waitingForRead = true
				return
			}
			s.counters.TCPAcceptErr.Add(1)
			s.applogf("tcp accept fd=%d: %v", c.fd, err)
			c.waitingForRead = true
			return
		}
		s.work++

		id, ok := s.assignConnID()
		if !ok {
			s.counters.TCPAssignConnIDErr.Add(1)
			unix.Close(nfd)
			continue
		}

		// Socket buffer sizes are best-effort on accepted sockets.
		_ = unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_RCVBUF, s.cfg.TCP.ConnSocketRecvbuffSize)
		_ = unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_SNDBUF, s.cfg.TCP.ConnSocketSendbuffSize)

		local := c.local
		if lsa, err := unix.Getsockname(nfd); err == nil {
			local = sockaddrToAddrPort(lsa)
		}

		nc := newTCPConn(nfd, id, local, sockaddrToAddrPort(sa), c.v6, s.cfg.TCP.ConnSimultaneousQueriesCount)
		nc.tcp.timeout = s.now.Add(s.recvTimeout)

		if err := s.tcpPoller.Add(nfd, true); err != nil {
			s.applogf("tcp conn register fd=%d: %v", nfd, err)
			unix.Close(nfd)
			continue
		}
		s.byFd[int32(nfd)] = nc
		s.conns.insert(nc)
		s.counters.TCPConns.Add(1)

		// Bytes may have arrived between accept and registration; under edge
		// triggering they would never be announced, so read eagerly.
		s.tcpReadQ.push(nc)
	}
	// Accept cap reached with the backlog possibly non-empty.
	s.tcpAcceptQ.push(c)
}

// tcpReadPass reads whatever the socket has, segments complete frames into
// query slots (up to the simultaneous-queries count), and advances the
// connection to parse when at least one full frame is buffered.
func (s *Shard) tcpReadPass(c *Conn) {
	t := c.tcp
	if t.state.Terminal() {
		return
	}

	wouldBlock := false
	for t.readLen < len(t.readBuf) {
		n, err := unix.Read(c.fd, t.readBuf[t.readLen:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				wouldBlock = true
				break
			}
			s.releaseConn(c, StateReadErr)
			return
		}
		if n == 0 {
			s.releaseConn(c, StateClosedForRead)
			return
		}
		t.readLen += n
		s.work++
	}

	// Segment length-prefixed frames in arrival order.
	newFrames := 0
	for t.nQueries < len(t.queries) && t.consumed+dns.TCPPrefixLen <= t.readLen {
		frameLen := int(dns.Uint16At(t.readBuf, t.consumed))
		if frameLen > dns.MaxTCPFrameSize {
			s.releaseConn(c, StateQuerySizeTooLarge)
			return
		}
		total := dns.TCPPrefixLen + frameLen
		if t.consumed+total > t.readLen {
			break
		}

		q := t.queries[t.nQueries]
		copy(q.Req[:total], t.readBuf[t.consumed:t.consumed+total])
		q.ReqLen = total
		q.Pending = true
		q.RecvTime = s.wall
		q.Client = t.peer
		q.Local = c.local

		t.consumed += total
		t.nQueries++
		newFrames++
		s.counters.TCPQueries.Add(1)
	}

	if wouldBlock {
		c.waitingForRead = true
	}

	if t.nQueries > 0 {
		s.conns.touch(c)
		s.work += newFrames
		s.parseQ.push(c)
		return
	}

	// No complete frame yet.
	switch {
	case wouldBlock && t.readLen == 0:
		t.state = StateWaitForQuery
		t.timeout = s.now.Add(s.keepalive)
	case wouldBlock:
		t.state = StateWaitForQueryData
		t.timeout = s.now.Add(s.recvTimeout)
	default:
		// Buffer filled without a frame boundary; continue next iteration.
		s.tcpReadQ.push(c)
	}
}

// tcpWritePass flushes packed responses in query order. Partial writes keep
// the connection in the write queue with the send-timeout clock running;
// EAGAIN parks it on waiting_for_write. Full success hands the connection to
// the query-log stage and applies the post-reply transition: leftover read
// bytes are compacted to the buffer start and the receive clock restarts,
// otherwise the keepalive clock runs.
func (s *Shard) tcpWritePass(c *Conn) {
	t := c.tcp
	if t.state.Terminal() {
		return
	}
	if t.writeStart.IsZero() {
		t.writeStart = s.now
	}

	for t.writeQ < t.nQueries {
		q := t.queries[t.writeQ]
		if !q.Packed || q.RespLen == 0 {
			t.writeQ++
			t.writeOff = 0
			continue
		}
		for t.writeOff < q.RespLen {
			n, err := unix.Write(c.fd, q.Resp[t.writeOff:q.RespLen])
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				if errors.Is(err, unix.EAGAIN) {
					t.state = StateWaitForWrite
					t.timeout = t.writeStart.Add(s.sendTimeout)
					c.waitingForWrite = true
					return
				}
				q.EndCode = dns.EndTCPWriteErr
				s.releaseConn(c, StateWriteErr)
				return
			}
			if n == 0 {
				q.EndCode = dns.EndTCPWriteClose
				s.releaseConn(c, StateClosedForWrite)
				return
			}
			t.writeOff += n
			s.work++
			if t.writeOff < q.RespLen {
				// Short write: socket likely full; stay queued and retry.
				t.state = StateWaitForWrite
				t.timeout = t.writeStart.Add(s.sendTimeout)
				s.writeTCPQ.push(c)
				return
			}
		}
		q.SendTime = s.wall
		t.writeQ++
		t.writeOff = 0
	}

	// Everything flushed.
	t.writeStart = time.Time{}
	leftover := t.readLen - t.consumed
	if leftover > 0 {
		copy(t.readBuf, t.readBuf[t.consumed:t.readLen])
		t.readLen = leftover
		t.state = StateWaitForQueryData
		t.timeout = s.now.Add(s.recvTimeout)
	} else {
		t.readLen = 0
		t.state = StateWaitForQuery
		t.timeout = s.now.Add(s.keepalive)
	}
	t.consumed = 0
	s.conns.touch(c)
	s.queryLogQ.push(c)
}

// releaseConn marks a terminal state and queues the connection for the
// release stage. Safe to call repeatedly; the first terminal state wins.
func (s *Shard) releaseConn(c *Conn, st TCPState) {
	if c.tcp == nil {
		return
	}
	if !c.tcp.state.Terminal() {
		c.tcp.state = st
	}
	s.releaseQ.push(c)
}

// releasePass tears a connection down: out of the LRU and readiness set,
// socket closed, scrubbed from every stage queue, terminal state counted.
func (s *Shard) releasePass(c *Conn) {
	t := c.tcp
	s.conns.remove(c)
	s.tcpPoller.Del(c.fd)
	delete(s.byFd, int32(c.fd))
	_ = unix.Close(c.fd)

	s.udpReadQ.remove(c)
	s.tcpAcceptQ.remove(c)
	s.tcpReadQ.remove(c)
	s.parseQ.remove(c)
	s.resolveQ.remove(c)
	s.packQ.remove(c)
	s.queryLogQ.remove(c)
	s.writeUDPQ.remove(c)
	s.writeTCPQ.remove(c)

	switch t.state {
	case StateClosedForRead:
		s.counters.TCPClosedForRead.Add(1)
	case StateClosedForWrite:
		s.counters.TCPClosedForWrite.Add(1)
	case StateReadErr:
		s.counters.TCPReadErr.Add(1)
	case StateWriteErr:
		s.counters.TCPWriteErr.Add(1)
	case StateAssignConnIDErr:
		s.counters.TCPAssignConnIDErr.Add(1)
	case StateQuerySizeTooLarge:
		s.counters.TCPQuerySizeTooLarge.Add(1)
	}
	c.fd = -1
}
