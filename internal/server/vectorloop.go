package server

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vecdns/vecdns/internal/channel"
	"github.com/vecdns/vecdns/internal/config"
	"github.com/vecdns/vecdns/internal/dns"
	"github.com/vecdns/vecdns/internal/metrics"
	"github.com/vecdns/vecdns/internal/resolver"
)

// Shard is one vectorloop: a single goroutine owning its sockets,
// connections, stage queues and query-log buffers. Stages run strictly in
// order once per iteration, each draining its input queue in one pass; no
// stage blocks, and the only suspension point is the idle back-off sleep at
// the end of an iteration that did no work.
type Shard struct {
	ID int

	cfg      *config.Config
	counters *metrics.Counters

	udpPoller *Poller
	tcpPoller *Poller

	listeners []*Conn
	byFd      map[int32]*Conn

	conns  *connLRU
	idBase uint64

	// Stage queues. The pipeline kind is shared by the read/accept/parse/
	// resolve/pack/query-log queues; write and release have their own kinds.
	udpReadQ   connFIFO
	tcpAcceptQ connFIFO
	tcpReadQ   connFIFO
	parseQ     connFIFO
	resolveQ   connFIFO
	packQ      connFIFO
	writeUDPQ  connFIFO
	writeTCPQ  connFIFO
	queryLogQ  connFIFO
	releaseQ   connFIFO

	resCtrl  *channel.Ctrl
	qlogCtrl *channel.Ctrl
	logCh    *channel.SPSC[channel.LogMsg]

	res     resolver.Resolver
	records *resolver.RecordSet

	qlog    *queryLogBuf
	scratch []byte

	// Derived timeouts.
	keepalive   time.Duration
	recvTimeout time.Duration
	sendTimeout time.Duration

	// now is the monotonic loop timestamp taken at the top of each
	// iteration; wall is the same instant used for log timestamps.
	now  time.Time
	wall time.Time

	idle int
	work int

	stop atomic.Bool
}

// ShardConfig carries everything a shard needs from the supervisor.
type ShardConfig struct {
	ID       int
	Cfg      *config.Config
	Counters *metrics.Counters
	Resolver resolver.Resolver
	Records  *resolver.RecordSet
	ResCtrl  *channel.Ctrl
	QLogCtrl *channel.Ctrl
	LogCh    *channel.SPSC[channel.LogMsg]
}

// NewShard creates the shard's readiness sets and binds its listeners.
func NewShard(sc ShardConfig) (*Shard, error) {
	cfg := sc.Cfg
	s := &Shard{
		ID:          sc.ID,
		cfg:         cfg,
		counters:    sc.Counters,
		byFd:        make(map[int32]*Conn),
		conns:       newConnLRU(),
		resCtrl:     sc.ResCtrl,
		qlogCtrl:    sc.QLogCtrl,
		logCh:       sc.LogCh,
		res:         sc.Resolver,
		records:     sc.Records,
		qlog:        newQueryLogBuf(cfg.QueryLog.BufferSize),
		scratch:     make([]byte, 0, 2048),
		keepalive:   time.Duration(cfg.TCP.KeepaliveMS) * time.Millisecond,
		recvTimeout: time.Duration(cfg.TCP.QueryRecvTimeoutMS) * time.Millisecond,
		sendTimeout: time.Duration(cfg.TCP.QuerySendTimeoutMS) * time.Millisecond,
	}
	s.initFifoKinds()

	var err error
	if s.udpPoller, err = NewPoller(cfg.Epoll.NumEventsUDP); err != nil {
		return nil, err
	}
	if s.tcpPoller, err = NewPoller(cfg.Epoll.NumEventsTCP); err != nil {
		s.udpPoller.Close()
		return nil, err
	}

	if err := s.provisionListeners(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Shard) initFifoKinds() {
	s.udpReadQ.kind = fifoPipeline
	s.tcpAcceptQ.kind = fifoPipeline
	s.tcpReadQ.kind = fifoPipeline
	s.parseQ.kind = fifoPipeline
	s.resolveQ.kind = fifoPipeline
	s.packQ.kind = fifoPipeline
	s.queryLogQ.kind = fifoPipeline
	s.writeUDPQ.kind = fifoWrite
	s.writeTCPQ.kind = fifoWrite
	s.releaseQ.kind = fifoRelease
}

// provisionListeners binds up to four listeners (UDP/TCP x v4/v6). A v6
// bind failure is tolerated (v6-less hosts); a v4 failure is not.
func (s *Shard) provisionListeners() error {
	if s.cfg.UDP.Enable {
		spec := ListenerSpec{
			Port:    s.cfg.UDP.ListenerPort,
			RecvBuf: s.cfg.UDP.SocketRecvbuffSize,
			SendBuf: s.cfg.UDP.SocketSendbuffSize,
		}
		for _, v6 := range []bool{false, true} {
			fd, local, err := NewUDPListenerFD(v6, spec)
			if err != nil {
				if v6 {
					continue
				}
				return fmt.Errorf("shard %d: %w", s.ID, err)
			}
			c := newUDPListenerConn(fd, local, v6, s.cfg.UDP.ConnVectorLen)
			c.waitingForRead = true
			if err := s.udpPoller.Add(fd, true); err != nil {
				unix.Close(fd)
				return err
			}
			s.byFd[int32(fd)] = c
			s.listeners = append(s.listeners, c)
			s.counters.UDPConns.Add(1)
		}
	}
	if s.cfg.TCP.Enable {
		spec := ListenerSpec{
			Port:    s.cfg.TCP.ListenerPort,
			Backlog: s.cfg.TCP.ListenerPendingConnsMax,
		}
		for _, v6 := range []bool{false, true} {
			fd, local, err := NewTCPListenerFD(v6, spec)
			if err != nil {
				if v6 {
					continue
				}
				return fmt.Errorf("shard %d: %w", s.ID, err)
			}
			c := newTCPListenerConn(fd, local, v6)
			c.waitingForRead = true
			if err := s.tcpPoller.Add(fd, false); err != nil {
				unix.Close(fd)
				return err
			}
			s.byFd[int32(fd)] = c
			s.listeners = append(s.listeners, c)
		}
	}
	if len(s.listeners) == 0 {
		return fmt.Errorf("shard %d: no listeners provisioned", s.ID)
	}
	return nil
}

// Stop makes the loop exit after finishing its current iteration.
func (s *Shard) Stop() { s.stop.Store(true) }

// Run executes the vectorloop until Stop. The caller is expected to have
// locked the goroutine to an OS thread and applied CPU affinity.
func (s *Shard) Run() {
	for !s.stop.Load() {
		s.now = time.Now()
		s.wall = s.now
		s.work = 0

		s.stageControl()       // 1
		s.stageUDPReadiness()  // 2
		s.stageTCPReadiness()  // 3
		s.stageUDPRead()       // 4
		s.stageTCPAccept()     // 5
		s.stageTCPRead()       // 6
		s.stageParse()         // 7
		s.stageResolve()       // 8
		s.stagePack()          // 9
		s.stageUDPWrite()      // 10
		s.stageTCPWrite()      // 11
		s.stageQueryLog()      // 12
		s.stageTimeoutScan()   // 13
		s.stageRelease()       // 14

		s.idleBackoff()
	}
	s.Close()
}

// Close releases all sockets and readiness sets.
func (s *Shard) Close() {
	for _, c := range s.byFd {
		if c.fd >= 0 {
			unix.Close(c.fd)
			c.fd = -1
		}
	}
	if s.udpPoller != nil {
		s.udpPoller.Close()
	}
	if s.tcpPoller != nil {
		s.tcpPoller.Close()
	}
}

// FinalQueryLog surrenders the active buffer after Run has returned, so the
// supervisor can hand the tail to the query-log writer.
func (s *Shard) FinalQueryLog() ([]byte, int) {
	return s.qlog.flip()
}

// drain visits a snapshot of the queue. Re-enqueues during the visit land on
// the live queue and are seen next iteration, keeping each stage one pass.
func drain(f *connFIFO, fn func(*Conn)) {
	c := f.detach()
	for c != nil {
		next := c.next[f.kind]
		c.next[f.kind] = nil
		fn(c)
		c = next
	}
}

// Stage 1: drain inbound control channels.
func (s *Shard) stageControl() {
	for {
		m, ok := s.resCtrl.RecvFromWorker()
		if !ok {
			break
		}
		if m.Kind == channel.CtrlResourceUpdate {
			if rs, ok := m.Resource.(*resolver.RecordSet); ok {
				s.records = rs
			}
			// Reply with the payload cleared: the receiver owns memory, and
			// after this ack the shard must hold no reference besides its
			// own published pointer.
			m.Kind = channel.CtrlResourceAck
			m.Resource = nil
			if !s.resCtrl.SendToWorker(m) {
				s.applogf("shard %d: resource ack channel full", s.ID)
			}
			s.work++
		}
	}
	for {
		m, ok := s.qlogCtrl.RecvFromWorker()
		if !ok {
			break
		}
		if m.Kind == channel.CtrlQueryLogFlip {
			buf, n := s.qlog.flip()
			m.Kind = channel.CtrlQueryLogFlipReply
			m.Buf = buf
			m.Len = n
			if !s.qlogCtrl.SendToWorker(m) {
				s.applogf("shard %d: query log flip reply channel full", s.ID)
			}
			s.work++
		}
	}
}

// Stage 2: UDP readiness. Ready listeners move into the read or write queue
// only when the matching waiting flag is set, which keeps edge-triggered
// notifications and queue membership consistent.
func (s *Shard) stageUDPReadiness() {
	for _, ev := range s.udpPoller.Poll() {
		c := s.byFd[ev.Fd]
		if c == nil {
			continue
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR) != 0 && c.waitingForRead {
			c.waitingForRead = false
			s.udpReadQ.push(c)
			s.work++
		}
		if ev.Events&unix.EPOLLOUT != 0 && c.waitingForWrite {
			c.waitingForWrite = false
			s.writeUDPQ.push(c)
			s.work++
		}
	}
}

// Stage 3: TCP readiness. Listeners go to the accept queue; established
// connections to their read/write queues under the waiting-flag discipline.
func (s *Shard) stageTCPReadiness() {
	for _, ev := range s.tcpPoller.Poll() {
		c := s.byFd[ev.Fd]
		if c == nil {
			continue
		}
		if c.kind == KindTCPListener {
			if c.waitingForRead {
				c.waitingForRead = false
				s.tcpAcceptQ.push(c)
				s.work++
			}
			continue
		}
		readable := ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLERR|unix.EPOLLHUP) != 0
		if readable && c.waitingForRead {
			c.waitingForRead = false
			s.tcpReadQ.push(c)
			s.work++
		}
		if ev.Events&unix.EPOLLOUT != 0 && c.waitingForWrite {
			c.waitingForWrite = false
			s.writeTCPQ.push(c)
			s.work++
		}
	}
}

// Stage 4: UDP read.
func (s *Shard) stageUDPRead() {
	drain(&s.udpReadQ, func(c *Conn) {
		got := s.readUDPBatch(c)
		s.work += got
		if c.udp.nRead > 0 {
			s.parseQ.push(c)
		}
	})
}

// Stage 5: TCP accept.
func (s *Shard) stageTCPAccept() {
	drain(&s.tcpAcceptQ, func(c *Conn) {
		s.acceptPass(c)
	})
}

// Stage 6: TCP read.
func (s *Shard) stageTCPRead() {
	drain(&s.tcpReadQ, func(c *Conn) {
		s.tcpReadPass(c)
	})
}

// Stage 7: parse. UDP queries additionally recover the destination address
// from the ancillary data so the reply can leave from it.
func (s *Shard) stageParse() {
	drain(&s.parseQ, func(c *Conn) {
		switch c.kind {
		case KindUDPListener:
			u := c.udp
			for i := 0; i < u.nRead; i++ {
				slot := u.slots[i]
				q := slot.q
				if !q.Pending || q.Parsed {
					continue
				}
				q.Local = s.udpLocalAddr(c, slot)
				if q.EndCode == dns.EndUnknown {
					q.EndCode = dns.ParseRequest(q)
					s.noteParse(q)
				}
				q.Parsed = true
				s.work++
			}
		case KindTCPConn:
			t := c.tcp
			for i := 0; i < t.nQueries; i++ {
				q := t.queries[i]
				if !q.Pending || q.Parsed {
					continue
				}
				q.EndCode = dns.ParseRequest(q)
				s.noteParse(q)
				q.Parsed = true
				s.work++
			}
		}
		s.resolveQ.push(c)
	})
}

// noteParse bumps the request-shape counters once per parsed query.
func (s *Shard) noteParse(q *dns.Query) {
	if dns.RecordType(q.QType) == dns.TypeA {
		s.counters.QtypeA.Add(1)
	} else if q.QType != 0 {
		s.counters.QtypeOther.Add(1)
	}
	if q.EDNS.Present {
		s.counters.EDNSPresent.Add(1)
	}
	if q.EDNS.Valid {
		s.counters.EDNSValid.Add(1)
	}
	if q.EDNS.DO {
		s.counters.EDNSDOBit.Add(1)
	}
	if q.EDNS.ClientSubnet.Valid {
		s.counters.EDNSClientSubnet.Add(1)
	}
}

// Stage 8: resolve. Only queries still undecided reach the resolver.
func (s *Shard) stageResolve() {
	drain(&s.resolveQ, func(c *Conn) {
		s.eachPendingQuery(c, func(q *dns.Query) {
			if q.EndCode == dns.EndUnknown {
				s.res.Resolve(q, s.records)
				s.work++
			}
		})
		s.packQ.push(c)
	})
}

// Stage 9: pack. Queries whose end code maps to a DNS rcode get a response.
func (s *Shard) stagePack() {
	drain(&s.packQ, func(c *Conn) {
		s.eachPendingQuery(c, func(q *dns.Query) {
			if q.Packed || !q.EndCode.NeedsResponse() {
				return
			}
			dns.PackResponse(q)
			q.Packed = true
			s.work++
		})
		if c.kind == KindUDPListener {
			s.writeUDPQ.push(c)
		} else {
			s.writeTCPQ.push(c)
		}
	})
}

// eachPendingQuery visits the live query slots of a connection in order.
func (s *Shard) eachPendingQuery(c *Conn, fn func(q *dns.Query)) {
	switch c.kind {
	case KindUDPListener:
		for i := 0; i < c.udp.nRead; i++ {
			if q := c.udp.slots[i].q; q.Pending {
				fn(q)
			}
		}
	case KindTCPConn:
		for i := 0; i < c.tcp.nQueries; i++ {
			if q := c.tcp.queries[i]; q.Pending {
				fn(q)
			}
		}
	}
}

// Stage 10: UDP write.
func (s *Shard) stageUDPWrite() {
	drain(&s.writeUDPQ, func(c *Conn) {
		sent, done := s.sendUDPBatch(c)
		s.work += sent
		if done {
			s.queryLogQ.push(c)
		} else if !c.waitingForWrite {
			// Partial progress without EAGAIN: retry next iteration.
			s.writeUDPQ.push(c)
		}
	})
}

// Stage 11: TCP write.
func (s *Shard) stageTCPWrite() {
	drain(&s.writeTCPQ, func(c *Conn) {
		s.tcpWritePass(c)
	})
}

// Stage 12: query log. Every completed query becomes one line in the active
// buffer; rcode counters are bumped here so log and metrics agree. UDP
// listeners and TCP connections then re-enter the read path.
func (s *Shard) stageQueryLog() {
	drain(&s.queryLogQ, func(c *Conn) {
		s.eachPendingQuery(c, func(q *dns.Query) {
			s.logQuery(q)
		})
		switch c.kind {
		case KindUDPListener:
			c.udp.resetAfterBatch()
			s.udpReadQ.push(c)
		case KindTCPConn:
			for i := 0; i < c.tcp.nQueries; i++ {
				c.tcp.queries[i].Reset()
			}
			c.tcp.nQueries = 0
			c.tcp.writeQ = 0
			c.tcp.writeOff = 0
			s.tcpReadQ.push(c)
		}
	})
}

// logQuery formats the line, appends it to the active buffer and records
// the disposition counter.
func (s *Shard) logQuery(q *dns.Query) {
	s.scratch = formatQueryLine(s.scratch[:0], q)
	if !s.qlog.append(s.scratch) {
		s.counters.QueryLogBufOverflow.Add(1)
	}

	switch q.EndCode {
	case dns.EndNoError:
		s.counters.QueriesNoError.Add(1)
	case dns.EndFormErr:
		s.counters.QueriesFormErr.Add(1)
	case dns.EndServFail:
		s.counters.QueriesServFail.Add(1)
	case dns.EndNXDomain:
		s.counters.QueriesNXDomain.Add(1)
	case dns.EndNotImpl:
		s.counters.QueriesNotImpl.Add(1)
	case dns.EndRefused:
		s.counters.QueriesRefused.Add(1)
	case dns.EndBadVers:
		s.counters.QueriesBadVers.Add(1)
	case dns.EndShortHeader:
		s.counters.QueriesShortHeader.Add(1)
	case dns.EndTooLarge:
		s.counters.QueriesTooLarge.Add(1)
	case dns.EndQueryTC:
		s.counters.QueriesTC.Add(1)
	}
}

// Stage 13: timeout scan. Walk from the least-recent end, releasing each
// entry whose timeout has passed, and stop at the first non-expired entry.
// Entries behind it are not examined this iteration even if their own
// timeout has passed: recency order is not timeout order, because the
// keepalive, receive and send clocks differ and a read without a complete
// frame resets the clock without promoting the connection.
func (s *Shard) stageTimeoutScan() {
	for c := s.conns.oldest; c != nil; {
		next := c.tcp.lruNext
		if !c.tcp.timeout.Before(s.now) {
			break
		}
		switch c.tcp.state {
		case StateWaitForQuery:
			s.counters.TCPKeepaliveTimeout.Add(1)
		case StateWaitForQueryData:
			s.counters.TCPQueryRecvTimeout.Add(1)
		case StateWaitForWrite:
			s.counters.TCPQuerySendTimeout.Add(1)
		}
		s.releaseQ.push(c)
		c = next
	}
}

// Stage 14: TCP release.
func (s *Shard) stageRelease() {
	drain(&s.releaseQ, func(c *Conn) {
		s.releasePass(c)
	})
}

// idleBackoff sleeps progressively longer while consecutive iterations do
// no work in stages 1-11, and resets on any progress.
func (s *Shard) idleBackoff() {
	if s.work > 0 {
		s.idle = 0
		return
	}
	s.idle++
	var us int
	switch {
	case s.idle < 8:
		us = s.cfg.Loop.SlowdownOne
	case s.idle < 16:
		us = s.cfg.Loop.SlowdownTwo
	default:
		us = s.cfg.Loop.SlowdownThree
	}
	time.Sleep(time.Duration(us) * time.Microsecond)
}

// applogf sends one formatted line to the application-log worker. A full
// channel drops the line and counts an app-log write error.
func (s *Shard) applogf(format string, args ...any) {
	if s.logCh == nil {
		return
	}
	if !s.logCh.Send(channel.LogMsg{Line: fmt.Sprintf(format, args...)}) {
		s.counters.AppLogWriteError.Add(1)
	}
}
