// Package server implements the sharded vectorloop: listener provisioning,
// readiness multiplexing, the per-shard pipeline, TCP connection lifecycle,
// and the supervisor that ties shards to the offload workers.
//
// Concurrency model: each shard is one goroutine locked to an OS thread,
// owning its sockets, connections, queues and query-log buffers outright.
// Shards share nothing mutable with each other; the kernel spreads flows
// across shards via SO_REUSEPORT. The only cross-thread traffic is the
// bounded non-blocking channels to the three workers and the process-wide
// atomic counters.
package server

import (
	"net/netip"
	"time"

	"github.com/vecdns/vecdns/internal/dns"
)

// ConnKind discriminates the three connection shapes a shard owns.
type ConnKind uint8

const (
	KindUDPListener ConnKind = iota
	KindTCPListener
	KindTCPConn
)

// TCPState is the established-connection state machine. The first three
// states are live; the rest are terminal and route to the release stage.
type TCPState uint8

const (
	// StateWaitForQueryData: bytes of an incomplete frame are pending;
	// the receive-timeout clock runs.
	StateWaitForQueryData TCPState = iota
	// StateWaitForQuery: idle between queries; the keepalive clock runs.
	StateWaitForQuery
	// StateWaitForWrite: response not fully flushed; send-timeout clock runs.
	StateWaitForWrite

	StateClosedForRead
	StateClosedForWrite
	StateReadErr
	StateWriteErr
	StateAssignConnIDErr
	StateQuerySizeTooLarge
)

func (s TCPState) Terminal() bool { return s >= StateClosedForRead }

func (s TCPState) String() string {
	switch s {
	case StateWaitForQueryData:
		return "wait_for_query_data"
	case StateWaitForQuery:
		return "wait_for_query"
	case StateWaitForWrite:
		return "wait_for_write"
	case StateClosedForRead:
		return "closed_for_read"
	case StateClosedForWrite:
		return "closed_for_write"
	case StateReadErr:
		return "read_err"
	case StateWriteErr:
		return "write_err"
	case StateAssignConnIDErr:
		return "assign_conn_id_err"
	case StateQuerySizeTooLarge:
		return "query_size_toolarge"
	default:
		return "invalid"
	}
}

// oobSize fits one packet-info control message with headroom.
const oobSize = 64

// udpSlot is one element of a UDP listener's receive/send vector. oob
// receives the datagram's packet-info ancillary data. The send side does not
// reuse that storage: replyControl builds a fresh control message from the
// destination address recovered from it, so a reply leaves from the address
// the request arrived on.
type udpSlot struct {
	oob  [oobSize]byte
	oobN int
	q    *dns.Query
}

// udpState is the vectored-I/O state of a UDP listener connection.
type udpState struct {
	slots    []*udpSlot
	nRead    int // datagrams received in the current batch
	writeIdx int // next slot the send stage will attempt
}

// tcpState is the per-established-connection state.
type tcpState struct {
	id    uint64
	state TCPState

	peer netip.AddrPort

	// readBuf accumulates length-prefixed frames; readLen is the fill level
	// and consumed the bytes already segmented into query slots.
	readBuf  []byte
	readLen  int
	consumed int

	// queries holds the frames segmented from the current read, in arrival
	// order; nQueries of them are live.
	queries  []*dns.Query
	nQueries int

	// Write progress across partial writes.
	writeQ     int // index of the query currently being flushed
	writeOff   int // bytes of that query's response already written
	writeStart time.Time // first write attempt, base of the send timeout

	timeout time.Time

	// lruPrev/lruNext link the shard's recency order; see LRU.
	lruPrev, lruNext *Conn
	inLRU            bool
}

// Queue kinds. The pipeline slot is shared by the read/accept/parse/resolve/
// pack/query-log queues — a connection is in at most one of them at a time —
// while write and release have their own slots, giving the "at most one FIFO
// per kind" invariant its representation.
type fifoKind uint8

const (
	fifoPipeline fifoKind = iota
	fifoWrite
	fifoRelease
	numFifoKinds
)

// Conn is any socket a shard owns: a UDP listener with its vector, a TCP
// listener, or an established TCP connection.
type Conn struct {
	fd   int
	kind ConnKind
	v6   bool

	// local is the bound (listener) or accepted-socket local address.
	local netip.AddrPort

	// Intrusive FIFO membership: one link and one flag per queue kind makes
	// enqueue idempotent and dequeue constant-time.
	next [numFifoKinds]*Conn
	inQ  [numFifoKinds]bool

	// Edge-triggered readiness bookkeeping: a ready event moves the
	// connection into a stage queue only when the matching flag is set,
	// and clears it.
	waitingForRead  bool
	waitingForWrite bool

	udp *udpState
	tcp *tcpState
}

// newUDPListenerConn builds the listener object with its vector of slots.
func newUDPListenerConn(fd int, local netip.AddrPort, v6 bool, vectorLen int) *Conn {
	st := &udpState{slots: make([]*udpSlot, vectorLen)}
	for i := range st.slots {
		st.slots[i] = &udpSlot{q: dns.NewQuery(dns.TransportUDP)}
	}
	return &Conn{fd: fd, kind: KindUDPListener, v6: v6, local: local, udp: st}
}

// newTCPListenerConn builds the accept-only listener object.
func newTCPListenerConn(fd int, local netip.AddrPort, v6 bool) *Conn {
	return &Conn{fd: fd, kind: KindTCPListener, v6: v6, local: local}
}

// newTCPConn builds an established connection with its read buffer and query
// slots sized from tcp_conn_simultaneous_queries_count.
func newTCPConn(fd int, id uint64, local, peer netip.AddrPort, v6 bool, simultaneous int) *Conn {
	st := &tcpState{
		id:      id,
		state:   StateWaitForQueryData,
		peer:    peer,
		readBuf: make([]byte, simultaneous*(dns.TCPPrefixLen+dns.MaxTCPFrameSize)),
		queries: make([]*dns.Query, simultaneous),
	}
	for i := range st.queries {
		st.queries[i] = dns.NewQuery(dns.TransportTCP)
	}
	return &Conn{fd: fd, kind: KindTCPConn, v6: v6, local: local, tcp: st}
}

// resetAfterBatch returns a UDP listener's vector to the empty state once
// the query-log stage has consumed the batch.
func (u *udpState) resetAfterBatch() {
	for i := 0; i < u.nRead; i++ {
		u.slots[i].q.Reset()
		u.slots[i].oobN = 0
	}
	u.nRead = 0
	u.writeIdx = 0
}
