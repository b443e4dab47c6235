package dns

import (
	"net/netip"
	"time"
)

// Request/response buffer sizing.
const (
	MaxUDPRequestSize = 512
	MaxTCPFrameSize   = 512 // accepted inbound frame payload
	TCPPrefixLen      = 2

	// reqBufSize fits the largest accepted request plus the TCP prefix.
	reqBufSize = TCPPrefixLen + MaxTCPFrameSize

	// respBufInit is the initial response buffer capacity; pack grows it on
	// demand up to the transport limit.
	respBufInit = TCPPrefixLen + 1232

	// sectionCap is the initial record-pointer capacity per section.
	sectionCap = 8
)

// Query holds one DNS transaction as it moves through the pipeline stages.
// A Query is created with its owning connection (per vector slot for UDP,
// per query slot for TCP), reset between uses, and never shared across
// shards.
type Query struct {
	Transport Transport

	// Client and Local are the peer and the address the request arrived on.
	// For UDP, Local is recovered from packet-info ancillary data so the
	// reply leaves from the address the client targeted.
	Client netip.AddrPort
	Local  netip.AddrPort

	// Req holds the raw request. For TCP the two-byte length prefix occupies
	// Req[0:2] and the DNS message starts at Req[2].
	Req    []byte
	ReqLen int

	// Parsed question. QName keeps the dot-terminated, original-case form;
	// QNameStr is the string view created once at parse time.
	QName    [MaxNameLen + 1]byte
	QNameLen int
	QNameStr string
	QType    uint16
	QClass   uint16

	// Request header fields needed for the response and the query log.
	ID     uint16
	RD     bool
	TC     bool
	Opcode uint8

	EDNS EDNS

	// Resp is the response buffer; for TCP the DNS header starts at offset
	// TCPPrefixLen and Resp[0:2] receives the length prefix after packing.
	Resp    []byte
	RespLen int

	// Section record pointers populated by the resolver; the pointees belong
	// to the current resource artifact and are only valid within the loop
	// iteration that resolved them.
	Answer     []RR
	Authority  []RR
	Additional []RR

	// Compression state for the response being packed.
	Comp CompressionTable

	RecvTime time.Time
	SendTime time.Time

	EndCode EndCode

	// Pending marks a query slot holding a live request; Parsed and Packed
	// record stage progress so a slot is never run through a stage twice
	// when new frames join a connection mid-flight.
	Pending bool
	Parsed  bool
	Packed  bool
}

// NewQuery allocates a Query with its buffers for the given transport.
func NewQuery(tr Transport) *Query {
	q := &Query{
		Transport:  tr,
		Req:        make([]byte, reqBufSize),
		Resp:       make([]byte, 0, respBufInit),
		Answer:     make([]RR, 0, sectionCap),
		Authority:  make([]RR, 0, sectionCap),
		Additional: make([]RR, 0, sectionCap),
	}
	q.Reset()
	return q
}

// Reset returns the Query to its post-construction state, keeping buffers.
func (q *Query) Reset() {
	q.Client = netip.AddrPort{}
	q.Local = netip.AddrPort{}
	q.ReqLen = 0
	q.QNameLen = 0
	q.QNameStr = ""
	q.QType = 0
	q.QClass = 0
	q.ID = 0
	q.RD = false
	q.TC = false
	q.Opcode = 0
	q.EDNS.Reset()
	q.Resp = q.Resp[:0]
	q.RespLen = 0
	q.Answer = q.Answer[:0]
	q.Authority = q.Authority[:0]
	q.Additional = q.Additional[:0]
	q.Comp.Reset()
	q.RecvTime = time.Time{}
	q.SendTime = time.Time{}
	q.EndCode = EndUnknown
	q.Pending = false
	q.Parsed = false
	q.Packed = false
}

// Msg returns the DNS message bytes of the request, skipping the TCP prefix.
func (q *Query) Msg() []byte {
	if q.Transport == TransportTCP {
		return q.Req[TCPPrefixLen:q.ReqLen]
	}
	return q.Req[:q.ReqLen]
}

// HeaderOff is the offset of the response DNS header inside Resp.
func (q *Query) HeaderOff() int {
	if q.Transport == TransportTCP {
		return TCPPrefixLen
	}
	return 0
}
