package server

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/vecdns/vecdns/internal/dns"
)

// queryLogBuf is a shard's double-buffered query log. The shard appends to
// the active slab; the query-log worker periodically asks for a flip and
// writes out the surrendered, now-inactive slab. The flip handshake is the
// only synchronization point: the worker never sees a slab the shard has not
// given up.
type queryLogBuf struct {
	bufs   [2][]byte
	active int
}

func newQueryLogBuf(size int) *queryLogBuf {
	return &queryLogBuf{bufs: [2][]byte{
		make([]byte, 0, size),
		make([]byte, 0, size),
	}}
}

// append copies one line into the active slab; false means overflow and the
// line is dropped.
func (l *queryLogBuf) append(line []byte) bool {
	a := l.bufs[l.active]
	if len(a)+len(line) > cap(a) {
		return false
	}
	l.bufs[l.active] = append(a, line...)
	return true
}

// flip swaps the slabs and returns the surrendered one with its fill level.
func (l *queryLogBuf) flip() ([]byte, int) {
	old := l.bufs[l.active]
	n := len(old)
	l.active = 1 - l.active
	l.bufs[l.active] = l.bufs[l.active][:0]
	return old, n
}

// JSON helpers for the fixed line template. Values are strings in the log
// format; appendJSONString escapes the two metacharacters that can appear
// after DNS presentation escaping plus control bytes.

func appendJSONString(dst []byte, s []byte) []byte {
	dst = append(dst, '"')
	for _, b := range s {
		switch {
		case b == '"' || b == '\\':
			dst = append(dst, '\\', b)
		case b < 0x20:
			dst = append(dst, '\\', 'u', '0', '0',
				"0123456789abcdef"[b>>4],
				"0123456789abcdef"[b&0xF])
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, '"')
}

func appendKV(dst []byte, key string, val []byte) []byte {
	dst = append(dst, '"')
	dst = append(dst, key...)
	dst = append(dst, '"', ':')
	return appendJSONString(dst, val)
}

func appendKVString(dst []byte, key, val string) []byte {
	return appendKV(dst, key, []byte(val))
}

func appendKVUint(dst []byte, key string, v uint64) []byte {
	dst = append(dst, '"')
	dst = append(dst, key...)
	dst = append(dst, '"', ':', '"')
	dst = strconv.AppendUint(dst, v, 10)
	return append(dst, '"')
}

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func opcodeString(op uint8) string {
	switch op {
	case dns.OpcodeQuery:
		return "query"
	case dns.OpcodeIQuery:
		return "iquery"
	case dns.OpcodeStatus:
		return "status"
	default:
		return strconv.Itoa(int(op))
	}
}

// formatQueryLine renders one query-log line.
//
// Error-early records (dropped requests and parse failures) end after the
// timestamps; SERVFAIL carries the request but no response; successful
// queries carry both.
func formatQueryLine(dst []byte, q *dns.Query) []byte {
	var ts [40]byte

	dst = append(dst, '{')
	dst = appendKVString(dst, "c_ip", q.Client.Addr().String())
	dst = append(dst, ',')
	dst = appendKVUint(dst, "c_port", uint64(q.Client.Port()))
	dst = append(dst, ',')
	dst = appendKVString(dst, "l_ip", q.Local.Addr().String())
	dst = append(dst, ',')
	dst = appendKVUint(dst, "l_port", uint64(q.Local.Port()))
	dst = append(dst, ',')
	dst = appendKV(dst, "recv_time", q.RecvTime.AppendFormat(ts[:0], time.RFC3339Nano))
	if !q.SendTime.IsZero() {
		dst = append(dst, ',')
		dst = appendKV(dst, "send_time", q.SendTime.AppendFormat(ts[:0], time.RFC3339Nano))
	}

	if errorEarly(q.EndCode) {
		return append(dst, '}', '\n')
	}

	dst = append(dst, `,"request":{`...)
	dst = appendKVString(dst, "rd", bit(q.RD))
	dst = append(dst, ',')
	dst = appendKVString(dst, "tc", bit(q.TC))
	dst = append(dst, ',')
	dst = appendKVString(dst, "opcode", opcodeString(q.Opcode))

	if q.EDNS.Valid {
		dst = append(dst, `,"edns":{`...)
		dst = appendKVUint(dst, "resp_size", uint64(q.EDNS.UDPSize))
		dst = append(dst, ',')
		dst = appendKVUint(dst, "ver", uint64(q.EDNS.Version))
		if q.EDNS.DO {
			dst = append(dst, ',')
			dst = appendKVString(dst, "do", "1")
		}
		if cs := &q.EDNS.ClientSubnet; cs.Valid {
			dst = append(dst, `,"cs":{`...)
			dst = appendKVString(dst, "ip", csAddrString(cs))
			dst = append(dst, ',')
			dst = appendKVUint(dst, "source", uint64(cs.SourceMask))
			dst = append(dst, ',')
			dst = appendKVUint(dst, "scope", uint64(cs.ScopeMask))
			dst = append(dst, '}')
		}
		dst = append(dst, '}')
	}

	dst = append(dst, ',')
	dst = append(dst, `"q_name":`...)
	var nameBuf [512]byte
	dst = appendJSONString(dst, dns.AppendName(nameBuf[:0], q.QName[:q.QNameLen]))
	dst = append(dst, ',')
	dst = appendKVString(dst, "q_class", dns.ClassString(q.QClass))
	dst = append(dst, ',')
	dst = appendKVString(dst, "q_type", dns.TypeString(q.QType))
	dst = append(dst, '}')

	if q.EndCode == dns.EndNoError && len(q.Answer) > 0 {
		dst = append(dst, `,"response":{"answer":[`...)
		for i := range q.Answer {
			if i > 0 {
				dst = append(dst, ',')
			}
			rr := &q.Answer[i]
			name := rr.Name
			if name == "" {
				name = q.QNameStr
			}
			dst = append(dst, '{')
			dst = appendKV(dst, "name", dns.AppendName(nameBuf[:0], []byte(name)))
			dst = append(dst, ',')
			dst = appendKVString(dst, "class", dns.ClassString(rr.Class))
			dst = append(dst, ',')
			dst = appendKVString(dst, "type", dns.TypeString(rr.Type))
			dst = append(dst, ',')
			dst = appendKV(dst, "rdata", dns.AppendRData(nameBuf[:0], rr))
			dst = append(dst, '}')
		}
		dst = append(dst, ']', '}')
	}

	return append(dst, '}', '\n')
}

// errorEarly reports the end codes whose records stop after the timestamps.
func errorEarly(e dns.EndCode) bool {
	switch e {
	case dns.EndShortHeader, dns.EndTooLarge, dns.EndQueryTC,
		dns.EndTCPWriteErr, dns.EndTCPWriteClose, dns.EndFormErr:
		return true
	}
	return false
}

func csAddrString(cs *dns.ClientSubnet) string {
	if cs.Family == dns.ECSFamilyIPv4 {
		var v4 [4]byte
		copy(v4[:], cs.Addr[:4])
		return netip.AddrFrom4(v4).String()
	}
	return netip.AddrFrom16(cs.Addr).String()
}
