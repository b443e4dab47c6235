package dns

import (
	"github.com/vecdns/vecdns/internal/helpers"
)

// EDNS (Extension Mechanisms for DNS) constants per RFC 6891.
const (
	DefaultUDPPayloadSize = 512  // Traditional DNS UDP limit (RFC 1035)
	EDNSMaxUDPPayloadSize = 4096 // Maximum accepted EDNS UDP size
	EDNSMinUDPPayloadSize = 512  // Minimum accepted EDNS UDP size
)

// EDNS option codes this server understands. Unknown options are skipped.
const (
	OptionCodeClientSubnet = 8 // RFC 7871
)

// Client-subnet address families (RFC 7871 / IANA address family numbers).
const (
	ECSFamilyIPv4 = 1
	ECSFamilyIPv6 = 2
)

// ClientSubnet is the parsed EDNS Client Subnet option state.
type ClientSubnet struct {
	Valid      bool
	Family     uint16
	SourceMask uint8
	ScopeMask  uint8
	Addr       [16]byte // SourceMask bits, zero-padded
	AddrLen    int      // ceil(SourceMask/8)
}

// EDNS is the parsed OPT-record state of a request.
//
// The OPT pseudo-record reinterprets its fixed fields (RFC 6891):
// CLASS carries the sender's UDP payload size and TTL packs the extended
// rcode, version, and DO bit:
//
//	+---+---+---+---+---+---+---+---+---+---+---+---+---+---+---+---+
//	|         EXTENDED-RCODE        |            VERSION            |
//	+---+---+---+---+---+---+---+---+---+---+---+---+---+---+---+---+
//	| DO|                    Z (reserved)                           |
//	+---+---+---+---+---+---+---+---+---+---+---+---+---+---+---+---+
type EDNS struct {
	// Present means the request carried an OPT record, whether or not it
	// parsed cleanly; Valid means the OPT (and any client-subnet option)
	// parsed successfully.
	Present       bool
	Valid         bool
	UDPSize       uint16 // advertised response size, clamped to [512, 4096]
	Version       uint8
	DO            bool
	ExtendedRCode uint8
	ClientSubnet  ClientSubnet
}

// Reset clears parsed EDNS state between Query uses.
func (e *EDNS) Reset() {
	*e = EDNS{}
}

// clampUDPSize forces the advertised payload size into the accepted range.
func clampUDPSize(v uint16) uint16 {
	return helpers.ClampIntToUint16(helpers.ClampInt(int(v), EDNSMinUDPPayloadSize, EDNSMaxUDPPayloadSize))
}

// parseOPT parses the OPT record whose owner name has already been consumed.
// off points at the TYPE field. Returns the offset past the record.
//
// A version other than 0 yields BADVERS with the response size forced to 512;
// the OPT itself stays valid so the response can carry the extended rcode.
func (q *Query) parseOPT(msg []byte, off int) (int, EndCode) {
	q.EDNS.Present = true
	if off+10 > len(msg) {
		return off, EndFormErr
	}
	cls := Uint16At(msg, off+2)
	ttl := Uint32At(msg, off+4)
	rdlen := int(Uint16At(msg, off+8))
	off += 10
	if off+rdlen > len(msg) {
		return off, EndFormErr
	}

	q.EDNS.UDPSize = clampUDPSize(cls)
	q.EDNS.ExtendedRCode = helpers.ClampUint32ToUint8((ttl >> 24) & 0xFF)
	q.EDNS.Version = helpers.ClampUint32ToUint8((ttl >> 16) & 0xFF)
	q.EDNS.DO = (ttl>>15)&0x1 == 1

	if q.EDNS.Version != 0 {
		q.EDNS.UDPSize = DefaultUDPPayloadSize
		q.EDNS.Valid = true
		return off + rdlen, EndBadVers
	}

	ec := q.parseEDNSOptions(msg[off : off+rdlen])
	if ec == EndNoError {
		q.EDNS.Valid = true
	}
	return off + rdlen, ec
}

// parseEDNSOptions walks the OPT rdata option list. The only option code
// understood is Client Subnet; everything else is skipped by length.
func (q *Query) parseEDNSOptions(rdata []byte) EndCode {
	for i := 0; i < len(rdata); {
		if len(rdata)-i < 4 {
			return EndFormErr
		}
		code := Uint16At(rdata, i)
		ln := int(Uint16At(rdata, i+2))
		i += 4
		if i+ln > len(rdata) {
			return EndFormErr
		}
		if code == OptionCodeClientSubnet {
			if ec := q.parseClientSubnet(rdata[i : i+ln]); ec != EndNoError {
				return ec
			}
		}
		i += ln
	}
	return EndNoError
}

// parseClientSubnet validates an EDNS Client Subnet option (RFC 7871 §6).
//
//	+0: FAMILY (2 bytes)  +2: SOURCE PREFIX-LENGTH  +3: SCOPE PREFIX-LENGTH
//	+4: ADDRESS, ceil(SOURCE/8) bytes, trailing bits zero
//
// On any violation the sub-state is marked invalid and FORMERR is returned;
// the caller still crafts an outer response (the option is rejectable
// without rejecting the transaction).
func (q *Query) parseClientSubnet(opt []byte) EndCode {
	cs := &q.EDNS.ClientSubnet
	cs.Valid = false
	if len(opt) < 4 {
		return EndFormErr
	}
	family := Uint16At(opt, 0)
	source := opt[2]
	scope := opt[3]
	addr := opt[4:]

	var maxBits, maxBytes int
	switch family {
	case ECSFamilyIPv4:
		maxBits, maxBytes = 32, 4
	case ECSFamilyIPv6:
		maxBits, maxBytes = 128, 16
	default:
		return EndFormErr
	}
	if int(source) > maxBits || scope != 0 || len(addr) > maxBytes {
		return EndFormErr
	}
	want := helpers.CeilDiv8(int(source))
	if len(addr) != want {
		return EndFormErr
	}
	// Bits past the source mask in the last byte must be zero.
	if rem := int(source) % 8; rem != 0 && want > 0 {
		if addr[want-1]&(0xFF>>rem) != 0 {
			return EndFormErr
		}
	}

	cs.Family = family
	cs.SourceMask = source
	cs.ScopeMask = scope
	cs.AddrLen = want
	copy(cs.Addr[:], addr)
	cs.Valid = true
	return EndNoError
}

// appendOPT appends the response OPT record. The echoed client-subnet option
// carries the scope the policy served; the reference policy echoes the
// source mask.
func appendOPT(dst []byte, q *Query, rcode EndCode) []byte {
	extRCode := uint8(0)
	if rcode > 15 {
		extRCode = uint8(rcode >> 4)
	}
	ttl := uint32(extRCode)<<24 | uint32(q.EDNS.Version)<<16
	if q.EDNS.DO {
		ttl |= 1 << 15
	}

	var optData []byte
	if cs := &q.EDNS.ClientSubnet; cs.Valid {
		optData = make([]byte, 0, 8+cs.AddrLen)
		var hdr [8]byte
		PutUint16At(hdr[:], 0, OptionCodeClientSubnet)
		PutUint16At(hdr[:], 2, uint16(4+cs.AddrLen))
		PutUint16At(hdr[:], 4, cs.Family)
		hdr[6] = cs.SourceMask
		hdr[7] = cs.SourceMask // served scope
		optData = append(optData, hdr[:]...)
		optData = append(optData, cs.Addr[:cs.AddrLen]...)
	}

	size := uint16(EDNSMaxUDPPayloadSize)
	if rcode == EndBadVers {
		size = DefaultUDPPayloadSize
	}

	dst = append(dst, 0) // root owner
	var fixed [10]byte
	PutUint16At(fixed[:], 0, uint16(TypeOPT))
	PutUint16At(fixed[:], 2, size)
	PutUint32At(fixed[:], 4, ttl)
	PutUint16At(fixed[:], 8, uint16(len(optData)))
	dst = append(dst, fixed[:]...)
	dst = append(dst, optData...)
	return dst
}

// optWireLen is the worst-case OPT record size for space accounting.
func optWireLen(q *Query) int {
	n := 11
	if q.EDNS.ClientSubnet.Valid {
		n += 8 + q.EDNS.ClientSubnet.AddrLen
	}
	return n
}
