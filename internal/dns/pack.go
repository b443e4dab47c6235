package dns

// PackResult reports whether the whole response fit. On PackTruncated the
// response is still valid: the header is finalized with TC set and the
// sections packed so far stay in place.
type PackResult int

const (
	PackOK PackResult = iota
	PackTruncated
)

// maxResponseSize returns the byte budget for the DNS message of q.
func maxResponseSize(q *Query) int {
	if q.Transport == TransportTCP {
		return 0xFFFF
	}
	if q.EDNS.Valid {
		return int(q.EDNS.UDPSize)
	}
	return DefaultUDPPayloadSize
}

// PackResponse serializes the response for q into q.Resp.
//
// The header copies id and rd from the request, sets qr/aa, and carries the
// rcode from the end code (split into the OPT extended rcode when >15). The
// question section is echoed when one was parsed; answer, authority and
// additional records are packed with name compression against q.Comp. When
// a record does not fit the size budget the TC bit is set, remaining
// sections are skipped, and the header is still finalized. The OPT record is
// appended last when the request carried valid EDNS; its space is reserved
// up front so EDNS can always be echoed.
//
// For TCP the two-byte big-endian length prefix is written into Resp[0:2]
// after the DNS payload is sized and RespLen includes it.
func PackResponse(q *Query) PackResult {
	hdrOff := q.HeaderOff()
	budget := maxResponseSize(q)

	// Room reserved for the trailing OPT.
	reserved := 0
	if q.EDNS.Valid {
		reserved = optWireLen(q)
	}

	q.Resp = q.Resp[:0]
	q.Comp.Reset()
	if hdrOff > 0 {
		q.Resp = append(q.Resp, 0, 0)
	}
	var hdr [HeaderSize]byte
	q.Resp = append(q.Resp, hdr[:]...)

	flags := QRFlag | AAFlag
	if q.RD {
		flags |= RDFlag
	}
	rcode := q.EndCode
	if rcode >= 0 && rcode <= 15 {
		flags |= uint16(rcode) & RCodeMask
	}

	h := Header{ID: q.ID, Flags: flags}

	truncated := false

	// Question section: echoed only when a question was parsed.
	if q.QNameLen > 0 {
		if fits(q, budget, WireNameLen(q.QNameStr)+4, reserved) {
			var err error
			q.Resp, err = AppendCompressedName(q.Resp, q.QNameStr, &q.Comp, hdrOff)
			if err == nil {
				var qt [4]byte
				PutUint16At(qt[:], 0, q.QType)
				PutUint16At(qt[:], 2, q.QClass)
				q.Resp = append(q.Resp, qt[:]...)
				h.QDCount = 1
			}
		} else {
			truncated = true
		}
	}

	if !truncated {
		h.ANCount, truncated = packSection(q, q.Answer, budget, reserved)
	}
	if !truncated {
		h.NSCount, truncated = packSection(q, q.Authority, budget, reserved)
	}
	if !truncated {
		h.ARCount, truncated = packSection(q, q.Additional, budget, reserved)
	}

	if truncated {
		h.Flags |= TCFlag
	}
	if q.EDNS.Valid {
		q.Resp = appendOPT(q.Resp, q, rcode)
		h.ARCount++
	}

	PutHeader(q.Resp[hdrOff:], h)

	dnsLen := len(q.Resp) - hdrOff
	if q.Transport == TransportTCP {
		PutUint16At(q.Resp, 0, uint16(dnsLen))
	}
	q.RespLen = len(q.Resp)

	if truncated {
		return PackTruncated
	}
	return PackOK
}

// fits reports whether need more bytes stay inside the budget after the
// reserved OPT space.
func fits(q *Query, budget, need, reserved int) bool {
	return len(q.Resp)-q.HeaderOff()+need+reserved <= budget
}

// packSection emits one record section, compressing owner names. It returns
// the emitted count and whether space ran out.
func packSection(q *Query, rrs []RR, budget, reserved int) (uint16, bool) {
	hdrOff := q.HeaderOff()
	var count uint16
	for i := range rrs {
		rr := &rrs[i]
		name := rr.Name
		if name == "" {
			name = q.QNameStr
		}
		need := WireNameLen(name) + 10 + len(rr.RData)
		if !fits(q, budget, need, reserved) {
			return count, true
		}

		var err error
		q.Resp, err = AppendCompressedName(q.Resp, name, &q.Comp, hdrOff)
		if err != nil {
			// A resolver-supplied name that cannot encode is an impossible
			// state for published record sets; drop the record.
			continue
		}
		var fixed [10]byte
		PutUint16At(fixed[:], 0, rr.Type)
		PutUint16At(fixed[:], 2, rr.Class)
		PutUint32At(fixed[:], 4, rr.TTL)
		PutUint16At(fixed[:], 8, uint16(len(rr.RData)))
		q.Resp = append(q.Resp, fixed[:]...)
		q.Resp = append(q.Resp, rr.RData...)
		count++
	}
	return count, false
}
