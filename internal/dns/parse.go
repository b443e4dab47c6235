package dns

// Supported question sets. Anything else answers NOTIMPL rather than
// guessing at semantics the resolver does not implement.
func qtypeSupported(t uint16) bool {
	return RecordType(t) == TypeA
}

func qclassSupported(c uint16) bool {
	return RecordClass(c) == ClassIN
}

// ParseRequest parses the request bytes of q and fills the question and EDNS
// state. It returns the end code the Query moves forward with:
//
//   - negative codes (SHORT_HEADER, QUERY_TC) drop the query with no response
//   - FORMERR / NOTIMPL / BADVERS short-circuit resolve but still pack
//   - NOERROR (as EndUnknown) hands the query to the resolver
//
// Only opcode QUERY with QR clear, qdcount==1 and empty answer/authority
// sections is accepted. Additional records are walked to find the first OPT;
// other additionals are skipped by their rdlen. Trailing bytes after the
// consumed region are tolerated.
func ParseRequest(q *Query) EndCode {
	msg := q.Msg()
	if len(msg) < HeaderSize {
		return EndShortHeader
	}

	h, _ := ParseHeader(msg)
	q.ID = h.ID
	q.RD = h.Flags&RDFlag != 0
	q.TC = h.Flags&TCFlag != 0
	q.Opcode = h.Opcode()

	if q.TC {
		return EndQueryTC
	}
	if h.Flags&QRFlag != 0 {
		return EndFormErr
	}
	if q.Opcode != OpcodeQuery {
		return EndNotImpl
	}
	if h.QDCount != 1 {
		return EndNotImpl
	}
	if h.ANCount != 0 || h.NSCount != 0 {
		return EndFormErr
	}

	off, ec := q.parseQuestion(msg)
	if ec != EndNoError {
		return ec
	}

	if h.ARCount > 0 {
		if ec := q.parseAdditionals(msg, off, int(h.ARCount)); ec != EndNoError {
			return ec
		}
	}

	return EndUnknown
}

// parseQuestion decodes the single question entry following the header.
func (q *Query) parseQuestion(msg []byte) (int, EndCode) {
	name, off, err := DecodeName(msg, HeaderSize, q.QName[:0])
	if err != nil {
		return off, EndFormErr
	}
	q.QNameLen = len(name)
	q.QNameStr = string(name)

	if off+4 > len(msg) {
		return off, EndFormErr
	}
	q.QType = Uint16At(msg, off)
	q.QClass = Uint16At(msg, off+2)
	off += 4

	if !qtypeSupported(q.QType) || !qclassSupported(q.QClass) {
		return off, EndNotImpl
	}
	return off, EndNoError
}

// parseAdditionals walks arcount additional records looking for the first
// OPT. Non-OPT additionals are skipped whole; a record that does not fit the
// message is a format error. The walked count must equal arcount.
func (q *Query) parseAdditionals(msg []byte, off int, arcount int) EndCode {
	var scratch [MaxNameLen + 1]byte
	sawOPT := false

	for n := 0; n < arcount; n++ {
		name, nameEnd, err := DecodeName(msg, off, scratch[:0])
		if err != nil {
			return EndFormErr
		}
		if nameEnd+10 > len(msg) {
			return EndFormErr
		}
		rrType := Uint16At(msg, nameEnd)

		if !sawOPT && RecordType(rrType) == TypeOPT {
			// The OPT owner name must be root.
			if len(name) != 1 || name[0] != '.' {
				return EndFormErr
			}
			end, ec := q.parseOPT(msg, nameEnd)
			if ec != EndNoError {
				return ec
			}
			sawOPT = true
			off = end
			continue
		}

		rdlen := int(Uint16At(msg, nameEnd+8))
		end := nameEnd + 10 + rdlen
		if end > len(msg) {
			return EndFormErr
		}
		off = end
	}
	return EndNoError
}
