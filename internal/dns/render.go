package dns

import "net/netip"

// needsEscape marks the bytes that get a backslash in presentation form:
// dots inside labels, backslash, parentheses, quotation marks, semicolons,
// '@' and '$' (RFC 1035 master-file metacharacters).
func needsEscape(b byte) bool {
	switch b {
	case '.', '\\', '(', ')', '"', ';', '@', '$':
		return true
	}
	return false
}

// AppendEscaped appends s in printable ASCII form. Metacharacters are
// backslash-escaped; bytes outside 0x21..0x7E become three-digit decimal
// escapes (\DDD).
func AppendEscaped(dst []byte, s []byte) []byte {
	for _, b := range s {
		switch {
		case b < 0x21 || b > 0x7E:
			dst = append(dst, '\\',
				'0'+b/100,
				'0'+(b/10)%10,
				'0'+b%10)
		case needsEscape(b):
			dst = append(dst, '\\', b)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// AppendName appends the dot-terminated name with label contents escaped.
// The label-separating dots themselves are not escaped.
func AppendName(dst []byte, name []byte) []byte {
	if len(name) == 0 {
		return append(dst, '.')
	}
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] != '.' {
			continue
		}
		dst = AppendEscaped(dst, name[start:i])
		dst = append(dst, '.')
		start = i + 1
	}
	return AppendEscaped(dst, name[start:])
}

// AppendRData renders a record's data for the query log: A and AAAA as
// addresses, NS as the decoded target name, anything else escaped raw.
func AppendRData(dst []byte, rr *RR) []byte {
	switch RecordType(rr.Type) {
	case TypeA:
		if len(rr.RData) == 4 {
			addr := netip.AddrFrom4([4]byte(rr.RData))
			return append(dst, addr.String()...)
		}
	case TypeAAAA:
		if len(rr.RData) == 16 {
			addr := netip.AddrFrom16([16]byte(rr.RData))
			return append(dst, addr.String()...)
		}
	case TypeNS:
		name, _, err := DecodeName(rr.RData, 0, nil)
		if err == nil {
			return AppendName(dst, name)
		}
	}
	return AppendEscaped(dst, rr.RData)
}
