package dns

import "net/netip"

// RR is one resource record as served by a resolver. Name is uncompressed,
// dot-terminated presentation form; an empty Name means "the question name"
// and packs as a pointer to the question section.
//
// RData is raw wire bytes. Records are shared read-only between shards and
// must stay immutable once published.
type RR struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	RData []byte
}

// NewA builds an A record from a parsed IPv4 address.
func NewA(name string, ttl uint32, addr netip.Addr) RR {
	v4 := addr.As4()
	return RR{Name: name, Type: uint16(TypeA), Class: uint16(ClassIN), TTL: ttl, RData: v4[:]}
}

// NewAAAA builds an AAAA record from a parsed IPv6 address.
func NewAAAA(name string, ttl uint32, addr netip.Addr) RR {
	v6 := addr.As16()
	return RR{Name: name, Type: uint16(TypeAAAA), Class: uint16(ClassIN), TTL: ttl, RData: v6[:]}
}

// NewNS builds an NS record. The target is stored in wire form so packing is
// a plain copy; NS rdata inside responses is emitted uncompressed.
func NewNS(name string, ttl uint32, target string) (RR, error) {
	w, err := AppendNameWire(nil, target)
	if err != nil {
		return RR{}, err
	}
	return RR{Name: name, Type: uint16(TypeNS), Class: uint16(ClassIN), TTL: ttl, RData: w}, nil
}
