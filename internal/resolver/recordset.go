package resolver

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/vecdns/vecdns/internal/dns"
)

// RecordSet is the read-only artifact the resource loader publishes to every
// shard. Answers with an empty owner name attach to the question name.
type RecordSet struct {
	Answers    []dns.RR
	Authority  []dns.RR
	Additional []dns.RR
}

// DefaultRecordSet is the built-in reference set: every query answers
// A=127.0.0.1 with a static nameserver and its v4/v6 glue.
func DefaultRecordSet() *RecordSet {
	ns, err := dns.NewNS("example.com.", 3600, "ns.example.com.")
	if err != nil {
		panic("resolver: building default NS record: " + err.Error())
	}
	return &RecordSet{
		Answers: []dns.RR{
			dns.NewA("", 3600, netip.AddrFrom4([4]byte{127, 0, 0, 1})),
		},
		Authority: []dns.RR{ns},
		Additional: []dns.RR{
			dns.NewA("ns.example.com.", 3600, netip.AddrFrom4([4]byte{127, 0, 0, 1})),
			dns.NewAAAA("ns.example.com.", 3600, netip.IPv6Loopback()),
		},
	}
}

// LoadFile parses a records file into a RecordSet. One record per line:
//
//	<section> <name> <ttl> <type> <value>
//
// section is answer|authority|additional, name is dot-terminated ("@" means
// the question name, in any section), type is A, AAAA or NS. '#' starts a
// comment. An empty file yields an empty set, which is a load error: a
// server with nothing to serve is misconfigured.
func LoadFile(path string) (*RecordSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rs := &RecordSet{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := rs.addLine(line); err != nil {
			return nil, fmt.Errorf("records file %s:%d: %w", path, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(rs.Answers) == 0 {
		return nil, fmt.Errorf("records file %s: no answer records", path)
	}
	return rs, nil
}

func (rs *RecordSet) addLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	section, name, ttlStr, typ, value := fields[0], fields[1], fields[2], fields[3], fields[4]

	if name == "@" {
		name = ""
	} else if !strings.HasSuffix(name, ".") {
		return fmt.Errorf("name %q is not dot-terminated", name)
	}

	ttl64, err := strconv.ParseUint(ttlStr, 10, 32)
	if err != nil {
		return fmt.Errorf("bad ttl %q", ttlStr)
	}
	ttl := uint32(ttl64)

	var rr dns.RR
	switch strings.ToUpper(typ) {
	case "A":
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("bad A value %q", value)
		}
		rr = dns.NewA(name, ttl, addr)
	case "AAAA":
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is6() || addr.Is4In6() {
			return fmt.Errorf("bad AAAA value %q", value)
		}
		rr = dns.NewAAAA(name, ttl, addr)
	case "NS":
		if !strings.HasSuffix(value, ".") {
			return fmt.Errorf("NS target %q is not dot-terminated", value)
		}
		rr, err = dns.NewNS(name, ttl, value)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported type %q", typ)
	}

	switch strings.ToLower(section) {
	case "answer":
		rs.Answers = append(rs.Answers, rr)
	case "authority":
		rs.Authority = append(rs.Authority, rr)
	case "additional":
		rs.Additional = append(rs.Additional, rr)
	default:
		return fmt.Errorf("unknown section %q", section)
	}
	return nil
}
