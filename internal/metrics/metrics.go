// Package metrics holds the process-wide counter set.
//
// Every field is an atomic integer bumped with monotonic adds from whichever
// shard or worker observes the event; no invariants hold across fields, so
// readers take unsynchronized per-field loads.
package metrics

import "sync/atomic"

// Counters is the full counter set. All methods are safe for concurrent use.
type Counters struct {
	// Per-rcode response dispositions, plus the dropped-request kinds.
	QueriesNoError     atomic.Uint64
	QueriesFormErr     atomic.Uint64
	QueriesServFail    atomic.Uint64
	QueriesNXDomain    atomic.Uint64
	QueriesNotImpl     atomic.Uint64
	QueriesRefused     atomic.Uint64
	QueriesBadVers     atomic.Uint64
	QueriesShortHeader atomic.Uint64
	QueriesTooLarge    atomic.Uint64
	QueriesTC          atomic.Uint64

	// Per-qtype requests.
	QtypeA     atomic.Uint64
	QtypeOther atomic.Uint64

	// EDNS observations.
	EDNSPresent      atomic.Uint64
	EDNSValid        atomic.Uint64
	EDNSDOBit        atomic.Uint64
	EDNSClientSubnet atomic.Uint64

	// UDP transport.
	UDPConns   atomic.Uint64
	UDPQueries atomic.Uint64

	// TCP transport.
	TCPConns             atomic.Uint64
	TCPQueries           atomic.Uint64
	TCPAcceptErr         atomic.Uint64
	TCPReadErr           atomic.Uint64
	TCPWriteErr          atomic.Uint64
	TCPClosedForRead     atomic.Uint64
	TCPClosedForWrite    atomic.Uint64
	TCPAssignConnIDErr   atomic.Uint64
	TCPQuerySizeTooLarge atomic.Uint64
	TCPKeepaliveTimeout  atomic.Uint64
	TCPQueryRecvTimeout  atomic.Uint64
	TCPQuerySendTimeout  atomic.Uint64
	TCPConnLimit         atomic.Uint64

	// Offload workers.
	AppLogOpenError     atomic.Uint64
	AppLogWriteError    atomic.Uint64
	QueryLogOpenError   atomic.Uint64
	QueryLogBufOverflow atomic.Uint64
	ResourceReloadError atomic.Uint64
}

// Snapshot is a point-in-time copy for the management API.
type Snapshot map[string]uint64

// Snapshot loads every counter once.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		"queries_rcode_noerror":      c.QueriesNoError.Load(),
		"queries_rcode_formerr":      c.QueriesFormErr.Load(),
		"queries_rcode_servfail":     c.QueriesServFail.Load(),
		"queries_rcode_nxdomain":     c.QueriesNXDomain.Load(),
		"queries_rcode_notimpl":      c.QueriesNotImpl.Load(),
		"queries_rcode_refused":      c.QueriesRefused.Load(),
		"queries_rcode_badvers":      c.QueriesBadVers.Load(),
		"queries_rcode_short_header": c.QueriesShortHeader.Load(),
		"queries_rcode_toolarge":     c.QueriesTooLarge.Load(),
		"queries_rcode_tc":           c.QueriesTC.Load(),
		"queries_qtype_a":            c.QtypeA.Load(),
		"queries_qtype_other":        c.QtypeOther.Load(),
		"edns_present":               c.EDNSPresent.Load(),
		"edns_valid":                 c.EDNSValid.Load(),
		"edns_do_bit":                c.EDNSDOBit.Load(),
		"edns_client_subnet":         c.EDNSClientSubnet.Load(),
		"udp_conns":                  c.UDPConns.Load(),
		"udp_queries":                c.UDPQueries.Load(),
		"tcp_conns":                  c.TCPConns.Load(),
		"tcp_queries":                c.TCPQueries.Load(),
		"tcp_accept_err":             c.TCPAcceptErr.Load(),
		"tcp_read_err":               c.TCPReadErr.Load(),
		"tcp_write_err":              c.TCPWriteErr.Load(),
		"tcp_closed_for_read":        c.TCPClosedForRead.Load(),
		"tcp_closed_for_write":       c.TCPClosedForWrite.Load(),
		"tcp_assign_conn_id_err":     c.TCPAssignConnIDErr.Load(),
		"tcp_query_size_toolarge":    c.TCPQuerySizeTooLarge.Load(),
		"tcp_keepalive_timeout":      c.TCPKeepaliveTimeout.Load(),
		"query_recv_timeout":         c.TCPQueryRecvTimeout.Load(),
		"query_send_timeout":         c.TCPQuerySendTimeout.Load(),
		"tcp_conn_limit":             c.TCPConnLimit.Load(),
		"app_log_open_error":         c.AppLogOpenError.Load(),
		"app_log_write_error":        c.AppLogWriteError.Load(),
		"query_log_open_error":       c.QueryLogOpenError.Load(),
		"query_log_buf_overflow":     c.QueryLogBufOverflow.Load(),
		"resource_reload_error":      c.ResourceReloadError.Load(),
	}
}
