package resolver

import "github.com/vecdns/vecdns/internal/dns"

// Static answers every supported question from the published record set.
// It is the reference policy: the answer section comes back verbatim (empty
// owner names bind to the question name), authority and additional carry the
// set's static nameserver and glue.
type Static struct{}

// Resolve populates q's sections with pointers into records and marks the
// query successful. Record values are copied into q's section slices but the
// rdata slices still alias the artifact, which stays alive for the rest of
// the iteration.
func (Static) Resolve(q *dns.Query, records *RecordSet) {
	if records == nil {
		q.EndCode = dns.EndServFail
		return
	}
	q.Answer = append(q.Answer, records.Answers...)
	q.Authority = append(q.Authority, records.Authority...)
	q.Additional = append(q.Additional, records.Additional...)
	q.EndCode = dns.EndNoError
}
