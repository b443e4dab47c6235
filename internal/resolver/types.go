// Package resolver defines the resolution-policy contract the vectorloop
// invokes, plus the record-set artifact published by the resource loader.
//
// A Resolver fills the section arrays of a parsed Query with pointers into
// the supplied record set and sets the end code. Record pointees must stay
// stable for the remainder of the loop iteration; resolvers never retain the
// record set past the call.
package resolver

import "github.com/vecdns/vecdns/internal/dns"

// Resolver produces the answer/authority/additional sections for a query.
type Resolver interface {
	Resolve(q *dns.Query, records *RecordSet)
}
