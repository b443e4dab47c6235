package dns

import "errors"

// ErrWireFormat is the sentinel for DNS wire-format violations.
// Wrap this with fmt.Errorf("context: %w", ErrWireFormat) to add context.
var ErrWireFormat = errors.New("dns wire error")
